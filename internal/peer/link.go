package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the negotiation state of one link.
type State int

const (
	StateNone State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RemoteStream is the bundle received from one peer. It is never mutated
// after it is published; a new track produces a new RemoteStream.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

func (s *RemoteStream) with(t RemoteTrack) *RemoteStream {
	next := &RemoteStream{ID: t.StreamID()}
	if s != nil {
		next.Tracks = append(next.Tracks, s.Tracks...)
	}
	next.Tracks = append(next.Tracks, t)
	return next
}

// Track returns the first track of kind, or nil.
func (s *RemoteStream) Track(kind webrtc.RTPCodecType) RemoteTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// link is one PeerLink: a transport plus its negotiation bookkeeping.
type link struct {
	id string
	tr Transport

	// neg serializes offer/answer/candidate application so signals for one
	// peer are applied in arrival order.
	neg sync.Mutex

	mu        sync.Mutex
	state     State
	closed    bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit // remote, held until the remote description is set
	outbox    []webrtc.ICECandidateInit // local, held until our description was sent
	localSent bool
	stream    *RemoteStream
}

func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// queueRemote holds c if the remote description is not set yet and reports
// whether it did.
func (l *link) queueRemote(c webrtc.ICECandidateInit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteSet {
		return false
	}
	l.pending = append(l.pending, c)
	return true
}

// takePending marks the remote description as applied and returns the
// candidates that arrived before it, in arrival order.
func (l *link) takePending() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSet = true
	q := l.pending
	l.pending = nil
	return q
}

// holdLocal buffers a gathered candidate until our offer or answer has been
// sent. It reports whether the candidate was buffered or dropped.
func (l *link) holdLocal(c webrtc.ICECandidateInit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return true
	}
	if !l.localSent {
		l.outbox = append(l.outbox, c)
		return true
	}
	return false
}

func (l *link) takeOutbox() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localSent = true
	q := l.outbox
	l.outbox = nil
	return q
}
