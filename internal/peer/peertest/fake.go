// Package peertest provides an in-memory peer.Transport that follows the
// offer/answer state rules without touching the network.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/peer"
)

var errNoRemote = errors.New("remote description not set")

var _ peer.Transport = (*Transport)(nil)

// Transport records everything the registry does to it.
type Transport struct {
	Name string

	mu         sync.Mutex
	state      webrtc.SignalingState
	tracks     map[webrtc.RTPCodecType]media.Track
	attaches   int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool

	failOffer  error
	failRemote error
	hold       *Hold

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(peer.RemoteTrack)
	onConn      func(webrtc.PeerConnectionState)
}

func NewTransport(name string) *Transport {
	return &Transport{
		Name:   name,
		state:  webrtc.SignalingStateStable,
		tracks: make(map[webrtc.RTPCodecType]media.Track),
	}
}

// FailOffer makes the next CreateOffer and CreateAnswer calls return err.
func (t *Transport) FailOffer(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOffer = err
}

// FailRemote makes SetRemoteDescription return err.
func (t *Transport) FailRemote(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failRemote = err
}

// Hold parks CreateOffer and CreateAnswer until Release is called, so a test
// can act while negotiation is in flight.
type Hold struct {
	waiting  chan struct{}
	released chan struct{}
	enter    sync.Once
	release  sync.Once
}

func newHold() *Hold {
	return &Hold{waiting: make(chan struct{}), released: make(chan struct{})}
}

// Waiting is closed once a call is parked on the hold.
func (h *Hold) Waiting() <-chan struct{} { return h.waiting }

// Release lets every parked and future call through. Safe to call more than
// once.
func (h *Hold) Release() {
	h.release.Do(func() { close(h.released) })
}

func (h *Hold) wait() {
	h.enter.Do(func() { close(h.waiting) })
	<-h.released
}

// HoldNegotiation parks the next offer or answer this transport creates.
func (t *Transport) HoldNegotiation() *Hold {
	h := newHold()
	t.mu.Lock()
	t.hold = h
	t.mu.Unlock()
	return h
}

func (t *Transport) waitHold() {
	t.mu.Lock()
	h := t.hold
	t.mu.Unlock()
	if h != nil {
		h.wait()
	}
}

func (t *Transport) AttachTrack(kind webrtc.RTPCodecType, track media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.tracks[kind] = track
	t.attaches++
	return nil
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.waitHold()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffer != nil {
		return webrtc.SessionDescription{}, t.failOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + t.Name}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.waitHold()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffer != nil {
		return webrtc.SessionDescription{}, t.failOffer
	}
	if t.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s", t.state)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + t.Name}, nil
}

func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if t.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set local offer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if t.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		t.state = webrtc.SignalingStateStable
		t.local = nil
		return nil
	}
	t.local = &sdp
	return nil
}

func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failRemote != nil {
		return t.failRemote
	}
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if t.state != webrtc.SignalingStateStable {
			return fmt.Errorf("set remote offer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if t.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set remote answer in state %s", t.state)
		}
		t.state = webrtc.SignalingStateStable
	}
	t.remote = &sdp
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errNoRemote
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnTrack(fn func(peer.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConn = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test drivers and inspection
// ---------------------------------------------------------------------------

// Gather simulates the discovery of a local candidate.
func (t *Transport) Gather(candidate string) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// Receive simulates an incoming remote track.
func (t *Transport) Receive(id, streamID string, kind webrtc.RTPCodecType) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(RemoteTrack{TrackID: id, Stream: streamID, TrackKind: kind})
	}
}

// SetConnectionState simulates a transport state report.
func (t *Transport) SetConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onConn
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Track returns the track currently attached to the sender of kind.
func (t *Transport) Track(kind webrtc.RTPCodecType) media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracks[kind]
}

// Attaches counts AttachTrack calls.
func (t *Transport) Attaches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attaches
}

func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.candidates))
	copy(out, t.candidates)
	return out
}

func (t *Transport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RemoteTrack is a plain peer.RemoteTrack.
type RemoteTrack struct {
	TrackID   string
	Stream    string
	TrackKind webrtc.RTPCodecType
}

func (r RemoteTrack) ID() string                { return r.TrackID }
func (r RemoteTrack) StreamID() string          { return r.Stream }
func (r RemoteTrack) Kind() webrtc.RTPCodecType { return r.TrackKind }

// Factory hands out Transports and remembers them in creation order.
type Factory struct {
	mu      sync.Mutex
	created []*Transport
	err     error
	hold    *Hold
}

// HoldNegotiation parks offers and answers on every transport created from
// now on, until the returned Hold is released.
func (f *Factory) HoldNegotiation() *Hold {
	h := newHold()
	f.mu.Lock()
	f.hold = h
	f.mu.Unlock()
	return h
}

// Fail makes subsequent New calls return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// New satisfies peer.Factory.
func (f *Factory) New() (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := NewTransport(fmt.Sprintf("t%d", len(f.created)+1))
	t.hold = f.hold
	f.created = append(f.created, t)
	return t, nil
}

func (f *Factory) Created() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Transport, len(f.created))
	copy(out, f.created)
	return out
}
