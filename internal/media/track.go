// Package media owns local capture: camera+microphone and screen bundles,
// their enabled flags, and their release.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	KindAudio = webrtc.RTPCodecTypeAudio
	KindVideo = webrtc.RTPCodecTypeVideo
)

// Track is one local media track as seen by the rest of the session.
//
// Stop is a local stop and never fires OnEnded callbacks. End models the
// capture being terminated outside the application (for example the
// operating system's "stop sharing" control): it fires OnEnded callbacks once
// and then stops the track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	End()
	OnEnded(fn func())
	TrackLocal() webrtc.TrackLocal
}

var _ Track = (*LocalTrack)(nil)

// LocalTrack is a Track backed by a pion TrackLocalStaticRTP. Packets
// written while the track is disabled or stopped are dropped, so toggling the
// enabled flag never touches the peer transports the track is attached to.
type LocalTrack struct {
	rtp   *webrtc.TrackLocalStaticRTP
	label string

	enabled atomic.Bool

	mu      sync.Mutex
	stopped bool
	ended   []func()
	release []func()
}

func capabilityFor(kind webrtc.RTPCodecType) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case KindAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case KindVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported track kind %s", kind)
	}
}

// NewLocalTrack creates an enabled track of the given kind inside streamID.
func NewLocalTrack(kind webrtc.RTPCodecType, label, streamID string) (*LocalTrack, error) {
	capability, err := capabilityFor(kind)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}
	t := &LocalTrack{rtp: local, label: label}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string                    { return t.rtp.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType     { return t.rtp.Kind() }
func (t *LocalTrack) Label() string                 { return t.label }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.rtp }
func (t *LocalTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }

// Stopped reports whether the track has been stopped or has ended.
func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers fn to run when the capture ends outside the application.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = append(t.ended, fn)
}

// onRelease registers a hook that frees the capture source on Stop.
func (t *LocalTrack) onRelease(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release = append(t.release, fn)
}

// Stop stops the track. Safe to call multiple times.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	release := t.release
	t.release = nil
	t.mu.Unlock()

	for _, fn := range release {
		fn()
	}
}

// End fires the ended callbacks once and stops the track. It is a no-op on a
// track that was already stopped.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	ended := t.ended
	t.ended = nil
	t.mu.Unlock()

	t.Stop()
	for _, fn := range ended {
		fn()
	}
}

// WriteRTP forwards a packet to every transport the track is bound to.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if !t.enabled.Load() || t.Stopped() {
		return nil
	}
	return t.rtp.WriteRTP(p)
}

// ---------------------------------------------------------------------------
// Stream bundles
// ---------------------------------------------------------------------------

// Source tags who produced a Stream.
type Source int

const (
	SourceCamera Source = iota
	SourceScreen
)

func (s Source) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Stream is an ownership-tagged bundle of local tracks. Its track set is
// fixed at construction.
type Stream struct {
	id     string
	source Source
	tracks []Track
}

// NewStream bundles tracks under a fresh stream id.
func NewStream(source Source, tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), source: source, tracks: tracks}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) Source() Source { return s.source }

// Tracks returns a copy of the bundle's tracks.
func (s *Stream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) firstOf(kind webrtc.RTPCodecType) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() Track { return s.firstOf(KindAudio) }

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() Track { return s.firstOf(KindVideo) }

// Stop stops every track in the bundle.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Live counts tracks that have not been stopped.
func (s *Stream) Live() int {
	n := 0
	for _, t := range s.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}
