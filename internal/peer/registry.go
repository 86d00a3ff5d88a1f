package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

// ErrNegotiation wraps a transport failure during offer/answer exchange.
// The link it happened on has already been torn down.
var ErrNegotiation = errors.New("negotiation failed")

// Emitter delivers negotiation messages. *signaling.Gateway satisfies it.
type Emitter interface {
	Emit(event signaling.Event, payload any) error
}

// Options wires a Registry to its collaborators.
type Options struct {
	Factory Factory
	Emitter Emitter
	SelfID  func() string // current connection id of the local participant
	Stats   *util.Stats
}

// Registry keeps exactly one link per remote connection id.
//
// The outbound audio and video tracks are registry-level state: every link
// gets the current ones when it is created, and replacing them updates every
// existing link.
type Registry struct {
	factory Factory
	emitter Emitter
	selfID  func() string
	stats   *util.Stats
	log     util.Logger

	mu    sync.Mutex
	links map[string]*link
	audio media.Track
	video media.Track

	onStream func(id string, s *RemoteStream)
	onGone   func(id string)
	onState  func(id string, st State)
}

// NewRegistry returns an empty registry. Links are added as peers join.
func NewRegistry(opts Options) *Registry {
	selfID := opts.SelfID
	if selfID == nil {
		selfID = func() string { return "" }
	}
	return &Registry{
		factory: opts.Factory,
		emitter: opts.Emitter,
		selfID:  selfID,
		stats:   opts.Stats,
		log:     util.NewLogger("peer"),
		links:   make(map[string]*link),
	}
}

// OnRemoteStream registers fn to receive every new remote bundle.
func (r *Registry) OnRemoteStream(fn func(id string, s *RemoteStream)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStream = fn
}

// OnRemoteStreamGone registers fn to run when a link holding a remote
// bundle is torn down.
func (r *Registry) OnRemoteStreamGone(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGone = fn
}

// OnStateChange registers fn for link state transitions. It replaces any
// earlier callback.
func (r *Registry) OnStateChange(fn func(id string, st State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

// ---------------------------------------------------------------------------
// Link lifecycle
// ---------------------------------------------------------------------------

// getOrCreate is the only place links are created. Lookup and insertion
// happen under one lock, so two callers for the same id share one link.
func (r *Registry) getOrCreate(id string) (*link, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[id]; ok {
		return l, false, nil
	}

	tr, err := r.factory()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create transport for %s: %w", id, err)
	}
	l := &link{id: id, tr: tr}

	if err := tr.AttachTrack(media.KindAudio, r.audio); err != nil {
		r.log.Warn("failed to attach audio", "peer", id, "error", err)
	}
	if err := tr.AttachTrack(media.KindVideo, r.video); err != nil {
		r.log.Warn("failed to attach video", "peer", id, "error", err)
	}

	tr.OnICECandidate(func(c webrtc.ICECandidateInit) { r.localCandidate(l, c) })
	tr.OnTrack(func(t RemoteTrack) { r.remoteTrack(l, t) })
	tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { r.connectionState(l, s) })

	r.links[id] = l
	r.stats.AddLinkOpened()
	r.log.Debug("link created", "peer", id, "links", len(r.links))
	return l, true, nil
}

func (r *Registry) lookup(id string) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id]
}

// Remove tears down the link for id, if any.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	l := r.links[id]
	delete(r.links, id)
	r.mu.Unlock()

	if l != nil {
		if err := r.teardown(l, StateDisconnected); err != nil {
			r.log.Warn("failed to close link", "peer", id, "error", err)
		}
	}
}

// drop removes l unless the id has since been bound to a newer link.
func (r *Registry) drop(l *link, final State) {
	r.mu.Lock()
	if r.links[l.id] == l {
		delete(r.links, l.id)
	}
	r.mu.Unlock()

	if err := r.teardown(l, final); err != nil {
		r.log.Warn("failed to close link", "peer", l.id, "error", err)
	}
}

// CloseAll tears down every link. Close errors are joined; every link is
// attempted.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	links := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[string]*link)
	r.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := r.teardown(l, StateDisconnected); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.id, err))
		}
	}
	return errors.Join(errs...)
}

// teardown closes the link's transport once. Results of negotiation still in
// flight on it are discarded when they complete.
func (r *Registry) teardown(l *link, final State) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	hadStream := l.stream != nil
	l.stream = nil
	l.state = final
	l.pending, l.outbox = nil, nil
	l.mu.Unlock()

	err := l.tr.Close()
	r.stats.AddLinkClosed()
	r.log.Debug("link closed", "peer", l.id, "state", final)

	r.mu.Lock()
	onGone, onState := r.onGone, r.onState
	r.mu.Unlock()
	if hadStream && onGone != nil {
		onGone(l.id)
	}
	if onState != nil {
		onState(l.id, final)
	}
	return err
}

func (r *Registry) setState(l *link, st State) {
	l.mu.Lock()
	if l.closed || l.state == st {
		l.mu.Unlock()
		return
	}
	l.state = st
	l.mu.Unlock()

	r.mu.Lock()
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(l.id, st)
	}
}

// fail counts and logs a negotiation error and tears the link down. No retry
// is attempted; a later offer or join is the retry.
func (r *Registry) fail(l *link, step string, err error) error {
	r.stats.AddNegotiationError()
	r.log.Warn("negotiation failed", "peer", l.id, "step", step, "error", err)
	r.drop(l, StateFailed)
	return fmt.Errorf("%w: %s with %s: %w", ErrNegotiation, step, l.id, err)
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer starts negotiation with id. If a link for id already exists it
// is reused and no second offer is made.
func (r *Registry) CreateOffer(id string) error {
	l, created, err := r.getOrCreate(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	if !created {
		r.log.Debug("offer skipped, link exists", "peer", id)
		return nil
	}

	l.neg.Lock()
	defer l.neg.Unlock()

	r.setState(l, StateNegotiating)

	offer, err := l.tr.CreateOffer()
	if err != nil {
		return r.fail(l, "create offer", err)
	}
	if err := l.tr.SetLocalDescription(offer); err != nil {
		return r.fail(l, "set local offer", err)
	}
	if l.isClosed() {
		r.log.Debug("discarding offer for removed link", "peer", id)
		return nil
	}
	r.send(signaling.EvSignalOffer, signaling.Signal{To: id, From: r.selfID(), SDP: offer})
	r.flushOutbox(l)
	return nil
}

// HandleOffer answers a remote offer, creating the link if needed.
//
// When the offer collides with one of our own, the side with the greater
// connection id rolls back and answers; the other ignores the incoming offer
// and waits for the answer to its own.
func (r *Registry) HandleOffer(from string, sdp webrtc.SessionDescription) {
	l, _, err := r.getOrCreate(from)
	if err != nil {
		r.stats.AddNegotiationError()
		r.log.Warn("cannot answer offer", "peer", from, "error", err)
		return
	}

	l.neg.Lock()
	defer l.neg.Unlock()

	if l.isClosed() {
		r.stats.AddStale()
		return
	}

	if l.tr.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if r.selfID() <= from {
			r.log.Debug("ignoring colliding offer", "peer", from)
			return
		}
		r.log.Debug("offer collision, rolling back", "peer", from)
		if err := l.tr.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			_ = r.fail(l, "rollback", err)
			return
		}
	}

	r.setState(l, StateNegotiating)

	if err := l.tr.SetRemoteDescription(sdp); err != nil {
		_ = r.fail(l, "set remote offer", err)
		return
	}
	r.drainPending(l)

	answer, err := l.tr.CreateAnswer()
	if err != nil {
		_ = r.fail(l, "create answer", err)
		return
	}
	if err := l.tr.SetLocalDescription(answer); err != nil {
		_ = r.fail(l, "set local answer", err)
		return
	}
	if l.isClosed() {
		r.log.Debug("discarding answer for removed link", "peer", from)
		return
	}
	r.send(signaling.EvSignalAns, signaling.Signal{To: from, From: r.selfID(), SDP: answer})
	r.flushOutbox(l)
}

// HandleAnswer applies a remote answer. An answer for an unknown link, or
// one that arrives when no offer is outstanding, is stale and discarded.
func (r *Registry) HandleAnswer(from string, sdp webrtc.SessionDescription) {
	l := r.lookup(from)
	if l == nil {
		r.stats.AddStale()
		r.log.Debug("stale answer, no link", "peer", from)
		return
	}

	l.neg.Lock()
	defer l.neg.Unlock()

	if l.isClosed() || l.tr.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		r.stats.AddStale()
		r.log.Debug("stale answer", "peer", from, "signaling", l.tr.SignalingState())
		return
	}
	if err := l.tr.SetRemoteDescription(sdp); err != nil {
		_ = r.fail(l, "set remote answer", err)
		return
	}
	r.drainPending(l)
}

// HandleCandidate feeds a remote candidate to its link. Candidates that
// arrive before the remote description are queued and applied, in arrival
// order, right after it.
func (r *Registry) HandleCandidate(from string, c webrtc.ICECandidateInit) {
	l := r.lookup(from)
	if l == nil {
		r.stats.AddStale()
		r.log.Debug("stale candidate, no link", "peer", from)
		return
	}

	l.neg.Lock()
	defer l.neg.Unlock()

	if l.isClosed() {
		r.stats.AddStale()
		return
	}
	if l.queueRemote(c) {
		r.stats.AddQueued()
		return
	}
	if err := l.tr.AddICECandidate(c); err != nil {
		r.log.Warn("failed to add candidate", "peer", from, "error", err)
	}
}

func (r *Registry) drainPending(l *link) {
	for _, c := range l.takePending() {
		if err := l.tr.AddICECandidate(c); err != nil {
			r.log.Warn("failed to add queued candidate", "peer", l.id, "error", err)
		}
	}
}

func (r *Registry) localCandidate(l *link, c webrtc.ICECandidateInit) {
	if l.holdLocal(c) {
		return
	}
	r.send(signaling.EvSignalCand, signaling.CandidateSignal{To: l.id, From: r.selfID(), Candidate: c})
}

func (r *Registry) flushOutbox(l *link) {
	for _, c := range l.takeOutbox() {
		r.send(signaling.EvSignalCand, signaling.CandidateSignal{To: l.id, From: r.selfID(), Candidate: c})
	}
}

func (r *Registry) send(ev signaling.Event, payload any) {
	if err := r.emitter.Emit(ev, payload); err != nil {
		r.log.Warn("failed to send signal", "event", ev, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

func (r *Registry) remoteTrack(l *link, t RemoteTrack) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	s := l.stream.with(t)
	l.stream = s
	l.mu.Unlock()

	r.log.Debug("remote track", "peer", l.id, "kind", t.Kind(), "stream", t.StreamID())
	r.mu.Lock()
	fn := r.onStream
	r.mu.Unlock()
	if fn != nil {
		fn(l.id, s)
	}
}

func (r *Registry) connectionState(l *link, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		r.setState(l, StateConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		if !l.isClosed() {
			r.log.Info("peer connection lost", "peer", l.id, "state", s)
		}
		r.drop(l, StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		if !l.isClosed() {
			r.log.Warn("peer connection failed", "peer", l.id)
		}
		r.drop(l, StateFailed)
	}
}

// ---------------------------------------------------------------------------
// Outbound tracks
// ---------------------------------------------------------------------------

// ReplaceOutboundVideoTrack makes t the video source of every current link
// and of every link created later. nil detaches video.
func (r *Registry) ReplaceOutboundVideoTrack(t media.Track) {
	r.mu.Lock()
	r.video = t
	links := r.snapshotLocked()
	r.mu.Unlock()

	for _, l := range links {
		if err := l.tr.AttachTrack(media.KindVideo, t); err != nil {
			r.log.Warn("failed to replace video", "peer", l.id, "error", err)
		}
	}
}

// AttachLocalStream adds a freshly acquired camera bundle to every link
// without recreating any. The bundle's video only becomes the outbound video
// if nothing else (a screen share) holds that slot.
func (r *Registry) AttachLocalStream(s *media.Stream) {
	audio, video := s.AudioTrack(), s.VideoTrack()

	r.mu.Lock()
	r.audio = audio
	setVideo := r.video == nil && video != nil
	if setVideo {
		r.video = video
	}
	links := r.snapshotLocked()
	r.mu.Unlock()

	for _, l := range links {
		if err := l.tr.AttachTrack(media.KindAudio, audio); err != nil {
			r.log.Warn("failed to attach audio", "peer", l.id, "error", err)
		}
		if setVideo {
			if err := l.tr.AttachTrack(media.KindVideo, video); err != nil {
				r.log.Warn("failed to attach video", "peer", l.id, "error", err)
			}
		}
	}
}

func (r *Registry) snapshotLocked() []*link {
	out := make([]*link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// OutboundVideoTrack is the track currently sent on every link's video slot.
func (r *Registry) OutboundVideoTrack() media.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.video
}

// OutboundAudioTrack is the track currently sent on every link's audio slot.
func (r *Registry) OutboundAudioTrack() media.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

// Len is the number of live links.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Has reports whether a link to id exists.
func (r *Registry) Has(id string) bool {
	return r.lookup(id) != nil
}

// IDs returns the connection ids with a link, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// State reports the negotiation state for id; StateNone when there is no
// link.
func (r *Registry) State(id string) State {
	l := r.lookup(id)
	if l == nil {
		return StateNone
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transport returns the transport of the link for id, or nil.
func (r *Registry) Transport(id string) Transport {
	l := r.lookup(id)
	if l == nil {
		return nil
	}
	return l.tr
}

// RemoteStream returns the bundle received from id, or nil.
func (r *Registry) RemoteStream(id string) *RemoteStream {
	l := r.lookup(id)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream
}
