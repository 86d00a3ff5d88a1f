package peer_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/peer"
	"github.com/1ureka/huddle/internal/peer/peertest"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

type sent struct {
	event   signaling.Event
	payload any
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

var _ peer.Emitter = (*recorder)(nil)

func (r *recorder) Emit(event signaling.Event, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{event, payload})
	return nil
}

func (r *recorder) events() []signaling.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signaling.Event, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.event
	}
	return out
}

func (r *recorder) count(ev signaling.Event) int {
	n := 0
	for _, e := range r.events() {
		if e == ev {
			n++
		}
	}
	return n
}

type fixture struct {
	reg     *peer.Registry
	factory *peertest.Factory
	out     *recorder
	stats   *util.Stats
}

func newFixture(self string) *fixture {
	f := &fixture{factory: &peertest.Factory{}, out: &recorder{}, stats: &util.Stats{}}
	f.reg = peer.NewRegistry(peer.Options{
		Factory: f.factory.New,
		Emitter: f.out,
		SelfID:  func() string { return self },
		Stats:   f.stats,
	})
	return f
}

func (f *fixture) transport(t *testing.T, id string) *peertest.Transport {
	t.Helper()
	tr, ok := f.reg.Transport(id).(*peertest.Transport)
	if !ok {
		t.Fatalf("no transport for %s", id)
	}
	return tr
}

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func TestCreateOfferTwiceYieldsOneLink(t *testing.T) {
	f := newFixture("a")

	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}

	if got := f.reg.Len(); got != 1 {
		t.Errorf("links = %d, want 1", got)
	}
	if got := len(f.factory.Created()); got != 1 {
		t.Errorf("transports created = %d, want 1", got)
	}
	if got := f.out.count(signaling.EvSignalOffer); got != 1 {
		t.Errorf("offers sent = %d, want 1", got)
	}
	if f.reg.State("b") != peer.StateNegotiating {
		t.Errorf("state = %s", f.reg.State("b"))
	}
}

func TestConcurrentCreateOffer(t *testing.T) {
	f := newFixture("a")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.reg.CreateOffer("b")
		}()
	}
	wg.Wait()

	if got := len(f.factory.Created()); got != 1 {
		t.Errorf("transports created = %d, want 1", got)
	}
}

func TestHandleOfferAnswers(t *testing.T) {
	f := newFixture("a")

	f.reg.HandleOffer("b", offer("o"))

	if !f.reg.Has("b") {
		t.Fatal("offer should create a link")
	}
	if got := f.out.events(); len(got) != 1 || got[0] != signaling.EvSignalAns {
		t.Fatalf("sent = %v, want one answer", got)
	}
	s := f.out.sent[0].payload.(signaling.Signal)
	if s.To != "b" || s.From != "a" || s.SDP.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer = %+v", s)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	f := newFixture("a")
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	tr := f.transport(t, "b")

	f.reg.HandleCandidate("b", webrtc.ICECandidateInit{Candidate: "c1"})
	f.reg.HandleCandidate("b", webrtc.ICECandidateInit{Candidate: "c2"})
	if got := len(tr.Candidates()); got != 0 {
		t.Fatalf("candidates applied before answer = %d", got)
	}

	f.reg.HandleAnswer("b", answer("x"))
	f.reg.HandleCandidate("b", webrtc.ICECandidateInit{Candidate: "c3"})

	got := tr.Candidates()
	if len(got) != 3 {
		t.Fatalf("candidates = %v", got)
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if got[i].Candidate != want {
			t.Errorf("candidate %d = %s, want %s", i, got[i].Candidate, want)
		}
	}
	if f.stats.CandidatesQueued.Load() != 2 {
		t.Errorf("queued = %d, want 2", f.stats.CandidatesQueued.Load())
	}
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	f := newFixture("a")
	f.reg.HandleOffer("b", offer("o"))
	tr := f.transport(t, "b")

	tr.Gather("l1")
	events := f.out.events()
	if events[0] != signaling.EvSignalAns || events[len(events)-1] != signaling.EvSignalCand {
		t.Errorf("events = %v", events)
	}
}

func TestStaleSignalsAreDiscarded(t *testing.T) {
	f := newFixture("a")

	f.reg.HandleAnswer("ghost", answer("x"))
	f.reg.HandleCandidate("ghost", webrtc.ICECandidateInit{Candidate: "c"})

	if f.reg.Len() != 0 {
		t.Error("stale signals must not create links")
	}
	if got := f.stats.StaleSignals.Load(); got != 2 {
		t.Errorf("stale = %d, want 2", got)
	}

	// A duplicate answer after the first was applied is stale too.
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	f.reg.HandleAnswer("b", answer("x"))
	f.reg.HandleAnswer("b", answer("x"))
	if f.reg.Len() != 1 {
		t.Error("duplicate answer must not tear the link down")
	}
}

func TestNegotiationFailureIsolated(t *testing.T) {
	f := newFixture("a")
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.CreateOffer("c"); err != nil {
		t.Fatal(err)
	}

	f.transport(t, "b").FailRemote(errors.New("bad sdp"))
	f.reg.HandleAnswer("b", answer("x"))

	if f.reg.Has("b") {
		t.Error("failed link should be torn down")
	}
	if !f.reg.Has("c") {
		t.Error("other links must survive")
	}
	if f.stats.NegotiationErrors.Load() != 1 {
		t.Errorf("negotiation errors = %d", f.stats.NegotiationErrors.Load())
	}
}

func TestCreateOfferFailure(t *testing.T) {
	f := newFixture("a")
	f.factory.Fail(errors.New("no ports"))

	err := f.reg.CreateOffer("b")
	if !errors.Is(err, peer.ErrNegotiation) {
		t.Fatalf("err = %v, want ErrNegotiation", err)
	}
	if f.reg.Len() != 0 {
		t.Error("no link should remain")
	}
}

func TestOfferGlare(t *testing.T) {
	// "b" > "a": the registry of b rolls back and answers.
	polite := newFixture("b")
	if err := polite.reg.CreateOffer("a"); err != nil {
		t.Fatal(err)
	}
	polite.reg.HandleOffer("a", offer("from a"))
	if got := polite.out.count(signaling.EvSignalAns); got != 1 {
		t.Errorf("polite side answers = %d, want 1", got)
	}

	impolite := newFixture("a")
	if err := impolite.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	impolite.reg.HandleOffer("b", offer("from b"))
	if got := impolite.out.count(signaling.EvSignalAns); got != 0 {
		t.Errorf("impolite side answers = %d, want 0", got)
	}
	if impolite.transport(t, "b").SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Error("impolite side should keep its offer")
	}
}

func TestReplaceOutboundVideoAppliesToAllLinks(t *testing.T) {
	f := newFixture("a")
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}

	screen, _ := media.NewLocalTrack(media.KindVideo, "screen", "s")
	f.reg.ReplaceOutboundVideoTrack(screen)

	if err := f.reg.CreateOffer("c"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"b", "c"} {
		if got := f.transport(t, id).Track(media.KindVideo); got != media.Track(screen) {
			t.Errorf("%s video = %v, want screen", id, got)
		}
	}

	f.reg.ReplaceOutboundVideoTrack(nil)
	if f.transport(t, "b").Track(media.KindVideo) != nil {
		t.Error("nil should detach video")
	}
}

func TestAttachLocalStreamKeepsLinksAndScreen(t *testing.T) {
	f := newFixture("a")
	if err := f.reg.CreateOffer("b"); err != nil {
		t.Fatal(err)
	}
	tr := f.transport(t, "b")

	screen, _ := media.NewLocalTrack(media.KindVideo, "screen", "s")
	f.reg.ReplaceOutboundVideoTrack(screen)

	mic, _ := media.NewLocalTrack(media.KindAudio, "mic", "c")
	cam, _ := media.NewLocalTrack(media.KindVideo, "cam", "c")
	f.reg.AttachLocalStream(media.NewStream(media.SourceCamera, mic, cam))

	if f.transport(t, "b") != tr {
		t.Fatal("attaching must not recreate the link")
	}
	if tr.Track(media.KindAudio) != media.Track(mic) {
		t.Error("audio should be attached")
	}
	if tr.Track(media.KindVideo) != media.Track(screen) {
		t.Error("screen should keep the video slot")
	}
}

func TestConnectionLossTearsDownLink(t *testing.T) {
	f := newFixture("a")

	var mu sync.Mutex
	var gone []string
	var states []peer.State
	f.reg.OnRemoteStreamGone(func(id string) {
		mu.Lock()
		gone = append(gone, id)
		mu.Unlock()
	})
	f.reg.OnStateChange(func(id string, st peer.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	var stream *peer.RemoteStream
	f.reg.OnRemoteStream(func(id string, s *peer.RemoteStream) { stream = s })

	f.reg.HandleOffer("b", offer("o"))
	tr := f.transport(t, "b")
	tr.Receive("v1", "stream-b", media.KindVideo)
	tr.SetConnectionState(webrtc.PeerConnectionStateConnected)

	if stream == nil || stream.Track(media.KindVideo) == nil {
		t.Fatal("remote stream should be published")
	}
	if f.reg.State("b") != peer.StateConnected {
		t.Errorf("state = %s", f.reg.State("b"))
	}

	tr.SetConnectionState(webrtc.PeerConnectionStateFailed)

	if f.reg.Has("b") || f.reg.RemoteStream("b") != nil {
		t.Error("link and stream should be gone")
	}
	if !tr.Closed() {
		t.Error("transport should be closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gone) != 1 || gone[0] != "b" {
		t.Errorf("gone = %v", gone)
	}
	if states[len(states)-1] != peer.StateFailed {
		t.Errorf("states = %v", states)
	}
}

func TestRemoteStreamReplacedWholesale(t *testing.T) {
	f := newFixture("a")
	f.reg.HandleOffer("b", offer("o"))
	tr := f.transport(t, "b")

	tr.Receive("a1", "s", media.KindAudio)
	first := f.reg.RemoteStream("b")
	tr.Receive("v1", "s", media.KindVideo)
	second := f.reg.RemoteStream("b")

	if first == second {
		t.Fatal("a new track should publish a new bundle")
	}
	if len(first.Tracks) != 1 || len(second.Tracks) != 2 {
		t.Errorf("tracks = %d then %d", len(first.Tracks), len(second.Tracks))
	}
}

func TestCloseAll(t *testing.T) {
	f := newFixture("a")
	for _, id := range []string{"b", "c", "d"} {
		if err := f.reg.CreateOffer(id); err != nil {
			t.Fatal(err)
		}
	}
	created := f.factory.Created()

	if err := f.reg.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if f.reg.Len() != 0 {
		t.Error("links should be gone")
	}
	for _, tr := range created {
		if !tr.Closed() {
			t.Errorf("%s not closed", tr.Name)
		}
	}

	// Late answers for closed links are stale.
	f.reg.HandleAnswer("b", answer("x"))
	if f.reg.Len() != 0 {
		t.Error("stale answer recreated a link")
	}
	if f.stats.LinksClosed.Load() != 3 {
		t.Errorf("closed = %d", f.stats.LinksClosed.Load())
	}
}

func TestRemovedDuringOfferDiscardsIt(t *testing.T) {
	f := newFixture("a")
	hold := f.factory.HoldNegotiation()
	defer hold.Release()

	done := make(chan error, 1)
	go func() { done <- f.reg.CreateOffer("b") }()
	<-hold.Waiting()

	f.reg.Remove("b")
	hold.Release()

	if err := <-done; err != nil {
		t.Fatalf("CreateOffer = %v", err)
	}
	if got := f.out.count(signaling.EvSignalOffer); got != 0 {
		t.Errorf("offers sent = %d, want 0", got)
	}
	if f.reg.Has("b") {
		t.Error("removed link must stay gone")
	}
	if tr := f.factory.Created()[0]; !tr.Closed() {
		t.Error("transport should be closed")
	}
}

func TestRemovedDuringAnswerDiscardsIt(t *testing.T) {
	f := newFixture("a")
	hold := f.factory.HoldNegotiation()
	defer hold.Release()

	done := make(chan struct{})
	go func() {
		f.reg.HandleOffer("b", offer("from b"))
		close(done)
	}()
	<-hold.Waiting()

	f.reg.Remove("b")
	hold.Release()
	<-done

	if got := f.out.count(signaling.EvSignalAns); got != 0 {
		t.Errorf("answers sent = %d, want 0", got)
	}
	if f.reg.Has("b") {
		t.Error("removed link must stay gone")
	}
}
