// Package app runs one room session: it wires the signaling gateway, local
// capture, peer links, room state and screen sharing together and owns their
// lifetimes.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/peer"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/share"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

var (
	// ErrSignalingUnavailable ends room participation: the channel could not
	// be opened, or was lost and could not be reopened.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrJoinRejected reports that the relay refused the join.
	ErrJoinRejected = errors.New("join rejected")

	ErrNotJoined = errors.New("not in a room")

	// ErrLeftDuringJoin is returned by a Join that Leave interrupted.
	ErrLeftDuringJoin = errors.New("left while joining")
)

// Options configures a Session. Gateway, Capture and Factory are required.
type Options struct {
	RoomID  string
	Self    room.Self
	Gateway *signaling.Gateway
	Capture media.Capture
	Factory peer.Factory
	Media   media.Options
	Stats   *util.Stats
}

// Session is one attempt at participating in one room. It is not reusable:
// after Leave, build a new one.
type Session struct {
	opts  Options
	log   util.Logger
	gw    *signaling.Gateway
	media *media.Controller
	peers *peer.Registry
	room  *room.Reconciler
	share *share.Coordinator

	// opMu serializes Join, Leave and rejoin after a reconnect. Leave cancels
	// life before taking it, so a Join stuck on a device prompt gives way.
	opMu      sync.Mutex
	scope     *scope
	life      context.Context
	stop      context.CancelFunc
	left      bool
	acquiring atomic.Bool // Join is waiting on camera and microphone

	doneOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

func New(opts Options) *Session {
	s := &Session{
		opts:  opts,
		log:   util.NewLogger("session"),
		gw:    opts.Gateway,
		media: media.NewController(opts.Capture, opts.Media),
		room:  room.New(opts.RoomID, opts.Self),
		done:  make(chan struct{}),
	}
	s.scope = newScope(s.log)
	s.life, s.stop = context.WithCancel(context.Background())

	s.peers = peer.NewRegistry(peer.Options{
		Factory: opts.Factory,
		Emitter: opts.Gateway,
		SelfID:  opts.Gateway.SocketID,
		Stats:   opts.Stats,
	})
	s.peers.OnRemoteStream(func(id string, rs *peer.RemoteStream) {
		s.room.SetRemoteStream(id, rs.ID)
	})
	s.peers.OnRemoteStreamGone(s.room.ClearRemoteStream)
	s.peers.OnStateChange(func(id string, st peer.State) {
		s.log.Debug("peer link state", "peer", id, "state", st)
	})

	s.share = share.New(share.Options{
		RoomID:  opts.RoomID,
		Self:    opts.Self,
		Media:   s.media,
		Peers:   s.peers,
		Room:    s.room,
		Emitter: opts.Gateway,
		Stats:   opts.Stats,
	})
	return s
}

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

// Join enters the room. Losing the signaling channel is fatal and reported as
// ErrSignalingUnavailable; missing camera or microphone is not, and the
// session continues with whatever media could be acquired.
func (s *Session) Join(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.left || s.life.Err() != nil {
		return fmt.Errorf("%w: session already ended", room.ErrInvalidTransition)
	}
	if err := s.room.BeginJoin(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.life, cancel)()

	if err := s.gw.Connect(ctx); err != nil {
		s.room.Abort()
		if s.life.Err() != nil {
			return ErrLeftDuringJoin
		}
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}
	s.scope.Defer("disconnect signaling", func() error {
		s.gw.Disconnect()
		return nil
	})
	s.subscribe()
	s.room.BindSelfSocket(s.gw.SocketID())

	s.scope.Defer("stop local tracks", func() error {
		s.share.Reset()
		s.media.ReleaseAll()
		return nil
	})
	s.scope.Defer("close peer links", s.peers.CloseAll)

	s.acquiring.Store(true)
	s.acquireMedia(ctx)
	s.acquiring.Store(false)

	err := ErrLeftDuringJoin
	if s.life.Err() == nil {
		err = s.enterRoom(ctx)
		if err != nil && s.life.Err() != nil {
			err = ErrLeftDuringJoin
		}
	}
	if err != nil {
		if cerr := s.scope.Close(); cerr != nil {
			s.log.Warn("cleanup after failed join", "error", cerr)
		}
		s.room.Abort()
		return err
	}
	return nil
}

func (s *Session) acquireMedia(ctx context.Context) {
	cam, err := s.media.AcquireCameraAndMic(ctx)
	if err != nil {
		s.log.Warn("joining without camera and microphone", "error", err)
	} else {
		s.peers.AttachLocalStream(cam)
	}
	s.room.SetLocalMuted(!s.media.AudioEnabled())
	s.room.SetLocalVideo(s.media.VideoEnabled())
	s.room.MediaSettled()
}

// enterRoom sends join-room, merges the answer and offers to every peer
// already present. A failed offer only costs that one link.
func (s *Session) enterRoom(ctx context.Context) error {
	var ack signaling.JoinAck
	err := s.gw.Request(ctx, signaling.EvJoinRoom, signaling.JoinRoom{
		RoomID:   s.opts.RoomID,
		UserID:   s.opts.Self.UserID,
		UserName: s.opts.Self.Name,
		Avatar:   s.opts.Self.Avatar,
	}, &ack)
	if err != nil {
		return fmt.Errorf("%w: join-room: %w", ErrSignalingUnavailable, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrJoinRejected, ack.Error)
	}
	if err := s.room.ApplyJoinAck(ack); err != nil {
		return err
	}

	self := s.gw.SocketID()
	for _, p := range ack.Peers {
		if p.SocketID == self || p.UserID == s.opts.Self.UserID {
			continue
		}
		if err := s.peers.CreateOffer(p.SocketID); err != nil {
			s.log.Warn("could not reach peer", "peer", p.SocketID, "error", err)
		}
	}
	s.announceMedia()

	s.log.Info("joined", "room", s.opts.RoomID, "socket", self, "peers", len(ack.Peers))
	return nil
}

// subscribe registers every inbound handler. Handlers run on the gateway's
// read goroutine and must not wait for an ack.
func (s *Session) subscribe() {
	subs := []*signaling.Subscription{
		signaling.Handle(s.gw, signaling.EvUserJoined, s.peerJoined),
		signaling.Handle(s.gw, signaling.EvUserLeft, func(p signaling.UserLeft) {
			s.room.PeerLeft(p.SocketID)
			s.peers.Remove(p.SocketID)
		}),
		signaling.Handle(s.gw, signaling.EvSignalOffer, func(m signaling.Signal) {
			s.peers.HandleOffer(m.From, m.SDP)
		}),
		signaling.Handle(s.gw, signaling.EvSignalAns, func(m signaling.Signal) {
			s.peers.HandleAnswer(m.From, m.SDP)
		}),
		signaling.Handle(s.gw, signaling.EvSignalCand, func(m signaling.CandidateSignal) {
			s.peers.HandleCandidate(m.From, m.Candidate)
		}),
		signaling.Handle(s.gw, signaling.EvShareUpdate, s.share.HandleRemoteUpdate),
		signaling.Handle(s.gw, signaling.EvChatNew, func(m signaling.ChatMessage) {
			s.room.AppendChat(m)
		}),
		signaling.Handle(s.gw, signaling.EvMediaUpdate, s.room.ApplyMediaUpdate),
		signaling.Handle(s.gw, signaling.EvReconnect, func(m signaling.Reconnected) {
			go s.rejoin(m.SocketID)
		}),
		signaling.Handle(s.gw, signaling.EvDisconnect, func(m signaling.Disconnected) {
			cause := fmt.Errorf("%w: %s", ErrSignalingUnavailable, m.Error)
			go func() {
				s.opMu.Lock()
				defer s.opMu.Unlock()
				if err := s.leaveLocked(cause); err != nil {
					s.log.Warn("teardown after signaling loss", "error", err)
				}
			}()
		}),
	}
	s.scope.Defer("remove subscriptions", func() error {
		unsubscribeAll(subs)
		return nil
	})
}

// unsubscribeAll removes subs newest first.
func unsubscribeAll[S interface{ Unsubscribe() }](subs []S) {
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Unsubscribe()
	}
}

// peerJoined merges a user-joined broadcast. A link keyed by the
// participant's previous connection is dropped, and a stream that arrived on
// the new connection before the broadcast is recorded.
func (s *Session) peerJoined(p signaling.PeerInfo) {
	res := s.room.PeerJoined(p)
	if res.StaleSocketID != "" {
		s.peers.Remove(res.StaleSocketID)
	}
	if rs := s.peers.RemoteStream(p.SocketID); rs != nil {
		s.room.SetRemoteStream(p.SocketID, rs.ID)
	}
}

// rejoin restores membership on the connection the gateway reopened. Links
// keyed by the old connection ids are useless now and are dropped; the peers
// already in the room are offered to afresh.
func (s *Session) rejoin(socketID string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.left {
		return
	}
	s.log.Info("rejoining after reconnect", "socket", socketID)

	if err := s.peers.CloseAll(); err != nil {
		s.log.Warn("closing links before rejoin", "error", err)
	}
	s.share.Reset()
	if err := s.room.ResetForRejoin(); err != nil {
		s.log.Warn("rejoin skipped", "error", err)
		return
	}
	s.room.BindSelfSocket(socketID)

	if err := s.enterRoom(s.life); err != nil {
		if s.life.Err() != nil {
			// Leave is waiting for opMu and will tear down.
			return
		}
		s.log.Error("rejoin failed", "error", err)
		if lerr := s.leaveLocked(err); lerr != nil {
			s.log.Warn("teardown after failed rejoin", "error", lerr)
		}
	}
}

// ---------------------------------------------------------------------------
// Leave
// ---------------------------------------------------------------------------

// Leave announces the departure and releases everything the session holds:
// peer links first, then local tracks, then subscriptions, then the
// signaling channel. Every step is attempted; failures are joined.
//
// Leave does not wait for a Join blocked on a device prompt: it cancels the
// join and aborts the acquisition, and the Join returns ErrLeftDuringJoin.
func (s *Session) Leave() error {
	s.stop()
	if s.acquiring.Load() {
		// No link exists before join-room is sent, so releasing tracks
		// ahead of the scope keeps the teardown order.
		s.media.ReleaseAll()
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.leaveLocked(nil)
}

func (s *Session) leaveLocked(cause error) error {
	if s.left {
		return nil
	}
	s.left = true
	s.stop()

	if s.gw.Connected() {
		if err := s.gw.Emit(signaling.EvLeaveRoom, signaling.LeaveRoom{RoomID: s.opts.RoomID}); err != nil {
			s.log.Debug("leave-room not delivered", "error", err)
		}
	}
	err := s.scope.Close()
	s.room.Leave()

	if cause != nil {
		s.log.Error("session ended", "room", s.opts.RoomID, "error", cause)
	} else {
		s.log.Info("left room", "room", s.opts.RoomID)
	}
	s.finish(cause)
	return err
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

// Done is closed when the session ends, by Leave or by losing signaling.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session ended; nil after a plain Leave or while the
// session is running.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// ---------------------------------------------------------------------------
// Local intents
// ---------------------------------------------------------------------------

// ToggleAudio flips the microphone and tells the room. It reports the new
// enabled state, false when no microphone is held.
func (s *Session) ToggleAudio() bool {
	on := s.media.ToggleAudio()
	s.room.SetLocalMuted(!on)
	s.announceMedia()
	return on
}

func (s *Session) ToggleVideo() bool {
	on := s.media.ToggleVideo()
	s.room.SetLocalVideo(on)
	s.announceMedia()
	return on
}

func (s *Session) announceMedia() {
	err := s.gw.Emit(signaling.EvMediaState, signaling.MediaState{
		RoomID:  s.opts.RoomID,
		Muted:   !s.media.AudioEnabled(),
		VideoOn: s.media.VideoEnabled(),
	})
	if err != nil {
		s.log.Debug("media state not delivered", "error", err)
	}
}

// StartScreenShare puts a screen capture in the spotlight. It returns false
// without error when the user cancels the picker.
func (s *Session) StartScreenShare(ctx context.Context) (bool, error) {
	if s.room.State() != room.Joined {
		return false, ErrNotJoined
	}
	return s.share.Start(ctx)
}

func (s *Session) StopScreenShare() error {
	return s.share.Stop()
}

// SendChat posts a message. It shows up in the transcript when the relay
// broadcasts it back.
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.room.State() != room.Joined {
		return ErrNotJoined
	}
	return s.gw.Emit(signaling.EvChatSend, signaling.ChatSend{
		RoomID:     s.opts.RoomID,
		UserID:     s.opts.Self.UserID,
		UserName:   s.opts.Self.Name,
		UserAvatar: s.opts.Self.Avatar,
		Message:    text,
	})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (s *Session) Snapshot() room.Snapshot { return s.room.Snapshot() }

// Subscribe registers fn for every room change. fn must not call back into
// the Session's mutating methods.
func (s *Session) Subscribe(fn func(room.Snapshot)) (cancel func()) {
	return s.room.Subscribe(fn)
}

// RemoteStream returns what is being received from socketID, or nil.
func (s *Session) RemoteStream(socketID string) *peer.RemoteStream {
	return s.peers.RemoteStream(socketID)
}

func (s *Session) Sharing() bool { return s.share.Sharing() }

// Media exposes the local capture controller, mostly for inspection.
func (s *Session) Media() *media.Controller { return s.media }

// Peers exposes the link registry, mostly for inspection.
func (s *Session) Peers() *peer.Registry { return s.peers }
