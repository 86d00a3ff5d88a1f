package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

// ErrInvalidTransition reports a membership change the current state does
// not allow.
var ErrInvalidTransition = errors.New("invalid membership transition")

// Self is the local participant's identity.
type Self struct {
	UserID string
	Name   string
	Avatar string
}

// JoinResult describes how a peer-joined event was merged.
type JoinResult struct {
	Added bool
	// StaleSocketID is set when a known identity showed up on a new
	// connection; links keyed by the old id should be dropped.
	StaleSocketID string
}

// Reconciler merges the join acknowledgment, live room events and local flag
// changes into one Snapshot.
//
// Participants live in a single ordered slice. Lookups by connection id or
// by user id scan it; there is no second index to drift.
type Reconciler struct {
	roomID string
	self   Self
	log    util.Logger

	mu           sync.Mutex
	version      uint64
	state        Membership
	ackApplied   bool
	mediaSettled bool
	hostID       string
	parts        []Participant
	chat         []ChatMessage
	seenChat     map[string]struct{}
	localMuted   bool
	localVideo   bool
	localSharing bool

	notifyMu  sync.Mutex
	delivered uint64
	subs      map[int]func(Snapshot)
	nextSub   int
}

func New(roomID string, self Self) *Reconciler {
	return &Reconciler{
		roomID:   roomID,
		self:     self,
		log:      util.NewLogger("room"),
		seenChat: make(map[string]struct{}),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn to receive a snapshot after every change. Stale
// snapshots are never delivered after newer ones. fn must not modify the
// Reconciler. The returned func removes the subscription.
func (r *Reconciler) Subscribe(fn func(Snapshot)) (cancel func()) {
	r.notifyMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.notifyMu.Lock()
			delete(r.subs, id)
			r.notifyMu.Unlock()
		})
	}
}

// update runs fn under the lock and, if it reports a change, publishes the
// resulting snapshot.
func (r *Reconciler) update(fn func() bool) {
	r.mu.Lock()
	changed := fn()
	if !changed {
		r.mu.Unlock()
		return
	}
	r.version++
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if snap.Version <= r.delivered {
		return
	}
	r.delivered = snap.Version
	for _, fn := range r.subs {
		fn(snap)
	}
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	parts := make([]Participant, len(r.parts))
	copy(parts, r.parts)
	for i := range parts {
		parts[i].IsHost = r.hostID != "" && parts[i].UserID == r.hostID
	}
	chat := make([]ChatMessage, len(r.chat))
	copy(chat, r.chat)
	return Snapshot{
		Version:      r.version,
		RoomID:       r.roomID,
		State:        r.state,
		HostID:       r.hostID,
		Participants: parts,
		Chat:         chat,
	}
}

func (r *Reconciler) State() Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func (r *Reconciler) indexBySocketLocked(socketID string) int {
	for i := range r.parts {
		if r.parts[i].SocketID == socketID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) indexByUserLocked(userID string) int {
	for i := range r.parts {
		if r.parts[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) localIndexLocked() int {
	for i := range r.parts {
		if r.parts[i].IsLocal {
			return i
		}
	}
	return -1
}

// LocalSocketID is the connection id the local participant is bound to.
func (r *Reconciler) LocalSocketID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.localIndexLocked(); i >= 0 {
		return r.parts[i].SocketID
	}
	return ""
}

// Participant returns a copy of the participant on socketID.
func (r *Reconciler) Participant(socketID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexBySocketLocked(socketID); i >= 0 {
		return r.parts[i], true
	}
	return Participant{}, false
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// BeginJoin moves NotJoined or Left to Joining.
func (r *Reconciler) BeginJoin() error {
	var err error
	r.update(func() bool {
		if r.state != NotJoined && r.state != Left {
			err = fmt.Errorf("%w: join from %s", ErrInvalidTransition, r.state)
			return false
		}
		r.state = Joining
		r.ackApplied, r.mediaSettled = false, false
		return true
	})
	return err
}

// BindSelfSocket records the local participant's connection id, adding the
// local entry at the head of the list if it is not there yet.
func (r *Reconciler) BindSelfSocket(socketID string) {
	r.update(func() bool {
		if i := r.localIndexLocked(); i >= 0 {
			if r.parts[i].SocketID == socketID {
				return false
			}
			r.parts[i].SocketID = socketID
			return true
		}
		local := Participant{
			SocketID:        socketID,
			UserID:          r.self.UserID,
			Name:            r.self.Name,
			Avatar:          r.self.Avatar,
			Muted:           r.localMuted,
			VideoOn:         r.localVideo,
			IsScreenSharing: r.localSharing,
			IsLocal:         true,
		}
		r.parts = append([]Participant{local}, r.parts...)
		return true
	})
}

// ApplyJoinAck merges the relay's join answer: the peers already present,
// the chat backlog, the current sharer and the host.
func (r *Reconciler) ApplyJoinAck(ack signaling.JoinAck) error {
	var err error
	r.update(func() bool {
		if r.state != Joining {
			err = fmt.Errorf("%w: join ack in %s", ErrInvalidTransition, r.state)
			return false
		}

		r.hostID = ack.HostID
		if r.hostID == "" && len(ack.Peers) == 0 {
			r.hostID = r.self.UserID
		}
		for _, p := range ack.Peers {
			r.mergePeerLocked(p)
		}
		for _, m := range ack.Messages {
			r.appendChatLocked(chatFromWire(m))
		}
		if s := ack.ScreenSharing; s != nil {
			r.spotlightLocked(s.SocketID, true)
		}
		r.ackApplied = true
		r.promoteLocked()
		return true
	})
	return err
}

// MediaSettled records that local media was attempted, whatever the outcome.
func (r *Reconciler) MediaSettled() {
	r.update(func() bool {
		if r.mediaSettled {
			return false
		}
		r.mediaSettled = true
		r.promoteLocked()
		return true
	})
}

func (r *Reconciler) promoteLocked() {
	if r.state == Joining && r.ackApplied && r.mediaSettled {
		r.state = Joined
		r.log.Info("joined room", "room", r.roomID, "participants", len(r.parts))
	}
}

// Abort returns a failed join to NotJoined and forgets everything learned.
func (r *Reconciler) Abort() {
	r.update(func() bool {
		if r.state != Joining {
			return false
		}
		r.state = NotJoined
		r.resetLocked()
		return true
	})
}

// ResetForRejoin drops every remote participant and the spotlight so a
// rejoin on a new connection starts from the ack again. The chat transcript
// is kept; the rejoin backlog is de-duplicated against it.
func (r *Reconciler) ResetForRejoin() error {
	var err error
	r.update(func() bool {
		if r.state != Joined && r.state != Joining {
			err = fmt.Errorf("%w: rejoin from %s", ErrInvalidTransition, r.state)
			return false
		}
		r.state = Joining
		r.ackApplied = false
		kept := r.parts[:0]
		for _, p := range r.parts {
			if p.IsLocal {
				p.IsScreenSharing = false
				kept = append(kept, p)
			}
		}
		r.parts = kept
		r.localSharing = false
		return true
	})
	return err
}

// Leave moves to Left and clears participants and chat.
func (r *Reconciler) Leave() {
	r.update(func() bool {
		if r.state == Left {
			return false
		}
		r.state = Left
		r.resetLocked()
		return true
	})
}

func (r *Reconciler) resetLocked() {
	r.parts = nil
	r.chat = nil
	r.seenChat = make(map[string]struct{})
	r.hostID = ""
	r.ackApplied, r.mediaSettled = false, false
	r.localSharing = false
}

// ---------------------------------------------------------------------------
// Peer events
// ---------------------------------------------------------------------------

// PeerJoined merges a user-joined broadcast. The local identity and repeated
// joins are ignored; a known identity on a new connection is rebound.
func (r *Reconciler) PeerJoined(p signaling.PeerInfo) JoinResult {
	var res JoinResult
	r.update(func() bool {
		res = r.mergePeerLocked(p)
		return res.Added || res.StaleSocketID != ""
	})
	return res
}

func (r *Reconciler) mergePeerLocked(p signaling.PeerInfo) JoinResult {
	if p.SocketID == "" {
		return JoinResult{}
	}
	if p.UserID == r.self.UserID {
		return JoinResult{}
	}
	if i := r.indexByUserLocked(p.UserID); i >= 0 {
		old := r.parts[i].SocketID
		if old == p.SocketID {
			return JoinResult{}
		}
		r.parts[i].SocketID = p.SocketID
		r.parts[i].StreamID = ""
		r.parts[i].IsScreenSharing = false
		r.log.Debug("participant rebound", "user", p.UserID, "from", old, "to", p.SocketID)
		return JoinResult{StaleSocketID: old}
	}
	if r.indexBySocketLocked(p.SocketID) >= 0 {
		return JoinResult{}
	}
	r.parts = append(r.parts, Participant{
		SocketID: p.SocketID,
		UserID:   p.UserID,
		Name:     p.UserName,
		Avatar:   p.Avatar,
		Muted:    p.Muted,
		VideoOn:  p.VideoOn,
	})
	return JoinResult{Added: true}
}

// PeerLeft removes the participant on socketID and reports whether one was
// removed. The local participant is never removed this way.
func (r *Reconciler) PeerLeft(socketID string) bool {
	removed := false
	r.update(func() bool {
		i := r.indexBySocketLocked(socketID)
		if i < 0 || r.parts[i].IsLocal {
			return false
		}
		r.parts = append(r.parts[:i], r.parts[i+1:]...)
		removed = true
		return true
	})
	return removed
}

// SetScreenSharing applies a share flag for socketID. Marking someone as
// sharing clears the flag on everyone else in the same update.
func (r *Reconciler) SetScreenSharing(socketID string, sharing bool) {
	r.update(func() bool {
		return r.spotlightLocked(socketID, sharing)
	})
}

func (r *Reconciler) spotlightLocked(socketID string, sharing bool) bool {
	changed := false
	for i := range r.parts {
		p := &r.parts[i]
		want := p.IsScreenSharing
		if p.SocketID == socketID {
			want = sharing
		} else if sharing {
			want = false
		}
		if p.IsScreenSharing != want {
			p.IsScreenSharing = want
			changed = true
		}
		if p.IsLocal {
			r.localSharing = p.IsScreenSharing
		}
	}
	return changed
}

// ApplyMediaUpdate merges a remote participant's flag change. Absent fields
// stay as they are.
func (r *Reconciler) ApplyMediaUpdate(u signaling.MediaUpdate) {
	r.update(func() bool {
		i := r.indexBySocketLocked(u.SocketID)
		if i < 0 || r.parts[i].IsLocal {
			return false
		}
		p := &r.parts[i]
		before := *p
		if u.Muted != nil {
			p.Muted = *u.Muted
		}
		if u.VideoOn != nil {
			p.VideoOn = *u.VideoOn
		}
		if u.Speaking != nil {
			p.IsSpeaking = *u.Speaking
		}
		return before != *p
	})
}

// ---------------------------------------------------------------------------
// Local flags
// ---------------------------------------------------------------------------

// SetLocalMuted records the local mute flag. It is kept across Reset so a
// rejoin announces the same state.
func (r *Reconciler) SetLocalMuted(muted bool) {
	r.update(func() bool {
		r.localMuted = muted
		return r.setLocalLocked(func(p *Participant) { p.Muted = muted })
	})
}

// SetLocalVideo records whether the local camera is sending video.
func (r *Reconciler) SetLocalVideo(on bool) {
	r.update(func() bool {
		r.localVideo = on
		return r.setLocalLocked(func(p *Participant) { p.VideoOn = on })
	})
}

// SetLocalScreenSharing marks the local participant, enforcing the spotlight
// on everyone else when sharing starts.
func (r *Reconciler) SetLocalScreenSharing(sharing bool) {
	r.update(func() bool {
		r.localSharing = sharing
		i := r.localIndexLocked()
		if i < 0 {
			return false
		}
		return r.spotlightLocked(r.parts[i].SocketID, sharing)
	})
}

func (r *Reconciler) setLocalLocked(fn func(*Participant)) bool {
	i := r.localIndexLocked()
	if i < 0 {
		return false
	}
	before := r.parts[i]
	fn(&r.parts[i])
	return before != r.parts[i]
}

// LocalSharing reports whether the local participant holds the spotlight.
func (r *Reconciler) LocalSharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localSharing
}

// ---------------------------------------------------------------------------
// Streams and chat
// ---------------------------------------------------------------------------

// SetRemoteStream binds streamID to the participant on socketID. Unknown
// sockets are ignored.
func (r *Reconciler) SetRemoteStream(socketID, streamID string) {
	r.update(func() bool {
		i := r.indexBySocketLocked(socketID)
		if i < 0 || r.parts[i].StreamID == streamID {
			return false
		}
		r.parts[i].StreamID = streamID
		return true
	})
}

// ClearRemoteStream drops the stream binding of socketID.
func (r *Reconciler) ClearRemoteStream(socketID string) {
	r.SetRemoteStream(socketID, "")
}

// AppendChat appends m in arrival order. A message whose id was already seen
// is dropped.
func (r *Reconciler) AppendChat(m signaling.ChatMessage) bool {
	added := false
	r.update(func() bool {
		added = r.appendChatLocked(chatFromWire(m))
		return added
	})
	return added
}

func (r *Reconciler) appendChatLocked(m ChatMessage) bool {
	if m.ID != "" {
		if _, dup := r.seenChat[m.ID]; dup {
			return false
		}
		r.seenChat[m.ID] = struct{}{}
	}
	r.chat = append(r.chat, m)
	return true
}

func chatFromWire(m signaling.ChatMessage) ChatMessage {
	return ChatMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		UserID:     m.UserID,
		UserName:   m.UserName,
		UserAvatar: m.UserAvatar,
		Text:       m.Message,
		SentAt:     time.UnixMilli(m.Timestamp),
	}
}
