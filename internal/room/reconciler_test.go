package room

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/1ureka/huddle/internal/signaling"
)

func peerInfo(socket, user string) signaling.PeerInfo {
	return signaling.PeerInfo{SocketID: socket, UserID: user, UserName: user}
}

func joined(t *testing.T, ack signaling.JoinAck) *Reconciler {
	t.Helper()
	r := New("room-1", Self{UserID: "me", Name: "Me"})
	if err := r.BeginJoin(); err != nil {
		t.Fatal(err)
	}
	r.BindSelfSocket("s-me")
	ack.Success = true
	if err := r.ApplyJoinAck(ack); err != nil {
		t.Fatal(err)
	}
	r.MediaSettled()
	if r.State() != Joined {
		t.Fatalf("state = %s, want joined", r.State())
	}
	return r
}

func TestJoinRequiresAckAndMedia(t *testing.T) {
	r := New("room-1", Self{UserID: "me"})
	if err := r.BeginJoin(); err != nil {
		t.Fatal(err)
	}
	r.BindSelfSocket("s-me")

	r.MediaSettled()
	if r.State() != Joining {
		t.Fatalf("state after media only = %s", r.State())
	}
	if err := r.ApplyJoinAck(signaling.JoinAck{Success: true}); err != nil {
		t.Fatal(err)
	}
	if r.State() != Joined {
		t.Fatalf("state = %s, want joined", r.State())
	}

	if err := r.BeginJoin(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginJoin while joined = %v", err)
	}
}

func TestEmptyRoomMakesSelfHost(t *testing.T) {
	r := joined(t, signaling.JoinAck{})
	snap := r.Snapshot()
	if len(snap.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(snap.Participants))
	}
	local, ok := snap.Local()
	if !ok || !local.IsHost || local.SocketID != "s-me" {
		t.Errorf("local = %+v", local)
	}
}

func TestAckPeersAndBacklog(t *testing.T) {
	r := joined(t, signaling.JoinAck{
		HostID: "alice",
		Peers:  []signaling.PeerInfo{peerInfo("s-a", "alice"), peerInfo("s-self-old", "me")},
		Messages: []signaling.ChatMessage{
			{ID: "m1", Message: "hi"},
			{ID: "m1", Message: "hi"},
		},
		ScreenSharing: &signaling.ShareState{SocketID: "s-a", UserID: "alice"},
	})

	snap := r.Snapshot()
	if len(snap.Participants) != 2 {
		t.Fatalf("participants = %+v", snap.Participants)
	}
	if len(snap.Chat) != 1 {
		t.Errorf("chat = %d, want 1", len(snap.Chat))
	}
	sharer, ok := snap.Sharer()
	if !ok || sharer.UserID != "alice" || !sharer.IsHost {
		t.Errorf("sharer = %+v", sharer)
	}
}

func TestPeerJoinedDeduplicates(t *testing.T) {
	r := joined(t, signaling.JoinAck{})

	if res := r.PeerJoined(peerInfo("s-a", "alice")); !res.Added {
		t.Error("first join should add")
	}
	if res := r.PeerJoined(peerInfo("s-a", "alice")); res.Added || res.StaleSocketID != "" {
		t.Errorf("replayed join = %+v", res)
	}
	if res := r.PeerJoined(peerInfo("s-me-2", "me")); res.Added {
		t.Error("self-referencing broadcast must not add")
	}

	res := r.PeerJoined(peerInfo("s-a2", "alice"))
	if res.Added || res.StaleSocketID != "s-a" {
		t.Errorf("rebind = %+v", res)
	}
	if _, ok := r.Participant("s-a2"); !ok {
		t.Error("participant should be reachable by the new socket")
	}
	if got := len(r.Snapshot().Participants); got != 2 {
		t.Errorf("participants = %d, want 2", got)
	}
}

// The participant count always equals distinct identities joined minus
// those that left, for any interleaving.
func TestJoinLeaveCounting(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		r := joined(t, signaling.JoinAck{})
		present := map[string]string{} // user -> socket

		for step := 0; step < 200; step++ {
			user := fmt.Sprintf("u%d", rng.IntN(6))
			switch rng.IntN(3) {
			case 0, 1:
				socket := present[user]
				if socket == "" || rng.IntN(4) == 0 {
					socket = fmt.Sprintf("s-%s-%d", user, step)
				}
				r.PeerJoined(peerInfo(socket, user))
				present[user] = socket
			case 2:
				if socket, ok := present[user]; ok {
					r.PeerLeft(socket)
					delete(present, user)
				} else {
					r.PeerLeft("s-unknown")
				}
			}
			if got, want := len(r.Snapshot().Participants), len(present)+1; got != want {
				t.Fatalf("seed %d step %d: participants = %d, want %d", seed, step, got, want)
			}
		}
	}
}

func TestSpotlightInvariant(t *testing.T) {
	r := joined(t, signaling.JoinAck{})
	r.PeerJoined(peerInfo("s-a", "alice"))
	r.PeerJoined(peerInfo("s-b", "bob"))

	// Two start broadcasts with no stop in between: last one wins.
	r.SetScreenSharing("s-a", true)
	r.SetScreenSharing("s-b", true)

	snap := r.Snapshot()
	if snap.SharingCount() != 1 {
		t.Fatalf("sharing = %d, want 1", snap.SharingCount())
	}
	if s, _ := snap.Sharer(); s.SocketID != "s-b" {
		t.Errorf("sharer = %s, want s-b", s.SocketID)
	}

	r.SetLocalScreenSharing(true)
	if s, _ := r.Snapshot().Sharer(); !s.IsLocal || r.Snapshot().SharingCount() != 1 {
		t.Error("local share should take the spotlight alone")
	}

	// A stale stop for someone else leaves the local share alone.
	r.SetScreenSharing("s-b", false)
	if !r.LocalSharing() {
		t.Error("local share should survive an unrelated stop")
	}
}

func TestSpotlightRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	r := joined(t, signaling.JoinAck{})
	sockets := []string{"s-me", "s-a", "s-b", "s-c"}
	for _, s := range sockets[1:] {
		r.PeerJoined(peerInfo(s, "user-"+s))
	}
	for i := 0; i < 500; i++ {
		s := sockets[rng.IntN(len(sockets))]
		on := rng.IntN(2) == 0
		if s == "s-me" {
			r.SetLocalScreenSharing(on)
		} else {
			r.SetScreenSharing(s, on)
		}
		if n := r.Snapshot().SharingCount(); n > 1 {
			t.Fatalf("step %d: %d participants sharing", i, n)
		}
	}
}

func TestMediaUpdateAndStreams(t *testing.T) {
	r := joined(t, signaling.JoinAck{})
	r.PeerJoined(peerInfo("s-a", "alice"))

	muted := true
	r.ApplyMediaUpdate(signaling.MediaUpdate{SocketID: "s-a", Muted: &muted})
	r.SetRemoteStream("s-a", "stream-a")

	p, _ := r.Participant("s-a")
	if !p.Muted || p.VideoOn || p.StreamID != "stream-a" {
		t.Errorf("participant = %+v", p)
	}

	r.ClearRemoteStream("s-a")
	if p, _ := r.Participant("s-a"); p.StreamID != "" {
		t.Error("stream should be cleared")
	}

	r.SetLocalMuted(true)
	r.SetLocalVideo(true)
	local, _ := r.Snapshot().Local()
	if !local.Muted || !local.VideoOn {
		t.Errorf("local = %+v", local)
	}
}

func TestChatOrderAndDedup(t *testing.T) {
	r := joined(t, signaling.JoinAck{})
	for _, id := range []string{"3", "1", "2", "1"} {
		r.AppendChat(signaling.ChatMessage{ID: id, Message: "m" + id})
	}
	chat := r.Snapshot().Chat
	if len(chat) != 3 {
		t.Fatalf("chat = %d, want 3", len(chat))
	}
	for i, want := range []string{"3", "1", "2"} {
		if chat[i].ID != want {
			t.Errorf("chat[%d] = %s, want %s", i, chat[i].ID, want)
		}
	}
}

func TestRejoinAndLeave(t *testing.T) {
	r := joined(t, signaling.JoinAck{Messages: []signaling.ChatMessage{{ID: "m1"}}})
	r.PeerJoined(peerInfo("s-a", "alice"))
	r.SetLocalScreenSharing(true)

	if err := r.ResetForRejoin(); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if snap.State != Joining || len(snap.Participants) != 1 || snap.SharingCount() != 0 {
		t.Fatalf("after reset = %+v", snap)
	}

	r.BindSelfSocket("s-me-2")
	if err := r.ApplyJoinAck(signaling.JoinAck{
		Success:  true,
		Peers:    []signaling.PeerInfo{peerInfo("s-a", "alice")},
		Messages: []signaling.ChatMessage{{ID: "m1"}},
	}); err != nil {
		t.Fatal(err)
	}
	snap = r.Snapshot()
	if snap.State != Joined {
		t.Errorf("state = %s, want joined (media already settled)", snap.State)
	}
	if len(snap.Chat) != 1 || len(snap.Participants) != 2 {
		t.Errorf("after rejoin = %+v", snap)
	}
	if r.LocalSocketID() != "s-me-2" {
		t.Errorf("local socket = %s", r.LocalSocketID())
	}

	r.Leave()
	snap = r.Snapshot()
	if snap.State != Left || len(snap.Participants) != 0 || len(snap.Chat) != 0 {
		t.Errorf("after leave = %+v", snap)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	r := New("room-1", Self{UserID: "me"})
	var versions []uint64
	cancel := r.Subscribe(func(s Snapshot) { versions = append(versions, s.Version) })

	_ = r.BeginJoin()
	r.BindSelfSocket("s")
	r.BindSelfSocket("s") // no change, no notification
	cancel()
	r.MediaSettled()

	if len(versions) != 2 || versions[0] >= versions[1] {
		t.Errorf("versions = %v", versions)
	}
}

func TestAbort(t *testing.T) {
	r := New("room-1", Self{UserID: "me"})
	_ = r.BeginJoin()
	r.BindSelfSocket("s")
	r.Abort()
	if r.State() != NotJoined || len(r.Snapshot().Participants) != 0 {
		t.Error("abort should reset")
	}
	if err := r.BeginJoin(); err != nil {
		t.Errorf("join after abort: %v", err)
	}
}
