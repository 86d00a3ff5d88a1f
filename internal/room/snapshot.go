// Package room keeps this client's view of one meeting room: who is in it,
// their media flags, who holds the spotlight and the chat transcript.
package room

import "time"

// Membership is the local participant's progress through the room.
type Membership int

const (
	NotJoined Membership = iota
	Joining
	Joined
	Left
)

func (m Membership) String() string {
	switch m {
	case NotJoined:
		return "not-joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Participant is one human in the room. UserID is stable across reconnects;
// SocketID is the current connection and routes all stream and signaling
// traffic.
type Participant struct {
	SocketID        string
	UserID          string
	Name            string
	Avatar          string
	Muted           bool
	VideoOn         bool
	IsHost          bool
	IsSpeaking      bool
	IsScreenSharing bool
	IsLocal         bool
	StreamID        string // remote bundle currently received, empty if none
}

type ChatMessage struct {
	ID         string
	RoomID     string
	UserID     string
	UserName   string
	UserAvatar string
	Text       string
	SentAt     time.Time
}

// Snapshot is a consistent copy of the room. Version increases with every
// change.
type Snapshot struct {
	Version      uint64
	RoomID       string
	State        Membership
	HostID       string
	Participants []Participant
	Chat         []ChatMessage
}

// Local returns the local participant, if bound.
func (s Snapshot) Local() (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsLocal {
			return p, true
		}
	}
	return Participant{}, false
}

// Sharer returns the participant holding the spotlight, if any.
func (s Snapshot) Sharer() (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsScreenSharing {
			return p, true
		}
	}
	return Participant{}, false
}

func (s Snapshot) BySocket(socketID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.SocketID == socketID {
			return p, true
		}
	}
	return Participant{}, false
}

// SharingCount is the number of participants marked as sharing. It is never
// more than one.
func (s Snapshot) SharingCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.IsScreenSharing {
			n++
		}
	}
	return n
}
