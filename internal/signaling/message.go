// Package signaling is the client side of the room signaling channel: a
// reconnectable WebSocket carrying JSON events for room membership, chat,
// screen-share announcements and SDP/ICE exchange.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names a message on the signaling channel.
type Event string

const (
	// Emitted by the client.
	EvJoinRoom    Event = "join-room"
	EvLeaveRoom   Event = "leave-room"
	EvShareStart  Event = "screen-share:start"
	EvShareStop   Event = "screen-share:stop"
	EvChatSend    Event = "chat:send"
	EvMediaState  Event = "media:state"
	EvSignalOffer Event = "signal-offer"
	EvSignalAns   Event = "signal-answer"
	EvSignalCand  Event = "signal-candidate"

	// Pushed by the relay.
	EvWelcome     Event = "welcome"
	EvUserJoined  Event = "user-joined"
	EvUserLeft    Event = "user-left"
	EvShareUpdate Event = "screen-share:update"
	EvChatNew     Event = "chat:new"
	EvMediaUpdate Event = "media:update"
	EvAck         Event = "ack"

	// Raised locally by the Gateway, never sent on the wire.
	EvReconnect  Event = "reconnect"
	EvDisconnect Event = "disconnect"
)

// Envelope is the JSON frame exchanged over the WebSocket. Requests carry an
// ID; the relay answers them with an EvAck frame whose Ack field repeats it.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Welcome is the relay's first frame on a new connection.
type Welcome struct {
	SocketID string `json:"socketId"`
}

// JoinRoom asks the relay to add this connection to a room.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Avatar   string `json:"avatar,omitempty"`
}

// LeaveRoom removes this connection from its room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// PeerInfo describes one participant already in the room, or one joining it.
type PeerInfo struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Avatar   string `json:"avatar,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
	VideoOn  bool   `json:"videoOn,omitempty"`
}

// ShareState names the participant holding the spotlight.
type ShareState struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// JoinAck is the relay's answer to EvJoinRoom.
type JoinAck struct {
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	HostID        string        `json:"hostId,omitempty"`
	Peers         []PeerInfo    `json:"peers"`
	Messages      []ChatMessage `json:"messages"`
	ScreenSharing *ShareState   `json:"screenSharing,omitempty"`
}

// UserLeft names a connection that left the room or dropped.
type UserLeft struct {
	SocketID string `json:"socketId"`
}

// Signal carries an offer or an answer between two connections.
type Signal struct {
	To   string                    `json:"to"`
	From string                    `json:"from,omitempty"`
	SDP  webrtc.SessionDescription `json:"sdp"`
}

// CandidateSignal carries one ICE candidate between two connections.
type CandidateSignal struct {
	To        string                  `json:"to"`
	From      string                  `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ShareStart announces that the sender started presenting.
type ShareStart struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	SocketID string `json:"socketId"`
}

// ShareStop announces that the sender stopped presenting.
type ShareStop struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

// ShareUpdate is the relay's broadcast of a start or stop, the sender
// included. Members see updates in the same order.
type ShareUpdate struct {
	SocketID  string `json:"socketId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	IsSharing bool   `json:"isSharing"`
}

// ChatSend posts a chat message to the room.
type ChatSend struct {
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	UserAvatar string `json:"userAvatar,omitempty"`
	Message    string `json:"message"`
}

// ChatMessage is a stored chat message as the relay broadcasts it.
type ChatMessage struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	UserAvatar string `json:"userAvatar,omitempty"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// MediaState announces the local participant's flags to the room.
type MediaState struct {
	RoomID   string `json:"roomId"`
	Muted    bool   `json:"muted"`
	VideoOn  bool   `json:"videoOn"`
	Speaking bool   `json:"speaking,omitempty"`
}

// MediaUpdate is a remote participant's flag change. Absent fields are
// unchanged.
type MediaUpdate struct {
	SocketID string `json:"socketId"`
	Muted    *bool  `json:"muted,omitempty"`
	VideoOn  *bool  `json:"videoOn,omitempty"`
	Speaking *bool  `json:"speaking,omitempty"`
}

// Reconnected is the payload of the local EvReconnect event.
type Reconnected struct {
	SocketID string `json:"socketId"`
}

// Disconnected is the payload of the local EvDisconnect event.
type Disconnected struct {
	Error string `json:"error"`
}
