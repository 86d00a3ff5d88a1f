// Package signalingtest provides an in-process signaling relay speaking the
// huddle event protocol, for tests that need real WebSocket round trips.
package signalingtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	room string
	info signaling.PeerInfo
}

func (c *client) send(env signaling.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(env)
}

type room struct {
	members []string // socket ids in join order
	hostID  string
	chat    []signaling.ChatMessage
	sharer  *signaling.ShareState
}

// Relay is a minimal single-process relay: it assigns socket ids, keeps room
// membership, forwards directed signals and broadcasts room events.
type Relay struct {
	srv *httptest.Server

	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]*room
	refuse  bool

	// shareMu orders screen-share updates: every member, the sender
	// included, sees them in the same sequence.
	shareMu sync.Mutex
}

// NewRelay starts a relay on a loopback port.
func NewRelay() *Relay {
	r := &Relay{
		clients: make(map[string]*client),
		rooms:   make(map[string]*room),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	r.srv = httptest.NewServer(mux)
	return r
}

// URL is the WebSocket endpoint of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

// Close stops the listener and drops every client.
func (r *Relay) Close() {
	r.srv.Close()
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.conn)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Refuse makes the relay reject new connections until called with false.
func (r *Relay) Refuse(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

// Drop closes one client's connection from the relay side, as a network
// failure would.
func (r *Relay) Drop(socketID string) {
	r.mu.Lock()
	c := r.clients[socketID]
	r.mu.Unlock()
	if c != nil {
		c.conn.Close()
	}
}

// Members returns the socket ids in a room, in join order.
func (r *Relay) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]string, len(rm.members))
	copy(out, rm.members)
	return out
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	refuse := r.refuse
	r.mu.Unlock()
	if refuse {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()

	c.send(event(signaling.EvWelcome, signaling.Welcome{SocketID: c.id}))

	defer func() {
		r.leave(c)
		r.mu.Lock()
		delete(r.clients, c.id)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		r.handle(c, env)
	}
}

func event(ev signaling.Event, payload any) signaling.Envelope {
	data, _ := json.Marshal(payload)
	return signaling.Envelope{Event: ev, Data: data}
}

func ack(id string, payload any) signaling.Envelope {
	env := event(signaling.EvAck, payload)
	env.Ack = id
	return env
}

func (r *Relay) handle(c *client, env signaling.Envelope) {
	switch env.Event {
	case signaling.EvJoinRoom:
		var p signaling.JoinRoom
		if json.Unmarshal(env.Data, &p) != nil || p.RoomID == "" {
			c.send(ack(env.ID, signaling.JoinAck{Success: false, Error: "invalid join"}))
			return
		}
		c.send(ack(env.ID, r.join(c, p)))
		r.broadcast(c, signaling.EvUserJoined, c.info)
		return

	case signaling.EvLeaveRoom:
		r.leave(c)

	case signaling.EvSignalOffer, signaling.EvSignalAns, signaling.EvSignalCand:
		r.forward(c, env)

	case signaling.EvShareStart:
		var p signaling.ShareStart
		_ = json.Unmarshal(env.Data, &p)
		r.shareMu.Lock()
		r.mu.Lock()
		if rm := r.rooms[c.room]; rm != nil {
			rm.sharer = &signaling.ShareState{SocketID: c.id, UserID: p.UserID, UserName: p.UserName}
		}
		r.mu.Unlock()
		r.broadcastAll(r.roomOf(c), signaling.EvShareUpdate, signaling.ShareUpdate{
			SocketID: c.id, UserID: p.UserID, UserName: p.UserName, IsSharing: true,
		})
		r.shareMu.Unlock()

	case signaling.EvShareStop:
		var p signaling.ShareStop
		_ = json.Unmarshal(env.Data, &p)
		r.shareMu.Lock()
		r.mu.Lock()
		if rm := r.rooms[c.room]; rm != nil && rm.sharer != nil && rm.sharer.SocketID == c.id {
			rm.sharer = nil
		}
		r.mu.Unlock()
		r.broadcastAll(r.roomOf(c), signaling.EvShareUpdate, signaling.ShareUpdate{
			SocketID: c.id, UserID: p.UserID, IsSharing: false,
		})
		r.shareMu.Unlock()

	case signaling.EvChatSend:
		var p signaling.ChatSend
		if json.Unmarshal(env.Data, &p) != nil {
			break
		}
		msg := signaling.ChatMessage{
			ID:         uuid.NewString(),
			RoomID:     p.RoomID,
			UserID:     p.UserID,
			UserName:   p.UserName,
			UserAvatar: p.UserAvatar,
			Message:    p.Message,
			Timestamp:  time.Now().UnixMilli(),
		}
		r.mu.Lock()
		if rm := r.rooms[c.room]; rm != nil {
			rm.chat = append(rm.chat, msg)
		}
		r.mu.Unlock()
		r.broadcastAll(c.room, signaling.EvChatNew, msg)

	case signaling.EvMediaState:
		var p signaling.MediaState
		if json.Unmarshal(env.Data, &p) != nil {
			break
		}
		r.mu.Lock()
		c.info.Muted, c.info.VideoOn = p.Muted, p.VideoOn
		r.mu.Unlock()
		r.broadcast(c, signaling.EvMediaUpdate, signaling.MediaUpdate{
			SocketID: c.id, Muted: &p.Muted, VideoOn: &p.VideoOn, Speaking: &p.Speaking,
		})
	}

	if env.ID != "" {
		c.send(ack(env.ID, struct{}{}))
	}
}

func (r *Relay) join(c *client, p signaling.JoinRoom) signaling.JoinAck {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[p.RoomID]
	if rm == nil {
		rm = &room{hostID: p.UserID}
		r.rooms[p.RoomID] = rm
	}

	res := signaling.JoinAck{
		Success:  true,
		HostID:   rm.hostID,
		Peers:    []signaling.PeerInfo{},
		Messages: append([]signaling.ChatMessage{}, rm.chat...),
	}
	for _, id := range rm.members {
		if other := r.clients[id]; other != nil {
			res.Peers = append(res.Peers, other.info)
		}
	}
	if rm.sharer != nil {
		s := *rm.sharer
		res.ScreenSharing = &s
	}

	c.room = p.RoomID
	c.info = signaling.PeerInfo{
		SocketID: c.id,
		UserID:   p.UserID,
		UserName: p.UserName,
		Avatar:   p.Avatar,
	}
	rm.members = append(rm.members, c.id)
	return res
}

func (r *Relay) leave(c *client) {
	r.shareMu.Lock()
	defer r.shareMu.Unlock()
	r.mu.Lock()
	roomID := c.room
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return
	}
	for i, id := range rm.members {
		if id == c.id {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	wasSharing := rm.sharer != nil && rm.sharer.SocketID == c.id
	if wasSharing {
		rm.sharer = nil
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if wasSharing {
		r.broadcast(c, signaling.EvShareUpdate, signaling.ShareUpdate{
			SocketID: c.id, UserID: c.info.UserID, IsSharing: false,
		})
	}
	r.broadcast(c, signaling.EvUserLeft, signaling.UserLeft{SocketID: c.id})

	r.mu.Lock()
	c.room = ""
	r.mu.Unlock()
}

func (r *Relay) roomOf(c *client) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.room
}

// forward rewrites "from" to the sender's socket id and delivers the frame to
// its "to" target only.
func (r *Relay) forward(c *client, env signaling.Envelope) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(env.Data, &fields) != nil {
		return
	}
	var to string
	if json.Unmarshal(fields["to"], &to) != nil {
		return
	}
	from, _ := json.Marshal(c.id)
	fields["from"] = from
	data, _ := json.Marshal(fields)

	r.mu.Lock()
	target := r.clients[to]
	r.mu.Unlock()
	if target != nil {
		target.send(signaling.Envelope{Event: env.Event, Data: data})
	}
}

// broadcast delivers to every member of the sender's room except the sender.
func (r *Relay) broadcast(from *client, ev signaling.Event, payload any) {
	for _, c := range r.roomClients(from.room) {
		if c != from {
			c.send(event(ev, payload))
		}
	}
}

func (r *Relay) broadcastAll(roomID string, ev signaling.Event, payload any) {
	for _, c := range r.roomClients(roomID) {
		c.send(event(ev, payload))
	}
}

func (r *Relay) roomClients(roomID string) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil
	}
	out := make([]*client, 0, len(rm.members))
	for _, id := range rm.members {
		if c := r.clients[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}
