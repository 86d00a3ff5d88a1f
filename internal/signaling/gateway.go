package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/util"
)

var (
	// ErrUnavailable reports that the channel could not be opened, or could
	// not be reopened after a loss.
	ErrUnavailable = errors.New("signaling unavailable")

	// ErrNotConnected is returned by sends while the channel is down and by
	// requests whose connection was lost before the ack arrived.
	ErrNotConnected = errors.New("signaling not connected")
)

const (
	writeWait   = 10 * time.Second
	welcomeWait = 10 * time.Second
)

// Options tunes a Gateway. Zero fields take the defaults of config.Load.
type Options struct {
	AckTimeout        time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	Stats             *util.Stats
}

// OptionsFromConfig maps the signaling section of the configuration.
func OptionsFromConfig(c config.Signaling, stats *util.Stats) Options {
	return Options{
		AckTimeout:        c.AckTimeout,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectMaxDelay: c.ReconnectMaxDelay,
		Stats:             stats,
	}
}

func (o *Options) normalize() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.ReconnectMaxDelay < o.ReconnectDelay {
		o.ReconnectMaxDelay = o.ReconnectDelay
	}
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Subscription is the handle returned by On. Unsubscribe may be called any
// number of times.
type Subscription struct {
	g    *Gateway
	ev   Event
	fn   Handler
	once sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.g.remove(s) })
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type connState int

const (
	stateIdle connState = iota
	stateOpen
	stateReconnecting
)

// Gateway is one signaling connection, owned by one room session.
//
// All inbound events are dispatched on a single goroutine in arrival order,
// so handlers for the same connection never run concurrently. Handlers must
// not block on a Request: the ack is read by the same goroutine.
type Gateway struct {
	url  string
	opts Options
	log  util.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    connState
	conn     *websocket.Conn
	socketID string
	life     context.Context
	stop     context.CancelFunc
	handlers map[Event][]*Subscription
	pending  map[string]chan ackResult
}

func NewGateway(url string, opts Options) *Gateway {
	opts.normalize()
	return &Gateway{
		url:      url,
		opts:     opts,
		log:      util.NewLogger("signaling"),
		handlers: make(map[Event][]*Subscription),
		pending:  make(map[string]chan ackResult),
	}
}

// Connect dials the relay and waits for its welcome. It is a no-op while the
// channel is open.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case stateOpen:
		g.mu.Unlock()
		return nil
	case stateReconnecting:
		g.mu.Unlock()
		return fmt.Errorf("%w: reconnect in progress", ErrNotConnected)
	}
	g.mu.Unlock()

	conn, socketID, err := g.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	g.mu.Lock()
	if g.state != stateIdle {
		g.mu.Unlock()
		conn.Close()
		return nil
	}
	g.life, g.stop = context.WithCancel(context.Background())
	g.state = stateOpen
	g.conn = conn
	g.socketID = socketID
	g.mu.Unlock()

	g.log.Info("signaling connected", "url", g.url, "socket", socketID)
	go g.run(conn)
	return nil
}

// Disconnect closes the channel and stops any reconnect in progress.
// Pending requests fail with ErrNotConnected. Safe to call multiple times.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	if g.state == stateIdle {
		g.mu.Unlock()
		return
	}
	g.state = stateIdle
	conn := g.conn
	g.conn = nil
	g.socketID = ""
	if g.stop != nil {
		g.stop()
	}
	g.failPendingLocked()
	g.mu.Unlock()

	if conn != nil {
		g.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
		g.writeMu.Unlock()
		conn.Close()
	}
	g.log.Debug("signaling disconnected")
}

// SocketID is the relay-assigned connection identifier of the current
// connection. It changes on every reconnect and is empty while down.
func (g *Gateway) SocketID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.socketID
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateOpen
}

// On registers fn for event. Local events (EvReconnect, EvDisconnect) are
// delivered through the same mechanism.
func (g *Gateway) On(event Event, fn Handler) *Subscription {
	s := &Subscription{g: g, ev: event, fn: fn}
	g.mu.Lock()
	g.handlers[event] = append(g.handlers[event], s)
	g.mu.Unlock()
	return s
}

func (g *Gateway) remove(s *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.handlers[s.ev]
	for i, h := range list {
		if h == s {
			g.handlers[s.ev] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(g.handlers[s.ev]) == 0 {
		delete(g.handlers, s.ev)
	}
}

// Handle registers a typed handler. Payloads that fail to decode are logged
// and dropped.
func Handle[T any](g *Gateway, event Event, fn func(T)) *Subscription {
	return g.On(event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				g.log.Warn("dropping malformed payload", "event", event, "error", err)
				return
			}
		}
		fn(v)
	})
}

// Emit sends a fire-and-forget event.
func (g *Gateway) Emit(event Event, payload any) error {
	env, err := envelope(event, payload)
	if err != nil {
		return err
	}
	return g.write(env)
}

// Request sends an event and waits for the relay's acknowledgment, decoding
// it into reply when reply is non-nil.
func (g *Gateway) Request(ctx context.Context, event Event, payload, reply any) error {
	env, err := envelope(event, payload)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()

	ch := make(chan ackResult, 1)
	g.mu.Lock()
	if g.state != stateOpen {
		g.mu.Unlock()
		return ErrNotConnected
	}
	g.pending[env.ID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, env.ID)
		g.mu.Unlock()
	}()

	if err := g.write(env); err != nil {
		return err
	}

	timer := time.NewTimer(g.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if reply != nil && len(res.data) > 0 {
			if err := json.Unmarshal(res.data, reply); err != nil {
				return fmt.Errorf("failed to decode %s ack: %w", event, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: no ack within %s", event, g.opts.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func envelope(event Event, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("failed to encode %s: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

// write serializes outgoing frames; gorilla connections allow one writer.
func (g *Gateway) write(env Envelope) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	g.opts.Stats.AddSent()
	return nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to %s: %w", g.url, err)
	}

	deadline := time.Now().Add(welcomeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to read welcome: %w", err)
	}
	var w Welcome
	if env.Event != EvWelcome || json.Unmarshal(env.Data, &w) != nil || w.SocketID == "" {
		conn.Close()
		return nil, "", fmt.Errorf("expected welcome, got %q", env.Event)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, w.SocketID, nil
}

// run owns inbound traffic for the lifetime of the gateway, across
// reconnects.
func (g *Gateway) run(conn *websocket.Conn) {
	for conn != nil {
		err := g.readFrames(conn)
		conn = g.recoverFrom(conn, err)
	}
}

func (g *Gateway) readFrames(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		g.opts.Stats.AddRecv()

		if env.Event == EvAck {
			g.resolve(env)
			continue
		}
		g.dispatch(env.Event, env.Data)
	}
}

func (g *Gateway) resolve(env Envelope) {
	g.mu.Lock()
	ch, ok := g.pending[env.Ack]
	delete(g.pending, env.Ack)
	g.mu.Unlock()
	if !ok {
		g.log.Debug("ack for unknown request", "id", env.Ack)
		return
	}
	ch <- ackResult{data: env.Data}
}

func (g *Gateway) dispatch(event Event, data json.RawMessage) {
	g.mu.Lock()
	subs := make([]*Subscription, len(g.handlers[event]))
	copy(subs, g.handlers[event])
	g.mu.Unlock()

	for _, s := range subs {
		s.fn(data)
	}
}

func (g *Gateway) dispatchLocal(event Event, payload any) {
	data, _ := json.Marshal(payload)
	g.dispatch(event, data)
}

func (g *Gateway) failPendingLocked() {
	for id, ch := range g.pending {
		ch <- ackResult{err: ErrNotConnected}
		delete(g.pending, id)
	}
}

// reconnectPolicy spaces redial attempts exponentially from ReconnectDelay up
// to ReconnectMaxDelay, stops after ReconnectAttempts and as soon as life
// ends.
func (g *Gateway) reconnectPolicy(life context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.ReconnectDelay
	b.MaxInterval = g.opts.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(g.opts.ReconnectAttempts, 0))), life)
}

// recoverFrom handles the loss of conn. It returns the replacement
// connection, or nil when the gateway was closed or reconnect gave up.
func (g *Gateway) recoverFrom(conn *websocket.Conn, cause error) *websocket.Conn {
	g.mu.Lock()
	if g.conn != conn || g.state != stateOpen {
		// Disconnect closed it.
		g.mu.Unlock()
		return nil
	}
	g.state = stateReconnecting
	g.conn = nil
	g.socketID = ""
	g.failPendingLocked()
	life := g.life
	g.mu.Unlock()
	conn.Close()

	g.log.Warn("signaling connection lost", "error", cause)

	policy := g.reconnectPolicy(life)
	var lastErr error = cause
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-life.Done():
			timer.Stop()
			return nil
		}

		dialCtx, cancel := context.WithTimeout(life, welcomeWait)
		next, socketID, err := g.dial(dialCtx)
		cancel()
		if err != nil {
			lastErr = err
			g.log.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		g.mu.Lock()
		if g.state != stateReconnecting {
			g.mu.Unlock()
			next.Close()
			return nil
		}
		g.state = stateOpen
		g.conn = next
		g.socketID = socketID
		g.mu.Unlock()

		g.log.Info("signaling reconnected", "socket", socketID, "attempt", attempt)
		g.dispatchLocal(EvReconnect, Reconnected{SocketID: socketID})
		return next
	}

	g.mu.Lock()
	if g.state != stateReconnecting {
		g.mu.Unlock()
		return nil
	}
	g.state = stateIdle
	g.stop()
	g.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
	g.log.Error("signaling reconnect exhausted", "attempts", g.opts.ReconnectAttempts, "error", err)
	g.dispatchLocal(EvDisconnect, Disconnected{Error: err.Error()})
	return nil
}
