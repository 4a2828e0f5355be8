package khanasathi

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/nispal155/khanasathi/sdk/golang/internal/metrics"
)

// ============================================================================
// Wire envelope
// ============================================================================

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// command is a client-to-server emission.
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// AuthenticatedPayload is sent by the server once the socket is accepted.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// NoReconnect disables the automatic reconnect loop.
	NoReconnect bool
	// MaxReconnectAttempts bounds consecutive attempts; 0 means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// ConnectionState represents the transport connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ============================================================================
// Transport
// ============================================================================

// EventHandler receives the raw payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// StateHandler is notified on every connection state transition.
type StateHandler func(ConnectionState)

// EventSource delivers inbound events by name.
type EventSource interface {
	On(event string, h EventHandler) (unsubscribe func())
}

// Transport is the process-wide real-time connection shared by every open
// room. It is passed explicitly to the components that need it.
type Transport interface {
	EventSource
	State() ConnectionState
	OnStateChange(h StateHandler) (unsubscribe func())
	Emit(event string, payload any)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventEntry struct {
	id uint64
	fn EventHandler
}

type stateEntry struct {
	id uint64
	fn StateHandler
}

type eventDispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	events map[string][]eventEntry
	states []stateEntry
	log    zerolog.Logger
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		events: make(map[string][]eventEntry),
		log:    log,
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.events[event] = append(d.events[event], eventEntry{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.events[event] = slices.DeleteFunc(d.events[event], func(e eventEntry) bool { return e.id == id })
			if len(d.events[event]) == 0 {
				delete(d.events, event)
			}
		})
	}
}

func (d *eventDispatcher) onState(h StateHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.states = append(d.states, stateEntry{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.states = slices.DeleteFunc(d.states, func(e stateEntry) bool { return e.id == id })
		})
	}
}

// dispatch runs handlers synchronously so live events keep server order.
func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := append([]eventEntry(nil), d.events[event]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.guard(event, func() { h.fn(payload) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]stateEntry(nil), d.states...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.guard("state", func() { h.fn(s) })
	}
}

// guard keeps a panicking user callback from killing the read loop.
func (d *eventDispatcher) guard(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff before the next attempt. A connection that
// stayed up for a minute starts the sequence over.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket transport with auto-reconnect and heartbeat.
type RealtimeClient struct {
	wsURL      string
	config     *RealtimeConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	// stateMu serialises transitions so subscribers observe them in order.
	stateMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnectionState
	token      string
	self       AuthenticatedPayload
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewRealtimeClient creates a transport for the server at baseURL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	wsURL := strings.TrimRight(baseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	log := cfg.Logger.With().Str("component", "realtime").Logger()
	return &RealtimeClient{
		wsURL:      wsURL + "/ws",
		config:     &cfg,
		log:        log,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(&cfg),
	}
}

// On registers a handler for an inbound event, including the lifecycle
// events connect, disconnect and connect_error.
func (ws *RealtimeClient) On(event string, h EventHandler) func() {
	return ws.dispatcher.on(event, h)
}

// OnStateChange registers a handler for connection state transitions.
// Handlers run synchronously and must not call Connect or Disconnect.
func (ws *RealtimeClient) OnStateChange(h StateHandler) func() {
	return ws.dispatcher.onState(h)
}

// State returns the current connection state.
func (ws *RealtimeClient) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Self returns the identity the server authenticated this socket as.
func (ws *RealtimeClient) Self() AuthenticatedPayload {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.self
}

// Connect establishes the WebSocket connection. Repeated calls with the same
// token while connecting or connected are no-ops; a new token replaces the
// current connection.
func (ws *RealtimeClient) Connect(ctx context.Context, authToken string) error {
	ws.mu.Lock()
	if ws.token == authToken && ws.lifeCancel != nil && ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	tokenChanged := ws.token != authToken && ws.lifeCancel != nil
	ws.mu.Unlock()

	if tokenChanged {
		ws.Disconnect()
	}

	ws.mu.Lock()
	if ws.lifeCancel == nil {
		ws.lifeCtx, ws.lifeCancel = context.WithCancel(context.Background())
	}
	ws.token = authToken
	life := ws.lifeCtx
	ws.mu.Unlock()

	return ws.dial(ctx, life)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	cancel := ws.lifeCancel
	ws.lifeCancel = nil
	ws.lifeCtx = nil
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ws.recon.reset()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.log.Debug().Err(err).Msg("close after disconnect")
		}
	}
	if ws.transition(StateDisconnected) {
		ws.dispatcher.dispatch(EventDisconnect, reasonPayload("client disconnect"))
	}
	return nil
}

// Emit sends an event without waiting for acknowledgement. Emissions while
// disconnected are dropped; rooms are re-joined on reconnect.
func (ws *RealtimeClient) Emit(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.WriteTimeout)
	defer cancel()
	if err := ws.Send(ctx, event, payload); err != nil {
		metrics.EventsEmitted.WithLabelValues(event, "dropped").Inc()
		ws.log.Debug().Err(err).Str("event", event).Msg("emit dropped")
		return
	}
	metrics.EventsEmitted.WithLabelValues(event, "sent").Inc()
}

// Send writes one event and reports write failures.
func (ws *RealtimeClient) Send(ctx context.Context, event string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(command{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeClient) transition(to ConnectionState, from ...ConnectionState) bool {
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()

	ws.mu.Lock()
	cur := ws.state
	if cur == to || (len(from) > 0 && !slices.Contains(from, cur)) {
		ws.mu.Unlock()
		return false
	}
	ws.state = to
	ws.mu.Unlock()

	metrics.StateTransitions.WithLabelValues(to.String()).Inc()
	ws.log.Debug().Stringer("from", cur).Stringer("to", to).Msg("state transition")
	ws.dispatcher.emitState(to)
	return true
}

func (ws *RealtimeClient) dial(ctx context.Context, life context.Context) error {
	if !ws.transition(StateConnecting, StateDisconnected) {
		return nil
	}

	ws.mu.Lock()
	token := ws.token
	ws.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	defer cancel()

	u := ws.wsURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return ws.failConnect(life, "dial", err)
	}

	// First message must be "authenticated"
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return ws.failConnect(life, "read auth", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return ws.failConnect(life, "auth", fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type))
	}
	var self AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &self); err != nil || self.UserID == "" {
		conn.Close(websocket.StatusPolicyViolation, "")
		if err == nil {
			err = malformed(EventAuthenticated, "missing userId")
		}
		return ws.failConnect(life, "auth", err)
	}

	ws.mu.Lock()
	if life.Err() != nil {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		ws.transition(StateDisconnected)
		return context.Canceled
	}
	ws.conn = conn
	ws.self = self
	ws.mu.Unlock()
	ws.recon.markConnected()

	// Connected before the read loop starts, so a read failure always finds
	// a state it can move to Disconnected.
	ws.transition(StateConnected, StateConnecting)
	connCtx, cancelConn := context.WithCancel(life)
	go ws.readLoop(connCtx, cancelConn, life, conn)
	go ws.heartbeatLoop(connCtx, conn)

	ws.log.Info().Str("user", self.Username).Msg("connected")
	ws.dispatcher.dispatch(EventAuthenticated, env.Payload)
	ws.dispatcher.dispatch(EventConnect, nil)
	return nil
}

func (ws *RealtimeClient) failConnect(life context.Context, op string, err error) error {
	terr := &TransportError{Op: op, Err: err}
	ws.transition(StateDisconnected)
	if life.Err() != nil {
		return terr
	}
	ws.log.Warn().Err(err).Str("op", op).Msg("connect failed")
	ws.dispatcher.dispatch(EventConnectError, reasonPayload(terr.Error()))
	ws.scheduleReconnect(life)
	return terr
}

func (ws *RealtimeClient) readLoop(ctx context.Context, cancel context.CancelFunc, life context.Context, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")

			if life.Err() != nil {
				return
			}
			ws.log.Warn().Err(err).Msg("connection lost")
			if ws.transition(StateDisconnected, StateConnected) {
				ws.dispatcher.dispatch(EventDisconnect, reasonPayload(err.Error()))
			}
			ws.scheduleReconnect(life)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			metrics.EventsDiscarded.WithLabelValues("unknown", "envelope").Inc()
			ws.log.Debug().Int("bytes", len(data)).Msg("discarding undecodable frame")
			continue
		}
		metrics.EventsReceived.WithLabelValues(env.Type).Inc()
		ws.dispatcher.dispatch(env.Type, env.Payload)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed, the read loop takes the reconnect path
				ws.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(life context.Context) {
	if ws.config.NoReconnect || !ws.recon.shouldReconnect() {
		ws.log.Warn().Msg("giving up reconnecting")
		return
	}
	delay, attempt := ws.recon.nextDelay()
	metrics.ReconnectAttempts.Inc()
	ws.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-life.Done():
			return
		case <-t.C:
		}
		// dial schedules the next attempt itself on failure
		_ = ws.dial(life, life)
	}()
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"reason": reason})
	return b
}
