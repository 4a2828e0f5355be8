package khanasathi

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTypingDebounce is the outbound emission window and idle stop delay.
	DefaultTypingDebounce = 2 * time.Second
	// DefaultTypingTimeout clears a remote typist who went silent.
	DefaultTypingTimeout = 3 * time.Second
)

// TypingConfig configures a TypingRelay.
type TypingConfig struct {
	// Debounce bounds outbound typing emissions to one per window and is
	// the idle time after which stopTyping is sent automatically.
	Debounce time.Duration
	// RemoteTimeout clears a remote typist who never sent stopTyping.
	RemoteTimeout time.Duration
	Logger        *zerolog.Logger
}

func (c *TypingConfig) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultTypingDebounce
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultTypingTimeout
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// TypingChange is an Idle/Typing edge for one remote user in one room.
type TypingChange struct {
	Room     RoomKey
	Username string
	Typing   bool
}

type outboundTyping struct {
	lastEmit time.Time
	gen      uint64
	stop     *time.Timer
}

type remoteTypist struct {
	gen   uint64
	timer *time.Timer
}

type typingHandler struct {
	id uint64
	fn func(TypingChange)
}

// TypingRelay debounces local typing signals and tracks remote typists with
// automatic expiry.
type TypingRelay struct {
	transport Transport
	cfg       TypingConfig
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	gen      uint64
	outbound map[RoomKey]*outboundTyping
	remote   map[RoomKey]map[string]*remoteTypist
	handlers map[RoomKey][]typingHandler
}

// NewTypingRelay creates a relay emitting through t.
func NewTypingRelay(t Transport, config *TypingConfig) *TypingRelay {
	var cfg TypingConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &TypingRelay{
		transport: t,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "typing").Logger(),
		now:       time.Now,
		outbound:  make(map[RoomKey]*outboundTyping),
		remote:    make(map[RoomKey]map[string]*remoteTypist),
		handlers:  make(map[RoomKey][]typingHandler),
	}
}

// ============================================================================
// Outbound
// ============================================================================

// NotifyTyping records local keystrokes. typing is emitted at most once per
// debounce window, and stopTyping follows once the window passes without
// another call.
func (r *TypingRelay) NotifyTyping(room RoomKey) {
	now := r.now()

	r.mu.Lock()
	o, active := r.outbound[room]
	if !active {
		o = &outboundTyping{}
		r.outbound[room] = o
	}
	emit := !active || now.Sub(o.lastEmit) >= r.cfg.Debounce
	if emit {
		o.lastEmit = now
	}
	r.gen++
	o.gen = r.gen
	gen := o.gen
	if o.stop != nil {
		o.stop.Stop()
	}
	o.stop = time.AfterFunc(r.cfg.Debounce, func() { r.expireOutbound(room, gen) })
	r.mu.Unlock()

	if emit {
		r.transport.Emit(EventTyping, RoomPayload{Room: room.String()})
	}
}

// StopTyping sends stopTyping right away if a typing signal is active,
// as on message send.
func (r *TypingRelay) StopTyping(room RoomKey) {
	r.mu.Lock()
	o, ok := r.outbound[room]
	if ok {
		if o.stop != nil {
			o.stop.Stop()
		}
		delete(r.outbound, room)
	}
	r.mu.Unlock()

	if ok {
		r.transport.Emit(EventStopTyping, RoomPayload{Room: room.String()})
	}
}

func (r *TypingRelay) expireOutbound(room RoomKey, gen uint64) {
	r.mu.Lock()
	o, ok := r.outbound[room]
	if !ok || o.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.outbound, room)
	r.mu.Unlock()

	r.transport.Emit(EventStopTyping, RoomPayload{Room: room.String()})
}

// ============================================================================
// Inbound
// ============================================================================

// OnTypingReceived registers a handler for remote typing edges in room.
func (r *TypingRelay) OnTypingReceived(room RoomKey, h func(TypingChange)) func() {
	r.mu.Lock()
	r.gen++
	id := r.gen
	r.handlers[room] = append(r.handlers[room], typingHandler{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			hs := r.handlers[room]
			for i, e := range hs {
				if e.id == id {
					r.handlers[room] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			if len(r.handlers[room]) == 0 {
				delete(r.handlers, room)
			}
		})
	}
}

// HandleRemoteTyping moves username to Typing and (re)starts its expiry.
func (r *TypingRelay) HandleRemoteTyping(room RoomKey, username string) {
	if username == "" {
		return
	}
	r.mu.Lock()
	users, ok := r.remote[room]
	if !ok {
		users = make(map[string]*remoteTypist)
		r.remote[room] = users
	}
	t, was := users[username]
	if was {
		t.timer.Stop()
	} else {
		t = &remoteTypist{}
		users[username] = t
	}
	r.gen++
	t.gen = r.gen
	gen := t.gen
	t.timer = time.AfterFunc(r.cfg.RemoteTimeout, func() { r.expireRemote(room, username, gen) })
	r.mu.Unlock()

	if !was {
		r.notify(TypingChange{Room: room, Username: username, Typing: true})
	}
}

// HandleRemoteStop moves username back to Idle.
func (r *TypingRelay) HandleRemoteStop(room RoomKey, username string) {
	if r.clearRemote(room, username, 0) {
		r.notify(TypingChange{Room: room, Username: username, Typing: false})
	}
}

// HandleMessage clears the sender's typing state; a delivered message means
// they finished typing.
func (r *TypingRelay) HandleMessage(room RoomKey, m Message) {
	for _, name := range []string{m.SenderName, m.SenderID} {
		if name != "" {
			r.HandleRemoteStop(room, name)
		}
	}
}

func (r *TypingRelay) expireRemote(room RoomKey, username string, gen uint64) {
	if r.clearRemote(room, username, gen) {
		r.log.Debug().Stringer("room", room).Str("user", username).Msg("typing expired")
		r.notify(TypingChange{Room: room, Username: username, Typing: false})
	}
}

// clearRemote removes a typist; a non-zero gen only matches that timer.
func (r *TypingRelay) clearRemote(room RoomKey, username string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.remote[room]
	t, ok := users[username]
	if !ok || (gen != 0 && t.gen != gen) {
		return false
	}
	t.timer.Stop()
	delete(users, username)
	if len(users) == 0 {
		delete(r.remote, room)
	}
	return true
}

func (r *TypingRelay) notify(c TypingChange) {
	r.mu.Lock()
	hs := append([]typingHandler(nil), r.handlers[c.Room]...)
	r.mu.Unlock()
	for _, h := range hs {
		h.fn(c)
	}
}

// Typing returns the users currently typing in room, sorted.
func (r *TypingRelay) Typing(room RoomKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.remote[room]))
	for name := range r.remote[room] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear cancels every timer for room. An active local typing signal is
// closed with stopTyping first.
func (r *TypingRelay) Clear(room RoomKey) {
	r.StopTyping(room)

	r.mu.Lock()
	for _, t := range r.remote[room] {
		t.timer.Stop()
	}
	delete(r.remote, room)
	r.mu.Unlock()
}
