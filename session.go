package khanasathi

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// cleanupList is the single release list of a view. Functions run in
// reverse registration order, once.
type cleanupList struct {
	mu   sync.Mutex
	fns  []func()
	done bool
}

func (c *cleanupList) add(fn func()) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		fn()
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *cleanupList) run() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.done = true
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ChatAPI is the REST surface a chat session needs.
type ChatAPI interface {
	History(ctx context.Context, room RoomKey) ([]Message, error)
	Send(ctx context.Context, room RoomKey, content, clientID string) (Message, error)
	MarkRead(ctx context.Context, room RoomKey) error
}

// ChatSessionConfig configures a ChatSession.
type ChatSessionConfig struct {
	Room      RoomKey
	API       ChatAPI
	Transport Transport
	Registry  *Registry

	// Sender identity stamped on optimistic entries.
	SenderID   string
	SenderName string
	SenderRole string

	Typing        *TypingConfig
	PollConnected time.Duration
	PollDegraded  time.Duration
	FetchTimeout  time.Duration

	// OnMessages receives the room sequence after every change.
	OnMessages func([]Message)
	// OnTyping receives remote typing edges.
	OnTyping func(TypingChange)
	Logger   *zerolog.Logger
}

// ChatSession is one mounted chat widget. It owns the room's buffer and
// typing state and releases everything it acquired on Close.
type ChatSession struct {
	cfg     ChatSessionConfig
	room    RoomKey
	log     zerolog.Logger
	buffer  *Buffer
	typing  *TypingRelay
	poller  *Poller
	cleanup cleanupList
	closed  atomic.Bool

	mu      sync.Mutex
	opened  bool
	histErr error
}

// NewChatSession creates an unopened session; call Open on mount. A session
// is single-use: once closed it cannot be opened again.
func NewChatSession(cfg ChatSessionConfig) *ChatSession {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Stringer("room", cfg.Room).Logger()

	s := &ChatSession{
		cfg:    cfg,
		room:   cfg.Room,
		log:    log,
		poller: NewPoller(log, cfg.FetchTimeout),
	}
	s.buffer = NewBuffer(WithBufferLogger(log), WithChangeHandler(func(RoomKey) {
		if s.cfg.OnMessages != nil && !s.closed.Load() {
			s.cfg.OnMessages(s.buffer.Messages(s.room))
		}
	}))

	var tc TypingConfig
	if cfg.Typing != nil {
		tc = *cfg.Typing
	}
	if tc.Logger == nil {
		tc.Logger = &log
	}
	s.typing = NewTypingRelay(cfg.Transport, &tc)
	return s
}

// Room returns the session's room key.
func (s *ChatSession) Room() RoomKey { return s.room }

// Open joins the room, subscribes to live events, then loads history and
// marks the room read concurrently. A history failure is returned as a
// *HistoryFetchError; the session stays open and live events keep flowing,
// so Close must still be called.
func (s *ChatSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	t := s.cfg.Transport
	s.cleanup.add(s.cfg.Registry.Join(s.room))
	s.cleanup.add(func() { s.buffer.Discard(s.room) })
	s.cleanup.add(OnNewMessage(t, s.log, s.handleMessage))
	s.cleanup.add(OnTyping(t, s.log, func(ev TypingEvent) {
		if s.ours(ev.Room) {
			s.typing.HandleRemoteTyping(s.room, ev.Username)
		}
	}))
	s.cleanup.add(OnStopTyping(t, s.log, func(ev StopTypingEvent) {
		if s.ours(ev.Room) {
			s.typing.HandleRemoteStop(s.room, ev.Username)
		}
	}))
	if s.cfg.OnTyping != nil {
		s.cleanup.add(s.typing.OnTypingReceived(s.room, s.cfg.OnTyping))
	}
	s.cleanup.add(func() { s.typing.Clear(s.room) })

	s.poller.Start(s.pollHistory, AdaptiveInterval(t, s.cfg.PollConnected, s.cfg.PollDegraded))
	s.cleanup.add(s.poller.Stop)
	s.cleanup.add(t.OnStateChange(func(ConnectionState) { s.poller.Reevaluate() }))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ReloadHistory(gctx)
	})
	g.Go(func() error {
		if err := s.cfg.API.MarkRead(gctx, s.room); err != nil {
			s.log.Warn().Err(err).Msg("mark read failed")
		}
		return nil
	})
	return g.Wait()
}

// ours reports whether a room-tagged event targets this session. Untagged
// events are accepted.
func (s *ChatSession) ours(room string) bool {
	return room == "" || ParseRoomKey(room) == s.room
}

func (s *ChatSession) handleMessage(m Message) {
	if s.closed.Load() {
		return
	}
	s.buffer.ReconcileIncoming(s.room, m)
	if foreign(s.room, m) == "" {
		s.typing.HandleMessage(s.room, m)
	}
}

// ReloadHistory fetches and merges the room history. It is the retry path
// after a *HistoryFetchError.
func (s *ChatSession) ReloadHistory(ctx context.Context) error {
	items, err := s.cfg.API.History(ctx, s.room)
	if err != nil {
		herr := &HistoryFetchError{Room: s.room, Err: err}
		s.setHistErr(herr)
		s.log.Warn().Err(err).Msg("history fetch failed")
		return herr
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.setHistErr(nil)
	n := s.buffer.LoadHistory(s.room, items)
	s.settle()
	s.log.Debug().Int("fetched", len(items)).Int("added", n).Msg("history merged")
	return nil
}

func (s *ChatSession) pollHistory(ctx context.Context) error {
	items, err := s.cfg.API.History(ctx, s.room)
	if err != nil || s.closed.Load() {
		return err
	}
	s.setHistErr(nil)
	s.buffer.LoadHistory(s.room, items)
	s.settle()
	return nil
}

// settle drops whatever a late network result merged into the buffer after
// Close discarded the room.
func (s *ChatSession) settle() {
	if s.closed.Load() {
		s.buffer.Discard(s.room)
	}
}

func (s *ChatSession) setHistErr(err error) {
	s.mu.Lock()
	s.histErr = err
	s.mu.Unlock()
}

// Err returns the current history error, cleared by the next successful load.
func (s *ChatSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.histErr
}

// Send shows content immediately as an optimistic entry, persists it and
// confirms it. On failure the entry is dropped and a *SendError carrying the
// draft is returned so the composer can restore the input.
func (s *ChatSession) Send(ctx context.Context, content string) (Message, error) {
	draft := Draft{
		Content:    content,
		SenderID:   s.cfg.SenderID,
		SenderName: s.cfg.SenderName,
		SenderRole: s.cfg.SenderRole,
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, &SendError{Room: s.room, Draft: draft, Err: ErrEmptyMessage}
	}
	if s.closed.Load() {
		return Message{}, &SendError{Room: s.room, Draft: draft, Err: ErrSessionClosed}
	}

	s.typing.StopTyping(s.room)
	pending := s.buffer.AppendOptimistic(s.room, draft)

	m, err := s.cfg.API.Send(ctx, s.room, content, pending.ClientID)
	if err != nil {
		s.buffer.DropOptimistic(s.room, pending.ID)
		s.settle()
		s.log.Warn().Err(err).Str("temp_id", pending.ID).Msg("send failed")
		return Message{}, &SendError{Room: s.room, Draft: draft, Err: err}
	}
	// The server has the message even if the view closed meanwhile.
	s.buffer.ConfirmSend(s.room, pending.ID, m)
	s.settle()
	return m, nil
}

// Messages returns the room sequence in display order.
func (s *ChatSession) Messages() []Message { return s.buffer.Messages(s.room) }

// NotifyTyping reports local keystrokes; emissions are debounced.
func (s *ChatSession) NotifyTyping() { s.typing.NotifyTyping(s.room) }

// Typing returns the remote users currently typing.
func (s *ChatSession) Typing() []string { return s.typing.Typing(s.room) }

// Close releases the room, unsubscribes every handler, stops polling and
// cancels typing timers. Requests still in flight complete without touching
// the discarded room or calling OnMessages. It is safe to call more than once.
func (s *ChatSession) Close() {
	s.closed.Store(true)
	s.cleanup.run()
}
