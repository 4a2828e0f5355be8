package khanasathi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Tracker
// ============================================================================

// Tracker holds the last-known snapshot of one order. Whole snapshots and
// socket patches are applied under a newer-updatedAt-wins rule.
type Tracker struct {
	orderID string

	mu   sync.Mutex
	snap TrackingSnapshot
	has  bool
}

// NewTracker creates an empty tracker for orderID.
func NewTracker(orderID string) *Tracker {
	return &Tracker{orderID: orderID}
}

// Snapshot returns a copy of the current snapshot and whether one exists.
func (t *Tracker) Snapshot() (TrackingSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSnapshot(t.snap), t.has
}

// Apply replaces the snapshot unless s is older than the current one.
func (t *Tracker) Apply(s TrackingSnapshot) bool {
	if s.OrderID != "" && s.OrderID != t.orderID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.has && s.UpdatedAt.Before(t.snap.UpdatedAt) {
		return false
	}
	s.OrderID = t.orderID
	t.snap = cloneSnapshot(s)
	t.has = true
	return true
}

// ApplyStatus patches status and, when present, the full order.
func (t *Tracker) ApplyStatus(ev OrderStatusUpdateEvent) bool {
	return t.patch(ev.OrderID, ev.UpdatedAt, func(s *TrackingSnapshot) {
		s.Status = ev.Status
		if len(ev.Order) > 0 {
			s.Order = append([]byte(nil), ev.Order...)
		}
	})
}

// ApplyRider patches the assigned rider.
func (t *Tracker) ApplyRider(ev RiderAssignedEvent) bool {
	return t.patch(ev.OrderID, ev.UpdatedAt, func(s *TrackingSnapshot) {
		r := ev.Rider
		s.Rider = &r
	})
}

// ApplyLocation patches the rider position.
func (t *Tracker) ApplyLocation(ev RiderLocationEvent) bool {
	return t.patch(ev.OrderID, ev.UpdatedAt, func(s *TrackingSnapshot) {
		s.Location = &Location{Lat: ev.Lat, Lng: ev.Lng}
	})
}

// patch applies fn on top of the current snapshot. A patch without a
// timestamp applies unconditionally and leaves UpdatedAt alone.
func (t *Tracker) patch(orderID string, updatedAt *time.Time, fn func(*TrackingSnapshot)) bool {
	if orderID != t.orderID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if updatedAt != nil && t.has && updatedAt.Before(t.snap.UpdatedAt) {
		return false
	}
	fn(&t.snap)
	t.snap.OrderID = t.orderID
	if updatedAt != nil {
		t.snap.UpdatedAt = *updatedAt
	}
	t.has = true
	return true
}

func cloneSnapshot(s TrackingSnapshot) TrackingSnapshot {
	if s.Rider != nil {
		r := *s.Rider
		s.Rider = &r
	}
	if s.Location != nil {
		l := *s.Location
		s.Location = &l
	}
	if s.Order != nil {
		s.Order = append([]byte(nil), s.Order...)
	}
	return s
}

// ============================================================================
// TrackingSession
// ============================================================================

// TrackingAPI is the REST surface a tracking session needs.
type TrackingAPI interface {
	Tracking(ctx context.Context, orderID string) (TrackingSnapshot, error)
}

// TrackingSessionConfig configures a TrackingSession.
type TrackingSessionConfig struct {
	OrderID   string
	API       TrackingAPI
	Transport Transport
	Registry  *Registry

	PollConnected time.Duration
	PollDegraded  time.Duration
	FetchTimeout  time.Duration

	// OnChange receives the snapshot after every applied update.
	OnChange func(TrackingSnapshot)
	Logger   *zerolog.Logger
}

// TrackingSession is the order tracking page: it joins the order room,
// applies live status, rider and location events, and polls the snapshot
// as a backstop.
type TrackingSession struct {
	cfg     TrackingSessionConfig
	room    RoomKey
	log     zerolog.Logger
	tracker *Tracker
	poller  *Poller
	cleanup cleanupList

	mu     sync.Mutex
	opened bool
	closed bool
	err    error
}

// NewTrackingSession creates an unopened session; call Open on mount. Like
// ChatSession it is single-use.
func NewTrackingSession(cfg TrackingSessionConfig) *TrackingSession {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("order", cfg.OrderID).Logger()
	return &TrackingSession{
		cfg:     cfg,
		room:    Room(cfg.OrderID),
		log:     log,
		tracker: NewTracker(cfg.OrderID),
		poller:  NewPoller(log, cfg.FetchTimeout),
	}
}

// Open joins the order room, subscribes to tracking events, fetches the
// initial snapshot and starts polling. A failed initial fetch is returned
// but the session stays open and keeps polling; Close must still be called.
func (s *TrackingSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
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
	s.cleanup.add(OnOrderStatusUpdate(t, s.log, func(ev OrderStatusUpdateEvent) {
		s.changed(s.tracker.ApplyStatus(ev))
	}))
	s.cleanup.add(OnRiderAssigned(t, s.log, func(ev RiderAssignedEvent) {
		s.changed(s.tracker.ApplyRider(ev))
	}))
	s.cleanup.add(OnRiderLocation(t, s.log, func(ev RiderLocationEvent) {
		s.changed(s.tracker.ApplyLocation(ev))
	}))

	s.poller.Start(s.fetch, AdaptiveInterval(t, s.cfg.PollConnected, s.cfg.PollDegraded))
	s.cleanup.add(s.poller.Stop)
	s.cleanup.add(t.OnStateChange(func(ConnectionState) { s.poller.Reevaluate() }))

	return s.Refresh(ctx)
}

// Refresh fetches the snapshot now.
func (s *TrackingSession) Refresh(ctx context.Context) error {
	err := s.fetch(ctx)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func (s *TrackingSession) fetch(ctx context.Context) error {
	snap, err := s.cfg.API.Tracking(ctx, s.cfg.OrderID)
	if err != nil {
		return fmt.Errorf("fetch tracking %s: %w", s.cfg.OrderID, err)
	}
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	s.changed(s.tracker.Apply(snap))
	return nil
}

func (s *TrackingSession) changed(applied bool) {
	if !applied || s.cfg.OnChange == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if snap, ok := s.tracker.Snapshot(); ok {
		s.cfg.OnChange(snap)
	}
}

// Snapshot returns the current snapshot.
func (s *TrackingSession) Snapshot() (TrackingSnapshot, bool) {
	return s.tracker.Snapshot()
}

// Err returns the last explicit fetch error, if any.
func (s *TrackingSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close leaves the room, unsubscribes every handler and stops polling.
func (s *TrackingSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cleanup.run()
}
