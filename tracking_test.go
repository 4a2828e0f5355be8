package khanasathi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestTracker_Apply(t *testing.T) {
	tr := NewTracker("order-42")
	_, ok := tr.Snapshot()
	assert.False(t, ok)

	assert.True(t, tr.Apply(TrackingSnapshot{Status: "placed", UpdatedAt: at(10)}))
	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "order-42", snap.OrderID)

	assert.False(t, tr.Apply(TrackingSnapshot{Status: "stale", UpdatedAt: at(5)}), "older snapshot loses")
	assert.True(t, tr.Apply(TrackingSnapshot{Status: "preparing", UpdatedAt: at(10)}), "equal timestamp wins")
	assert.False(t, tr.Apply(TrackingSnapshot{OrderID: "order-7", Status: "x", UpdatedAt: at(99)}))

	snap, _ = tr.Snapshot()
	assert.Equal(t, "preparing", snap.Status)
}

func TestTracker_Patches(t *testing.T) {
	tr := NewTracker("order-42")
	tr.Apply(TrackingSnapshot{Status: "placed", UpdatedAt: at(10)})

	t.Run("newer status advances updatedAt", func(t *testing.T) {
		order := json.RawMessage(`{"total":450}`)
		assert.True(t, tr.ApplyStatus(OrderStatusUpdateEvent{OrderID: "order-42", Status: "preparing", Order: order, UpdatedAt: ptr(at(20))}))
		snap, _ := tr.Snapshot()
		assert.Equal(t, "preparing", snap.Status)
		assert.JSONEq(t, `{"total":450}`, string(snap.Order))
		assert.Equal(t, at(20), snap.UpdatedAt)
	})

	t.Run("older patch is ignored", func(t *testing.T) {
		assert.False(t, tr.ApplyStatus(OrderStatusUpdateEvent{OrderID: "order-42", Status: "placed", UpdatedAt: ptr(at(15))}))
		snap, _ := tr.Snapshot()
		assert.Equal(t, "preparing", snap.Status)
	})

	t.Run("untimed patch applies without advancing", func(t *testing.T) {
		assert.True(t, tr.ApplyRider(RiderAssignedEvent{OrderID: "order-42", Rider: Rider{ID: "r1", Name: "Ram"}}))
		snap, _ := tr.Snapshot()
		require.NotNil(t, snap.Rider)
		assert.Equal(t, "Ram", snap.Rider.Name)
		assert.Equal(t, at(20), snap.UpdatedAt)
	})

	t.Run("location", func(t *testing.T) {
		assert.True(t, tr.ApplyLocation(RiderLocationEvent{OrderID: "order-42", Lat: 27.7, Lng: 85.3, UpdatedAt: ptr(at(25))}))
		snap, _ := tr.Snapshot()
		require.NotNil(t, snap.Location)
		assert.Equal(t, Location{Lat: 27.7, Lng: 85.3}, *snap.Location)
	})

	t.Run("other order is ignored", func(t *testing.T) {
		assert.False(t, tr.ApplyLocation(RiderLocationEvent{OrderID: "order-7", Lat: 1, Lng: 1}))
	})

	t.Run("stale full snapshot cannot undo patches", func(t *testing.T) {
		assert.False(t, tr.Apply(TrackingSnapshot{Status: "placed", UpdatedAt: at(12)}))
	})
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := NewTracker("order-42")
	tr.Apply(TrackingSnapshot{Status: "on_the_way", Rider: &Rider{ID: "r1", Name: "Ram"}, UpdatedAt: at(1)})

	snap, _ := tr.Snapshot()
	snap.Rider.Name = "changed"

	again, _ := tr.Snapshot()
	assert.Equal(t, "Ram", again.Rider.Name)
}

type fakeTrackingAPI struct {
	mu    sync.Mutex
	snap  TrackingSnapshot
	err   error
	calls atomic.Int32
}

func (f *fakeTrackingAPI) Tracking(_ context.Context, orderID string) (TrackingSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return TrackingSnapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeTrackingAPI) set(s TrackingSnapshot, err error) {
	f.mu.Lock()
	f.snap, f.err = s, err
	f.mu.Unlock()
}

func TestTrackingSession_Lifecycle(t *testing.T) {
	ft := newFakeTransport()
	ft.setState(StateConnected)
	reg := NewRegistry(ft, zerolog.Nop())
	api := &fakeTrackingAPI{}
	api.set(TrackingSnapshot{OrderID: "order-42", Status: "placed", UpdatedAt: at(10)}, nil)

	var changes atomic.Int32
	s := NewTrackingSession(TrackingSessionConfig{
		OrderID:   "order-42",
		API:       api,
		Transport: ft,
		Registry:  reg,
		OnChange:  func(TrackingSnapshot) { changes.Add(1) },
	})
	require.NoError(t, s.Open(context.Background()))
	assert.True(t, reg.Joined(order42))

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "placed", snap.Status)

	ft.deliver(t, EventOrderStatusUpdate, map[string]any{"orderId": "order-42", "status": "preparing", "updatedAt": at(20)})
	ft.deliver(t, EventRiderAssigned, map[string]any{"orderId": "order-42", "rider": Rider{ID: "r1", Name: "Ram"}})
	ft.deliver(t, EventRiderLocation, map[string]any{"orderId": "order-42", "lat": 27.7, "lng": 85.3})
	ft.deliver(t, EventOrderStatusUpdate, map[string]any{"orderId": "order-7", "status": "delivered"})
	ft.deliver(t, EventOrderStatusUpdate, `{"orderId":"order-42"}`)

	snap, _ = s.Snapshot()
	assert.Equal(t, "preparing", snap.Status)
	assert.Equal(t, "Ram", snap.Rider.Name)
	assert.Equal(t, Location{Lat: 27.7, Lng: 85.3}, *snap.Location)
	assert.Equal(t, int32(4), changes.Load())

	s.Close()
	assert.False(t, reg.Joined(order42))

	ft.deliver(t, EventOrderStatusUpdate, map[string]any{"orderId": "order-42", "status": "delivered", "updatedAt": at(30)})
	snap, _ = s.Snapshot()
	assert.Equal(t, "preparing", snap.Status, "closed session ignores events")
}

func TestTrackingSession_FetchFailure(t *testing.T) {
	ft := newFakeTransport()
	api := &fakeTrackingAPI{}
	api.set(TrackingSnapshot{}, errors.New("503"))

	s := NewTrackingSession(TrackingSessionConfig{
		OrderID:      "order-42",
		API:          api,
		Transport:    ft,
		Registry:     NewRegistry(ft, zerolog.Nop()),
		PollDegraded: 10 * time.Millisecond,
	})
	defer s.Close()

	require.Error(t, s.Open(context.Background()))
	assert.Error(t, s.Err())

	api.set(TrackingSnapshot{Status: "placed", UpdatedAt: at(1)}, nil)
	require.Eventually(t, func() bool {
		_, ok := s.Snapshot()
		return ok && s.Err() == nil
	}, time.Second, 5*time.Millisecond, "polling recovers while disconnected")
}

func TestTrackingSession_SingleUse(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())
	defer reg.Close()
	api := &fakeTrackingAPI{}
	api.set(TrackingSnapshot{OrderID: "order-42", Status: "placed", UpdatedAt: at(10)}, nil)

	var changes atomic.Int32
	s := NewTrackingSession(TrackingSessionConfig{
		OrderID:   "order-42",
		API:       api,
		Transport: ft,
		Registry:  reg,
		OnChange:  func(TrackingSnapshot) { changes.Add(1) },
	})
	require.NoError(t, s.Open(context.Background()))
	s.Close()

	assert.ErrorIs(t, s.Open(context.Background()), ErrSessionClosed)
	assert.False(t, reg.Joined(order42))

	api.set(TrackingSnapshot{OrderID: "order-42", Status: "preparing", UpdatedAt: at(20)}, nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, int32(1), changes.Load(), "no change callback after close")
}
