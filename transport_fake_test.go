package khanasathi

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type emission struct {
	Event string
	Room  string
}

// fakeTransport records emissions and lets tests drive state changes and
// inbound events directly.
type fakeTransport struct {
	d *eventDispatcher

	mu      sync.Mutex
	state   ConnectionState
	emitted []emission
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{d: newEventDispatcher(zerolog.Nop())}
}

func (f *fakeTransport) On(event string, h EventHandler) func() { return f.d.on(event, h) }

func (f *fakeTransport) OnStateChange(h StateHandler) func() { return f.d.onState(h) }

func (f *fakeTransport) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Emit(event string, payload any) {
	e := emission{Event: event}
	if p, ok := payload.(RoomPayload); ok {
		e.Room = p.Room
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, e)
	f.mu.Unlock()
}

func (f *fakeTransport) setState(s ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.d.emitState(s)
}

func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, ok := payload.(string)
	if ok {
		f.d.dispatch(event, json.RawMessage(raw))
		return
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	f.d.dispatch(event, b)
}

func (f *fakeTransport) emissions() []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emission(nil), f.emitted...)
}

// emittedRooms returns the rooms of every emission of event, in order.
func (f *fakeTransport) emittedRooms(event string) []string {
	var out []string
	for _, e := range f.emissions() {
		if e.Event == event {
			out = append(out, e.Room)
		}
	}
	return out
}

func (f *fakeTransport) count(event string) int {
	return len(f.emittedRooms(event))
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.emitted = nil
	f.mu.Unlock()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }
