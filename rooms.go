package khanasathi

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks the rooms this client needs events for. Membership is
// reference counted per room key so several views can share one socket.
type Registry struct {
	transport Transport
	log       zerolog.Logger

	mu    sync.Mutex
	rooms map[RoomKey]int

	detach func()
}

// NewRegistry creates a registry that re-joins every desired room each time
// the transport becomes connected.
func NewRegistry(t Transport, log zerolog.Logger) *Registry {
	r := &Registry{
		transport: t,
		log:       log.With().Str("component", "rooms").Logger(),
		rooms:     make(map[RoomKey]int),
	}
	r.detach = t.OnStateChange(func(s ConnectionState) {
		if s == StateConnected {
			r.rejoin()
		}
	})
	return r
}

// Join takes one reference on room and returns a func that releases it.
// The release func is safe to call more than once.
func (r *Registry) Join(room RoomKey) (leave func()) {
	r.mu.Lock()
	r.rooms[room]++
	first := r.rooms[room] == 1
	r.mu.Unlock()

	if first {
		r.log.Debug().Stringer("room", room).Msg("join")
		r.transport.Emit(EventJoin, RoomPayload{Room: room.String()})
	}

	var once sync.Once
	return func() { once.Do(func() { r.Leave(room) }) }
}

// Leave releases one reference on room. Leaving a room that was never
// joined is a no-op.
func (r *Registry) Leave(room RoomKey) {
	r.mu.Lock()
	n, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := n <= 1
	if last {
		delete(r.rooms, room)
	} else {
		r.rooms[room] = n - 1
	}
	r.mu.Unlock()

	if last {
		r.log.Debug().Stringer("room", room).Msg("leave")
		r.transport.Emit(EventLeave, RoomPayload{Room: room.String()})
	}
}

// Joined reports whether at least one view holds room.
func (r *Registry) Joined(room RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[room] > 0
}

// Rooms returns the reference count of every desired room.
func (r *Registry) Rooms() map[RoomKey]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[RoomKey]int, len(r.rooms))
	for k, v := range r.rooms {
		out[k] = v
	}
	return out
}

// Close detaches the registry from the transport. Desired rooms are kept.
func (r *Registry) Close() {
	r.detach()
}

// rejoin re-emits join for all desired rooms; the server may have dropped
// membership across the disconnect.
func (r *Registry) rejoin() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.rooms))
	for k := range r.rooms {
		keys = append(keys, k.String())
	}
	r.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		r.transport.Emit(EventJoin, RoomPayload{Room: k})
	}
	if len(keys) > 0 {
		r.log.Info().Int("rooms", len(keys)).Msg("rejoined rooms after connect")
	}
}
