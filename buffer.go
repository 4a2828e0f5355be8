package khanasathi

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nispal155/khanasathi/sdk/golang/internal/metrics"
)

// BufferOption configures a Buffer.
type BufferOption func(*Buffer)

// WithBufferLogger sets the logger used for discarded input.
func WithBufferLogger(log zerolog.Logger) BufferOption {
	return func(b *Buffer) { b.log = log.With().Str("component", "buffer").Logger() }
}

// WithChangeHandler registers a callback invoked after any mutation that
// altered a room. It runs outside the buffer lock.
func WithChangeHandler(fn func(RoomKey)) BufferOption {
	return func(b *Buffer) { b.onChange = fn }
}

// WithClock overrides the time source used for optimistic timestamps.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) { b.now = now }
}

// Buffer merges server history, optimistic local sends and live server
// events into one ordered, deduplicated sequence per room.
//
// Each room is a set keyed by message id, ordered by CreatedAt with ties
// broken by id. The order slice is kept sorted at all times: live inserts
// are placed by binary search, which is an append when events arrive in
// order, and history merges re-sort the whole sequence.
type Buffer struct {
	mu    sync.Mutex
	rooms map[RoomKey]*roomLog

	now      func() time.Time
	log      zerolog.Logger
	onChange func(RoomKey)
}

type roomLog struct {
	byID  map[string]Message
	order []string
}

func newRoomLog() *roomLog {
	return &roomLog{byID: make(map[string]Message)}
}

// NewBuffer creates an empty buffer.
func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		rooms: make(map[RoomKey]*roomLog),
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *roomLog) insert(m Message) {
	r.byID[m.ID] = m
	idx := sort.Search(len(r.order), func(i int) bool { return less(m, r.byID[r.order[i]]) })
	r.order = slices.Insert(r.order, idx, m.ID)
}

func (r *roomLog) remove(id string) (Message, bool) {
	m, ok := r.byID[id]
	if !ok {
		return Message{}, false
	}
	idx := sort.Search(len(r.order), func(i int) bool { return !less(r.byID[r.order[i]], m) })
	if idx < len(r.order) && r.order[idx] == id {
		r.order = slices.Delete(r.order, idx, idx+1)
	} else {
		r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	}
	delete(r.byID, id)
	if !m.Confirmed {
		metrics.OptimisticPending.Dec()
	}
	return m, true
}

func (r *roomLog) resort() {
	sort.SliceStable(r.order, func(i, j int) bool { return less(r.byID[r.order[i]], r.byID[r.order[j]]) })
}

// correlate finds the optimistic entry a server message confirms. An
// explicit client correlation id wins; the (content, sender) match is only
// a fallback for servers that do not round-trip it.
func (r *roomLog) correlate(m Message) (string, bool) {
	for _, id := range r.order {
		e := r.byID[id]
		if e.Confirmed {
			continue
		}
		if m.ClientID != "" {
			if e.ClientID == m.ClientID {
				return id, true
			}
			continue
		}
		if e.Content == m.Content && e.SenderID == m.SenderID {
			return id, true
		}
	}
	return "", false
}

func (b *Buffer) room(key RoomKey) *roomLog {
	r, ok := b.rooms[key]
	if !ok {
		r = newRoomLog()
		b.rooms[key] = r
	}
	return r
}

// foreign reports why m does not belong in room, or "" if it does.
func foreign(room RoomKey, m Message) string {
	if m.ID == "" {
		return "missing id"
	}
	if room.Threaded() && m.Room.ThreadID != room.ThreadID {
		return "thread mismatch"
	}
	if m.Room.EntityID != "" && m.Room.EntityID != room.EntityID {
		return "entity mismatch"
	}
	return ""
}

func (b *Buffer) changed(room RoomKey) {
	if b.onChange != nil {
		b.onChange(room)
	}
}

// LoadHistory merges a batch of confirmed server messages. Existing entries
// are never overwritten; the sequence is re-sorted afterwards since history
// may resolve after newer live events. It returns the number of messages added.
func (b *Buffer) LoadHistory(room RoomKey, items []Message) int {
	b.mu.Lock()
	r := b.room(room)
	added := 0
	for _, m := range items {
		if reason := foreign(room, m); reason != "" {
			b.log.Debug().Stringer("room", room).Str("id", m.ID).Str("reason", reason).Msg("skipping history item")
			continue
		}
		if _, ok := r.byID[m.ID]; ok {
			continue
		}
		if m.ClientID != "" {
			if tempID, ok := r.correlate(Message{ClientID: m.ClientID}); ok {
				r.remove(tempID)
			}
		}
		m.Confirmed = true
		if m.Room.IsZero() {
			m.Room = room
		}
		r.byID[m.ID] = m
		r.order = append(r.order, m.ID)
		added++
	}
	r.resort()
	b.mu.Unlock()

	if added > 0 {
		b.changed(room)
	}
	return added
}

// AppendOptimistic inserts an unconfirmed entry for a local send so the
// sender sees it before any network round trip. The returned message carries
// the temp id and the client correlation id to send with the request.
func (b *Buffer) AppendOptimistic(room RoomKey, d Draft) Message {
	now := b.now()

	b.mu.Lock()
	r := b.room(room)
	id := fmt.Sprintf("temp-%d", now.UnixMilli())
	for n := 1; ; n++ {
		if _, taken := r.byID[id]; !taken {
			break
		}
		id = fmt.Sprintf("temp-%d-%d", now.UnixMilli(), n)
	}
	m := Message{
		ID:         id,
		ClientID:   uuid.NewString(),
		Room:       room,
		SenderID:   d.SenderID,
		SenderName: d.SenderName,
		SenderRole: d.SenderRole,
		Content:    d.Content,
		Kind:       UserMessage,
		CreatedAt:  now,
		Confirmed:  false,
	}
	r.insert(m)
	metrics.OptimisticPending.Inc()
	b.mu.Unlock()

	b.changed(room)
	return m
}

// ReconcileIncoming merges one live server message, which may be the echo of
// this client's own send or a message from another participant. Messages for
// another room or thread are discarded. It reports whether the room changed.
func (b *Buffer) ReconcileIncoming(room RoomKey, m Message) bool {
	if reason := foreign(room, m); reason != "" {
		metrics.Reconciled.WithLabelValues("foreign").Inc()
		b.log.Debug().Stringer("room", room).Stringer("event_room", m.Room).Str("id", m.ID).Str("reason", reason).Msg("discarding live message")
		return false
	}

	b.mu.Lock()
	r := b.room(room)
	changed := false
	if tempID, ok := r.correlate(m); ok {
		r.remove(tempID)
		metrics.Reconciled.WithLabelValues("confirmed").Inc()
		changed = true
	}
	if _, dup := r.byID[m.ID]; dup {
		metrics.Reconciled.WithLabelValues("duplicate").Inc()
	} else {
		m.Confirmed = true
		if m.Room.IsZero() {
			m.Room = room
		}
		r.insert(m)
		metrics.Reconciled.WithLabelValues("inserted").Inc()
		changed = true
	}
	b.mu.Unlock()

	if changed {
		b.changed(room)
	}
	return changed
}

// ConfirmSend applies the response of the send request that created tempID.
// The socket echo may already have reconciled the same message, in which case
// only the temp entry is removed. A room discarded while the request was in
// flight is left alone.
func (b *Buffer) ConfirmSend(room RoomKey, tempID string, m Message) {
	b.mu.Lock()
	r, ok := b.rooms[room]
	if !ok {
		b.mu.Unlock()
		b.log.Debug().Stringer("room", room).Str("temp_id", tempID).Msg("confirm for discarded room")
		return
	}
	temp, hadTemp := r.remove(tempID)
	if _, dup := r.byID[m.ID]; !dup && m.ID != "" {
		m.Confirmed = true
		if m.Room.IsZero() {
			m.Room = room
		}
		if m.ClientID == "" && hadTemp {
			m.ClientID = temp.ClientID
		}
		r.insert(m)
		metrics.Reconciled.WithLabelValues("inserted").Inc()
	} else {
		metrics.Reconciled.WithLabelValues("duplicate").Inc()
	}
	b.mu.Unlock()

	b.changed(room)
}

// DropOptimistic removes a pending send after its request failed and
// returns it so the caller can restore the composer.
func (b *Buffer) DropOptimistic(room RoomKey, tempID string) (Message, bool) {
	b.mu.Lock()
	r, ok := b.rooms[room]
	if !ok {
		b.mu.Unlock()
		return Message{}, false
	}
	m, ok := r.byID[tempID]
	if !ok || m.Confirmed {
		b.mu.Unlock()
		return Message{}, false
	}
	r.remove(tempID)
	b.mu.Unlock()

	b.changed(room)
	return m, true
}

// Messages returns the room's sequence in display order.
func (b *Buffer) Messages(room RoomKey) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[room]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Pending returns the number of unconfirmed sends in room.
func (b *Buffer) Pending(room RoomKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if r, ok := b.rooms[room]; ok {
		for _, m := range r.byID {
			if !m.Confirmed {
				n++
			}
		}
	}
	return n
}

// Discard drops a room's messages when its view unmounts.
func (b *Buffer) Discard(room RoomKey) {
	b.mu.Lock()
	if r, ok := b.rooms[room]; ok {
		for _, m := range r.byID {
			if !m.Confirmed {
				metrics.OptimisticPending.Dec()
			}
		}
		delete(b.rooms, room)
	}
	b.mu.Unlock()
}
