package khanasathi

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var order42 = Room("order-42")

func serverMsg(id, sender, content string, createdAt time.Time) Message {
	return Message{
		ID:        id,
		Room:      order42,
		SenderID:  sender,
		Content:   content,
		Kind:      UserMessage,
		CreatedAt: createdAt,
		Confirmed: true,
	}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func fixedClock(tm time.Time) BufferOption {
	return WithClock(func() time.Time { return tm })
}

func TestBuffer_LoadHistory(t *testing.T) {
	t.Run("sorts by createdAt", func(t *testing.T) {
		b := NewBuffer()
		n := b.LoadHistory(order42, []Message{
			serverMsg("m3", "u1", "c", at(30)),
			serverMsg("m1", "u1", "a", at(10)),
			serverMsg("m2", "u2", "b", at(20)),
		})
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(b.Messages(order42)))
	})

	t.Run("ties broken by id", func(t *testing.T) {
		b := NewBuffer()
		b.LoadHistory(order42, []Message{
			serverMsg("b", "u1", "x", at(10)),
			serverMsg("a", "u1", "y", at(10)),
		})
		assert.Equal(t, []string{"a", "b"}, ids(b.Messages(order42)))
	})

	t.Run("never overwrites existing entries", func(t *testing.T) {
		b := NewBuffer()
		b.LoadHistory(order42, []Message{serverMsg("m1", "u1", "original", at(10))})
		n := b.LoadHistory(order42, []Message{serverMsg("m1", "u1", "edited", at(10))})
		assert.Zero(t, n)
		require.Len(t, b.Messages(order42), 1)
		assert.Equal(t, "original", b.Messages(order42)[0].Content)
	})

	t.Run("skips foreign and id-less items", func(t *testing.T) {
		b := NewBuffer()
		other := serverMsg("x1", "u1", "elsewhere", at(10))
		other.Room = Room("order-7")
		noID := serverMsg("", "u1", "no id", at(11))
		n := b.LoadHistory(order42, []Message{other, noID, serverMsg("m1", "u1", "ok", at(12))})
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"m1"}, ids(b.Messages(order42)))
	})

	t.Run("confirms optimistic entry by client id", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		pending := b.AppendOptimistic(order42, Draft{Content: "hi", SenderID: "u1"})

		m := serverMsg("m9", "u1", "hi", at(101))
		m.ClientID = pending.ClientID
		b.LoadHistory(order42, []Message{m})

		got := b.Messages(order42)
		require.Len(t, got, 1)
		assert.Equal(t, "m9", got[0].ID)
		assert.True(t, got[0].Confirmed)
		assert.Zero(t, b.Pending(order42))
	})
}

func TestBuffer_AppendOptimistic(t *testing.T) {
	b := NewBuffer(fixedClock(at(100)))
	b.LoadHistory(order42, []Message{serverMsg("m1", "u2", "hello", at(10))})

	first := b.AppendOptimistic(order42, Draft{Content: "hi", SenderID: "u1", SenderName: "Asha"})
	second := b.AppendOptimistic(order42, Draft{Content: "hi", SenderID: "u1", SenderName: "Asha"})

	assert.True(t, strings.HasPrefix(first.ID, "temp-"))
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.ClientID, second.ClientID)
	assert.True(t, first.Optimistic())
	assert.Equal(t, UserMessage, first.Kind)
	assert.Equal(t, order42, first.Room)

	got := b.Messages(order42)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, 2, b.Pending(order42))
}

func TestBuffer_SendReconciliation(t *testing.T) {
	history := []Message{
		serverMsg("m1", "u2", "hello", at(10)),
		serverMsg("m2", "u2", "ready soon", at(20)),
	}

	// Every arrival order of the send response and its socket echo must end
	// with exactly one confirmed entry.
	cases := []struct {
		name  string
		steps []string
	}{
		{"confirm then echo", []string{"confirm", "echo"}},
		{"echo then confirm", []string{"echo", "confirm"}},
		{"echo twice then confirm", []string{"echo", "echo", "confirm"}},
		{"confirm then duplicate echoes", []string{"confirm", "echo", "echo"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuffer(fixedClock(at(100)))
			b.LoadHistory(order42, history)

			pending := b.AppendOptimistic(order42, Draft{Content: "on my way", SenderID: "u1"})
			assert.Len(t, b.Messages(order42), 3)

			confirmed := serverMsg("m3", "u1", "on my way", at(101))
			confirmed.ClientID = pending.ClientID

			for _, step := range tc.steps {
				switch step {
				case "confirm":
					b.ConfirmSend(order42, pending.ID, confirmed)
				case "echo":
					b.ReconcileIncoming(order42, confirmed)
				}
			}

			got := b.Messages(order42)
			assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
			assert.True(t, got[2].Confirmed)
			assert.Equal(t, pending.ClientID, got[2].ClientID)
			assert.Zero(t, b.Pending(order42))
		})
	}
}

func TestBuffer_ReconcileIncoming(t *testing.T) {
	t.Run("fallback correlation without client id", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})

		echo := serverMsg("m5", "u1", "ok", at(101))
		assert.True(t, b.ReconcileIncoming(order42, echo))
		assert.Equal(t, []string{"m5"}, ids(b.Messages(order42)))
		assert.Zero(t, b.Pending(order42))
	})

	t.Run("fallback matches the oldest identical send", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		first := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})
		second := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})

		b.ReconcileIncoming(order42, serverMsg("m5", "u1", "ok", at(101)))

		got := ids(b.Messages(order42))
		assert.NotContains(t, got, first.ID)
		assert.Contains(t, got, second.ID)
		assert.Equal(t, 1, b.Pending(order42))
	})

	t.Run("client id beats content match", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		first := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})
		second := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})

		echo := serverMsg("m5", "u1", "ok", at(101))
		echo.ClientID = second.ClientID
		b.ReconcileIncoming(order42, echo)

		got := ids(b.Messages(order42))
		assert.Contains(t, got, first.ID)
		assert.NotContains(t, got, second.ID)
	})

	t.Run("unknown client id leaves pending sends alone", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		pending := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})

		echo := serverMsg("m5", "u1", "ok", at(101))
		echo.ClientID = "from-another-tab"
		b.ReconcileIncoming(order42, echo)

		assert.Contains(t, ids(b.Messages(order42)), pending.ID)
		assert.Len(t, b.Messages(order42), 2)
	})

	t.Run("other participant's message is inserted", func(t *testing.T) {
		b := NewBuffer(fixedClock(at(100)))
		pending := b.AppendOptimistic(order42, Draft{Content: "ok", SenderID: "u1"})

		assert.True(t, b.ReconcileIncoming(order42, serverMsg("m6", "u2", "ok", at(99))))
		assert.Equal(t, []string{"m6", pending.ID}, ids(b.Messages(order42)))
	})

	t.Run("out of order event lands in place", func(t *testing.T) {
		b := NewBuffer()
		b.ReconcileIncoming(order42, serverMsg("m3", "u2", "c", at(30)))
		b.ReconcileIncoming(order42, serverMsg("m1", "u2", "a", at(10)))
		b.ReconcileIncoming(order42, serverMsg("m2", "u2", "b", at(20)))
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(b.Messages(order42)))
	})

	t.Run("duplicate live event is ignored", func(t *testing.T) {
		b := NewBuffer()
		assert.True(t, b.ReconcileIncoming(order42, serverMsg("m1", "u2", "a", at(10))))
		assert.False(t, b.ReconcileIncoming(order42, serverMsg("m1", "u2", "a", at(10))))
		assert.Len(t, b.Messages(order42), 1)
	})
}

func TestBuffer_RoomIsolation(t *testing.T) {
	thread := Thread("order-42", "support")

	cases := []struct {
		name string
		room RoomKey
		msg  Message
	}{
		{"other entity", order42, Message{ID: "x", Room: Room("order-7"), CreatedAt: at(1)}},
		{"other thread", thread, Message{ID: "x", Room: Thread("order-42", "rider"), CreatedAt: at(1)}},
		{"unthreaded message in thread", thread, Message{ID: "x", Room: order42, CreatedAt: at(1)}},
		{"missing id", order42, Message{Room: order42, CreatedAt: at(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuffer()
			b.LoadHistory(tc.room, []Message{{ID: "m1", Room: tc.room, CreatedAt: at(0)}})
			before := b.Messages(tc.room)

			assert.False(t, b.ReconcileIncoming(tc.room, tc.msg))
			assert.Equal(t, before, b.Messages(tc.room))
		})
	}

	t.Run("thread message accepted in its thread", func(t *testing.T) {
		b := NewBuffer()
		assert.True(t, b.ReconcileIncoming(thread, Message{ID: "t1", Room: thread, CreatedAt: at(1)}))
	})
}

// History and live events may resolve in any order; the merged sequence
// must not depend on it.
func TestBuffer_HistoryLiveCommutativity(t *testing.T) {
	history := []Message{
		serverMsg("h1", "u1", "a", at(10)),
		serverMsg("h2", "u2", "b", at(30)),
		serverMsg("h3", "u1", "c", at(30)),
	}
	live := []Message{
		serverMsg("l1", "u2", "d", at(20)),
		serverMsg("h3", "u1", "c", at(30)),
		serverMsg("l2", "u1", "e", at(40)),
		serverMsg("l3", "u2", "f", at(5)),
	}

	ref := NewBuffer()
	ref.LoadHistory(order42, history)
	for _, m := range live {
		ref.ReconcileIncoming(order42, m)
	}
	want := ids(ref.Messages(order42))
	require.Equal(t, []string{"l3", "h1", "l1", "h2", "h3", "l2"}, want)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		b := NewBuffer()
		events := append([]Message(nil), live...)
		rng.Shuffle(len(events), func(a, c int) { events[a], events[c] = events[c], events[a] })
		split := rng.Intn(len(events) + 1)

		for _, m := range events[:split] {
			b.ReconcileIncoming(order42, m)
		}
		b.LoadHistory(order42, history)
		for _, m := range events[split:] {
			b.ReconcileIncoming(order42, m)
		}
		require.Equal(t, want, ids(b.Messages(order42)), "iteration %d", i)
	}
}

func TestBuffer_DropOptimistic(t *testing.T) {
	b := NewBuffer(fixedClock(at(100)))
	b.LoadHistory(order42, []Message{serverMsg("m1", "u2", "hello", at(10))})
	pending := b.AppendOptimistic(order42, Draft{Content: "lost", SenderID: "u1"})

	dropped, ok := b.DropOptimistic(order42, pending.ID)
	require.True(t, ok)
	assert.Equal(t, "lost", dropped.Content)
	assert.Equal(t, []string{"m1"}, ids(b.Messages(order42)))

	_, ok = b.DropOptimistic(order42, pending.ID)
	assert.False(t, ok)
	_, ok = b.DropOptimistic(order42, "m1")
	assert.False(t, ok, "confirmed entries are not droppable")
	_, ok = b.DropOptimistic(Room("nowhere"), "temp-1")
	assert.False(t, ok)
}

func TestBuffer_ChangeHandlerAndDiscard(t *testing.T) {
	var changes []RoomKey
	b := NewBuffer(WithChangeHandler(func(r RoomKey) { changes = append(changes, r) }))

	b.LoadHistory(order42, []Message{serverMsg("m1", "u2", "hello", at(10))})
	b.LoadHistory(order42, []Message{serverMsg("m1", "u2", "hello", at(10))})
	b.ReconcileIncoming(order42, serverMsg("m1", "u2", "hello", at(10)))
	b.ReconcileIncoming(order42, serverMsg("m2", "u2", "again", at(11)))
	assert.Equal(t, []RoomKey{order42, order42}, changes)

	b.Discard(order42)
	assert.Nil(t, b.Messages(order42))
}

func TestBuffer_ConfirmAfterDiscard(t *testing.T) {
	var changes int
	b := NewBuffer(WithChangeHandler(func(RoomKey) { changes++ }))
	pending := b.AppendOptimistic(order42, Draft{Content: "hi", SenderID: "u1"})
	b.Discard(order42)
	changes = 0

	b.ConfirmSend(order42, pending.ID, serverMsg("m1", "u1", "hi", at(10)))
	assert.Nil(t, b.Messages(order42), "room is not recreated")
	assert.Zero(t, changes)
	assert.Zero(t, b.Pending(order42))
}
