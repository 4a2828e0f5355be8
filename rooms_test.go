package khanasathi

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_RefCounting(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())
	defer reg.Close()

	chat := reg.Join(order42)
	tracking := reg.Join(order42)
	assert.Equal(t, []string{"order-42"}, ft.emittedRooms(EventJoin), "second holder must not re-emit join")
	assert.Equal(t, 2, reg.Rooms()[order42])

	chat()
	assert.True(t, reg.Joined(order42))
	assert.Zero(t, ft.count(EventLeave))

	tracking()
	assert.False(t, reg.Joined(order42))
	assert.Equal(t, []string{"order-42"}, ft.emittedRooms(EventLeave))
}

func TestRegistry_ReleaseIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())

	first := reg.Join(order42)
	second := reg.Join(order42)

	first()
	first()
	assert.True(t, reg.Joined(order42), "double release must not drop the other holder")

	second()
	assert.Equal(t, 1, ft.count(EventLeave))
}

func TestRegistry_LeaveUnknownRoom(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())

	reg.Leave(Room("never-joined"))
	assert.Empty(t, ft.emissions())
}

func TestRegistry_ThreadsAreSeparateRooms(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())

	reg.Join(order42)
	reg.Join(Thread("order-42", "support"))
	assert.Equal(t, []string{"order-42", "order-42:support"}, ft.emittedRooms(EventJoin))
}

func TestRegistry_RejoinOnConnect(t *testing.T) {
	ft := newFakeTransport()
	reg := NewRegistry(ft, zerolog.Nop())

	reg.Join(Room("order-9"))
	reg.Join(Thread("order-42", "support"))
	leave := reg.Join(Room("order-1"))
	reg.Join(Room("order-9"))
	leave()
	ft.reset()

	ft.setState(StateConnecting)
	assert.Empty(t, ft.emissions())

	ft.setState(StateConnected)
	assert.Equal(t, []string{"order-42:support", "order-9"}, ft.emittedRooms(EventJoin))

	t.Run("every reconnect re-joins", func(t *testing.T) {
		ft.reset()
		ft.setState(StateDisconnected)
		ft.setState(StateConnected)
		assert.Equal(t, 2, ft.count(EventJoin))
	})

	t.Run("closed registry stops re-joining", func(t *testing.T) {
		reg.Close()
		ft.reset()
		ft.setState(StateConnected)
		assert.Empty(t, ft.emissions())
		assert.True(t, reg.Joined(Room("order-9")))
	})
}
