package khanasathi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nispal155/khanasathi/sdk/golang/internal/metrics"
)

// Inbound and outbound event names.
const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventConnectError  = "connect_error"
	EventAuthenticated = "authenticated"

	EventNewMessage        = "newMessage"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventOrderStatusUpdate = "orderStatusUpdate"
	EventRiderAssigned     = "riderAssigned"
	EventRiderLocation     = "riderLocation"

	EventJoin  = "join"
	EventLeave = "leave"
)

// RoomPayload is the body of the outbound join, leave, typing and stopTyping events.
type RoomPayload struct {
	Room string `json:"room"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// TypingEvent reports that a remote user started typing.
type TypingEvent struct {
	Room     string `json:"room,omitempty"`
	Username string `json:"username"`
}

// StopTypingEvent reports that a remote user stopped typing.
type StopTypingEvent struct {
	Room     string `json:"room,omitempty"`
	Username string `json:"username"`
}

// OrderStatusUpdateEvent carries a status change and optionally the full order.
type OrderStatusUpdateEvent struct {
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status"`
	Order     json.RawMessage `json:"order,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

// RiderAssignedEvent carries the rider picked for an order.
type RiderAssignedEvent struct {
	OrderID   string     `json:"orderId"`
	Rider     Rider      `json:"rider"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// RiderLocationEvent carries a rider position update.
type RiderLocationEvent struct {
	OrderID   string     `json:"orderId"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ============================================================================
// Decoding
// ============================================================================

func decodeNewMessage(payload json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", EventNewMessage, err)
	}
	return w.toMessage()
}

func decodeTyping(payload json.RawMessage) (TypingEvent, error) {
	var p TypingEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", EventTyping, err)
	}
	if p.Username == "" {
		return p, malformed(EventTyping, "missing username")
	}
	return p, nil
}

func decodeStopTyping(payload json.RawMessage) (StopTypingEvent, error) {
	var p StopTypingEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", EventStopTyping, err)
	}
	if p.Username == "" {
		return p, malformed(EventStopTyping, "missing username")
	}
	return p, nil
}

func decodeOrderStatus(payload json.RawMessage) (OrderStatusUpdateEvent, error) {
	var p OrderStatusUpdateEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", EventOrderStatusUpdate, err)
	}
	if p.OrderID == "" || p.Status == "" {
		return p, malformed(EventOrderStatusUpdate, "missing orderId or status")
	}
	return p, nil
}

func decodeRiderAssigned(payload json.RawMessage) (RiderAssignedEvent, error) {
	var p RiderAssignedEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", EventRiderAssigned, err)
	}
	if p.OrderID == "" || p.Rider.ID == "" {
		return p, malformed(EventRiderAssigned, "missing orderId or rider")
	}
	return p, nil
}

func decodeRiderLocation(payload json.RawMessage) (RiderLocationEvent, error) {
	var p RiderLocationEvent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", EventRiderLocation, err)
	}
	if p.OrderID == "" {
		return p, malformed(EventRiderLocation, "missing orderId")
	}
	return p, nil
}

// subscribe registers a typed handler; payloads that fail decode are
// counted and logged, never delivered.
func subscribe[T any](src EventSource, log zerolog.Logger, event string, decode func(json.RawMessage) (T, error), h func(T)) func() {
	return src.On(event, func(payload json.RawMessage) {
		v, err := decode(payload)
		if err != nil {
			reason := "invalid"
			if !errors.Is(err, ErrMalformedEvent) {
				reason = "decode"
			}
			metrics.EventsDiscarded.WithLabelValues(event, reason).Inc()
			log.Debug().Err(err).Str("event", event).Msg("discarding event")
			return
		}
		h(v)
	})
}

// OnNewMessage registers a typed handler for newMessage events.
func OnNewMessage(src EventSource, log zerolog.Logger, h func(Message)) func() {
	return subscribe(src, log, EventNewMessage, decodeNewMessage, h)
}

// OnTyping registers a typed handler for typing events.
func OnTyping(src EventSource, log zerolog.Logger, h func(TypingEvent)) func() {
	return subscribe(src, log, EventTyping, decodeTyping, h)
}

// OnStopTyping registers a typed handler for stopTyping events.
func OnStopTyping(src EventSource, log zerolog.Logger, h func(StopTypingEvent)) func() {
	return subscribe(src, log, EventStopTyping, decodeStopTyping, h)
}

// OnOrderStatusUpdate registers a typed handler for orderStatusUpdate events.
func OnOrderStatusUpdate(src EventSource, log zerolog.Logger, h func(OrderStatusUpdateEvent)) func() {
	return subscribe(src, log, EventOrderStatusUpdate, decodeOrderStatus, h)
}

// OnRiderAssigned registers a typed handler for riderAssigned events.
func OnRiderAssigned(src EventSource, log zerolog.Logger, h func(RiderAssignedEvent)) func() {
	return subscribe(src, log, EventRiderAssigned, decodeRiderAssigned, h)
}

// OnRiderLocation registers a typed handler for riderLocation events.
func OnRiderLocation(src EventSource, log zerolog.Logger, h func(RiderLocationEvent)) func() {
	return subscribe(src, log, EventRiderLocation, decodeRiderLocation, h)
}
