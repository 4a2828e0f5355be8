package khanasathi

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Rooms
// ============================================================================

// RoomKey addresses a real-time room: a whole order, or one thread within it.
type RoomKey struct {
	EntityID string
	ThreadID string
}

// Room returns the key for a whole-entity room.
func Room(entityID string) RoomKey {
	return RoomKey{EntityID: entityID}
}

// Thread returns the key for a thread inside an entity.
func Thread(entityID, threadID string) RoomKey {
	return RoomKey{EntityID: entityID, ThreadID: threadID}
}

// Threaded reports whether the key names a thread rather than a whole entity.
func (k RoomKey) Threaded() bool { return k.ThreadID != "" }

// IsZero reports whether the key is empty.
func (k RoomKey) IsZero() bool { return k.EntityID == "" }

// String renders the wire form "<entityId>" or "<entityId>:<threadId>".
func (k RoomKey) String() string {
	if k.ThreadID == "" {
		return k.EntityID
	}
	return k.EntityID + ":" + k.ThreadID
}

// ParseRoomKey is the inverse of RoomKey.String.
func ParseRoomKey(s string) RoomKey {
	entity, thread, _ := strings.Cut(s, ":")
	return RoomKey{EntityID: entity, ThreadID: thread}
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind distinguishes user chat from server-generated notices.
type MessageKind string

const (
	UserMessage   MessageKind = "user"
	SystemMessage MessageKind = "system"
)

// Message is one entry of a room's chat sequence.
type Message struct {
	ID         string
	ClientID   string
	Room       RoomKey
	SenderID   string
	SenderName string
	SenderRole string
	Content    string
	Kind       MessageKind
	CreatedAt  time.Time
	Confirmed  bool
}

// Optimistic reports whether the message is a local send awaiting the server.
func (m Message) Optimistic() bool { return !m.Confirmed }

// Draft is the user input behind an optimistic send.
type Draft struct {
	Content    string
	SenderID   string
	SenderName string
	SenderRole string
}

// wireMessage is the JSON shape shared by the REST layer and the newMessage event.
type wireMessage struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId,omitempty"`
	EntityID   string `json:"orderId"`
	ThreadID   string `json:"threadId,omitempty"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	SenderRole string `json:"senderRole,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

func (w wireMessage) toMessage() (Message, error) {
	if w.ID == "" {
		return Message{}, malformed("message", "missing id")
	}
	if w.EntityID == "" {
		return Message{}, malformed("message", "missing orderId")
	}
	created, err := parseTime(w.CreatedAt)
	if err != nil {
		return Message{}, malformed("message", "bad createdAt")
	}
	kind := UserMessage
	if w.Type == string(SystemMessage) {
		kind = SystemMessage
	}
	return Message{
		ID:         w.ID,
		ClientID:   w.ClientID,
		Room:       RoomKey{EntityID: w.EntityID, ThreadID: w.ThreadID},
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		SenderRole: w.SenderRole,
		Content:    w.Content,
		Kind:       kind,
		CreatedAt:  created,
		Confirmed:  true,
	}, nil
}

func toWireMessage(m Message) wireMessage {
	return wireMessage{
		ID:         m.ID,
		ClientID:   m.ClientID,
		EntityID:   m.Room.EntityID,
		ThreadID:   m.Room.ThreadID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
		Content:    m.Content,
		Type:       string(m.Kind),
		CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ============================================================================
// Tracking
// ============================================================================

// Rider is the delivery rider assigned to an order.
type Rider struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Location is a rider position.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TrackingSnapshot is the last-known authoritative state of a tracked order.
type TrackingSnapshot struct {
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status"`
	Rider     *Rider          `json:"rider,omitempty"`
	Location  *Location       `json:"location,omitempty"`
	Order     json.RawMessage `json:"order,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ============================================================================
// REST payloads
// ============================================================================

type historyData struct {
	Messages []wireMessage `json:"messages"`
}

type sendData struct {
	Message wireMessage `json:"message"`
}

// SendRequest is the body of a message send.
type SendRequest struct {
	ThreadID string `json:"threadId,omitempty"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// ReadRequest is the body of a mark-read call.
type ReadRequest struct {
	ThreadID string `json:"threadId,omitempty"`
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errEmptyTime
	}
	return time.Parse(time.RFC3339Nano, s)
}
