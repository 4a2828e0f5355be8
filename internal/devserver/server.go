// Package devserver is an in-memory KhanaSathi backend for local
// development and tests: the chat and tracking REST routes plus the /ws
// event socket with rooms.
package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// User is the identity a bearer token resolves to.
type User struct {
	ID       string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// ParseToken resolves "<id>[:<username>[:<role>]]". Any non-empty token is
// accepted; this server does not authenticate.
func ParseToken(token string) (User, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, false
	}
	parts := strings.SplitN(token, ":", 3)
	u := User{ID: parts[0], Username: parts[0], Role: "customer"}
	if len(parts) > 1 && parts[1] != "" {
		u.Username = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		u.Role = parts[2]
	}
	return u, true
}

// Message is a stored chat message in wire form.
type Message struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId,omitempty"`
	OrderID    string `json:"orderId"`
	ThreadID   string `json:"threadId,omitempty"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	SenderRole string `json:"senderRole,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"createdAt"`
}

// Rider is the rider attached to a tracked order.
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

// Tracking is the stored tracking snapshot of an order.
type Tracking struct {
	OrderID   string          `json:"orderId"`
	Status    string          `json:"status"`
	Rider     *Rider          `json:"rider,omitempty"`
	Location  *Location       `json:"location,omitempty"`
	Order     json.RawMessage `json:"order,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// Server holds all state in memory.
type Server struct {
	log zerolog.Logger
	hub *hub
	now func() time.Time

	mu        sync.Mutex
	messages  map[string][]Message
	reads     map[string]time.Time
	tracking  map[string]Tracking
	failSends bool
	noEcho    bool
}

// New creates an empty server.
func New(log zerolog.Logger) *Server {
	log = log.With().Str("component", "devserver").Logger()
	return &Server{
		log:      log,
		hub:      newHub(log),
		now:      time.Now,
		messages: make(map[string][]Message),
		reads:    make(map[string]time.Time),
		tracking: make(map[string]Tracking),
	}
}

// Handler returns the router serving REST and /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/api/health", s.health)
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/api/chat/{entityId}/messages", s.history)
		r.Post("/api/chat/{entityId}/messages", s.send)
		r.Post("/api/chat/{entityId}/read", s.markRead)
		r.Get("/api/orders/{orderId}/tracking", s.getTracking)
	})
	return r
}

// ============================================================================
// Test and demo controls
// ============================================================================

// FailSends makes every message send fail with 503 until reset.
func (s *Server) FailSends(fail bool) {
	s.mu.Lock()
	s.failSends = fail
	s.mu.Unlock()
}

// OmitClientIDs strips client correlation ids from stored and broadcast
// messages, as an older backend would.
func (s *Server) OmitClientIDs(omit bool) {
	s.mu.Lock()
	s.noEcho = omit
	s.mu.Unlock()
}

// Post stores a message from user and broadcasts it, as if another
// participant had sent it.
func (s *Server) Post(orderID, threadID string, from User, content, clientID string) Message {
	s.mu.Lock()
	if s.noEcho {
		clientID = ""
	}
	m := Message{
		ID:         ulid.Make().String(),
		ClientID:   clientID,
		OrderID:    orderID,
		ThreadID:   threadID,
		SenderID:   from.ID,
		SenderName: from.Username,
		SenderRole: from.Role,
		Content:    content,
		Type:       "user",
		CreatedAt:  s.now().UTC().Format(time.RFC3339Nano),
	}
	s.messages[orderID] = append(s.messages[orderID], m)
	s.mu.Unlock()

	s.hub.broadcast(roomKey(orderID, threadID), "newMessage", m, "")
	return m
}

// Messages returns the stored messages of an order.
func (s *Server) Messages(orderID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[orderID]...)
}

// LastRead returns when user last marked the room read.
func (s *Server) LastRead(userID, orderID, threadID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.reads[userID+"/"+roomKey(orderID, threadID)]
	return t, ok
}

// Members returns the number of sockets joined to room.
func (s *Server) Members(room string) int {
	return s.hub.members(room)
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	return s.hub.count()
}

// DropConnections closes every socket, forcing clients to reconnect.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

// SetTracking stores a snapshot without broadcasting it.
func (s *Server) SetTracking(t Tracking) {
	s.mu.Lock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now().UTC()
	}
	s.tracking[t.OrderID] = t
	s.mu.Unlock()
}

// PushStatus updates an order status and broadcasts orderStatusUpdate.
func (s *Server) PushStatus(orderID, status string, order json.RawMessage) {
	s.mu.Lock()
	t := s.tracking[orderID]
	t.OrderID = orderID
	t.Status = status
	if order != nil {
		t.Order = order
	}
	t.UpdatedAt = s.now().UTC()
	s.tracking[orderID] = t
	s.mu.Unlock()

	s.hub.broadcast(orderID, "orderStatusUpdate", map[string]any{
		"orderId":   orderID,
		"status":    status,
		"order":     order,
		"updatedAt": t.UpdatedAt,
	}, "")
}

// AssignRider attaches a rider and broadcasts riderAssigned.
func (s *Server) AssignRider(orderID string, rider Rider) {
	s.mu.Lock()
	t := s.tracking[orderID]
	t.OrderID = orderID
	t.Rider = &rider
	t.UpdatedAt = s.now().UTC()
	s.tracking[orderID] = t
	s.mu.Unlock()

	s.hub.broadcast(orderID, "riderAssigned", map[string]any{
		"orderId":   orderID,
		"rider":     rider,
		"updatedAt": t.UpdatedAt,
	}, "")
}

// MoveRider updates the rider position and broadcasts riderLocation.
func (s *Server) MoveRider(orderID string, lat, lng float64) {
	s.mu.Lock()
	t := s.tracking[orderID]
	t.OrderID = orderID
	t.Location = &Location{Lat: lat, Lng: lng}
	t.UpdatedAt = s.now().UTC()
	s.tracking[orderID] = t
	s.mu.Unlock()

	s.hub.broadcast(orderID, "riderLocation", map[string]any{
		"orderId":   orderID,
		"lat":       lat,
		"lng":       lng,
		"updatedAt": t.UpdatedAt,
	}, "")
}

// ============================================================================
// REST handlers
// ============================================================================

func roomKey(orderID, threadID string) string {
	if threadID == "" {
		return orderID
	}
	return orderID + ":" + threadID
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: message}})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.count(),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "entityId")
	threadID := r.URL.Query().Get("threadId")

	s.mu.Lock()
	out := make([]Message, 0)
	for _, m := range s.messages[orderID] {
		if threadID == "" || m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type sendBody struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
	ClientID string `json:"clientId"`
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "entityId")
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "content is required")
		return
	}

	s.mu.Lock()
	fail := s.failSends
	s.mu.Unlock()
	if fail {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "message store unavailable")
		return
	}

	m := s.Post(orderID, body.ThreadID, userFrom(r), body.Content, body.ClientID)
	writeJSON(w, http.StatusCreated, map[string]any{"message": m})
}

type readBody struct {
	ThreadID string `json:"threadId"`
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "entityId")
	var body readBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
			return
		}
	}
	u := userFrom(r)

	s.mu.Lock()
	s.reads[u.ID+"/"+roomKey(orderID, body.ThreadID)] = s.now()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"read": true})
}

func (s *Server) getTracking(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	s.mu.Lock()
	t, ok := s.tracking[orderID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "order "+orderID+" is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
