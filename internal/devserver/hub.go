package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

type client struct {
	id     string
	user   User
	conn   *websocket.Conn
	outbox chan []byte
	cancel context.CancelFunc
}

// hub tracks sockets and room membership. Slow clients whose outbox is full
// are disconnected rather than blocking a broadcast.
type hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]map[string]*client
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
}

func encode(event string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: event, Payload: p})
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*client)
		h.rooms[room] = members
	}
	members[c.id] = c
}

func (h *hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// broadcast sends to every member of room except the client with id skip.
func (h *hub) broadcast(room, event string, payload any, skip string) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != skip {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.outbox <- data:
		default:
			h.log.Warn().Str("client", c.id).Msg("outbox full, dropping client")
			c.cancel()
		}
	}
}

func (h *hub) members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) dropAll() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.cancel()
	}
}

// ============================================================================
// Socket handler
// ============================================================================

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := ParseToken(r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("accept failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:     uuid.NewString(),
		user:   user,
		conn:   conn,
		outbox: make(chan []byte, 64),
		cancel: cancel,
	}

	hello, _ := encode("authenticated", user)
	c.outbox <- hello

	s.hub.add(c)
	defer func() {
		s.hub.remove(c)
		cancel()
		conn.Close(websocket.StatusNormalClosure, "bye")
		s.log.Debug().Str("client", c.id).Str("user", user.Username).Msg("socket closed")
	}()
	s.log.Debug().Str("client", c.id).Str("user", user.Username).Msg("socket opened")

	go s.writeLoop(ctx, c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		var p roomPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Room == "" {
			continue
		}

		switch f.Type {
		case "join":
			s.hub.join(c, p.Room)
		case "leave":
			s.hub.leave(c, p.Room)
		case "typing", "stopTyping":
			s.hub.broadcast(p.Room, f.Type, map[string]string{
				"room":     p.Room,
				"username": user.Username,
			}, c.id)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "server closing")
			return
		case data := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
