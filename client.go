// Package khanasathi is the Go client for the KhanaSathi real-time order
// tracking and order chat layer.
//
// A process shares one RealtimeClient; each open chat widget or tracking
// page composes it through a ChatSession or TrackingSession.
//
// Example:
//
//	client := khanasathi.NewClient(token, khanasathi.WithBaseURL("http://localhost:8080"))
//
//	rt := client.Realtime(nil)
//	_ = rt.Connect(ctx, token)
//	rooms := khanasathi.NewRegistry(rt, zerolog.Nop())
//
//	chat := khanasathi.NewChatSession(khanasathi.ChatSessionConfig{
//		Room:      khanasathi.Room("order-42"),
//		API:       client.Chat(),
//		Transport: rt,
//		Registry:  rooms,
//	})
//	_ = chat.Open(ctx)
//	defer chat.Close()
//	chat.Send(ctx, "on my way")
package khanasathi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client defaults; override with WithBaseURL and WithTimeout.
const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the KhanaSathi REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	chat   *ChatClient
	orders *OrdersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger handed to the client and the transports it builds.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = &ChatClient{c: c}
	c.orders = &OrdersClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient { return c.chat }

// Orders returns the orders API sub-client.
func (c *Client) Orders() *OrdersClient { return c.orders }

// Health checks API health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// Realtime builds a transport for the same server. Unset config fields
// inherit the client's HTTP client and logger.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.HTTPClient == nil {
		// Dial deadlines come from the context; a client-wide timeout would
		// also bound the socket lifetime.
		hc := *c.httpClient
		hc.Timeout = 0
		cfg.HTTPClient = &hc
	}
	if cfg.Logger == nil {
		l := c.log
		cfg.Logger = &l
	}
	return NewRealtimeClient(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// do performs a request and unwraps the {ok, data, error} envelope. A
// response with ok=false becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 400 {
			return nil, &APIError{Code: http.StatusText(status), Message: strings.TrimSpace(string(data))}
		}
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "REQUEST_FAILED", Message: fmt.Sprintf("%s %s: status %d", method, path, status)}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat API
// ============================================================================

// ChatClient covers the order chat endpoints.
type ChatClient struct{ c *Client }

func chatPath(room RoomKey, suffix string) string {
	return "/api/chat/" + url.PathEscape(room.EntityID) + suffix
}

func threadQuery(room RoomKey) url.Values {
	if !room.Threaded() {
		return nil
	}
	return url.Values{"threadId": []string{room.ThreadID}}
}

// History fetches the stored messages of a room. Items that fail
// validation are skipped.
func (cc *ChatClient) History(ctx context.Context, room RoomKey) ([]Message, error) {
	res, err := cc.c.do(ctx, http.MethodGet, chatPath(room, "/messages"), nil, threadQuery(room))
	if err != nil {
		return nil, err
	}
	var data historyData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	out := make([]Message, 0, len(data.Messages))
	for _, w := range data.Messages {
		if w.EntityID == "" {
			w.EntityID = room.EntityID
		}
		m, err := w.toMessage()
		if err != nil {
			cc.c.log.Debug().Err(err).Stringer("room", room).Msg("skipping history item")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Send persists a message. clientID is echoed back by the server so the
// socket broadcast can be matched to the optimistic entry.
func (cc *ChatClient) Send(ctx context.Context, room RoomKey, content, clientID string) (Message, error) {
	req := SendRequest{ThreadID: room.ThreadID, Content: content, ClientID: clientID}
	res, err := cc.c.do(ctx, http.MethodPost, chatPath(room, "/messages"), req, nil)
	if err != nil {
		return Message{}, err
	}
	var data sendData
	if err := res.Decode(&data); err != nil {
		return Message{}, fmt.Errorf("decode send: %w", err)
	}
	if data.Message.EntityID == "" {
		data.Message.EntityID = room.EntityID
	}
	if data.Message.ClientID == "" {
		data.Message.ClientID = clientID
	}
	return data.Message.toMessage()
}

// MarkRead marks the room read for the current user.
func (cc *ChatClient) MarkRead(ctx context.Context, room RoomKey) error {
	_, err := cc.c.do(ctx, http.MethodPost, chatPath(room, "/read"), ReadRequest{ThreadID: room.ThreadID}, nil)
	return err
}

// ============================================================================
// Orders API
// ============================================================================

// OrdersClient covers the order tracking endpoint.
type OrdersClient struct{ c *Client }

// Tracking fetches the authoritative tracking snapshot of an order.
func (o *OrdersClient) Tracking(ctx context.Context, orderID string) (TrackingSnapshot, error) {
	res, err := o.c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID)+"/tracking", nil, nil)
	if err != nil {
		return TrackingSnapshot{}, err
	}
	var snap TrackingSnapshot
	if err := res.Decode(&snap); err != nil {
		return TrackingSnapshot{}, fmt.Errorf("decode tracking: %w", err)
	}
	if snap.OrderID == "" {
		snap.OrderID = orderID
	}
	return snap, nil
}
