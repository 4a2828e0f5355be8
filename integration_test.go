//go:build integration

package khanasathi_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	khanasathi "github.com/nispal155/khanasathi/sdk/golang"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T, name string) string {
	t.Helper()
	tok := os.Getenv(name)
	if tok == "" {
		t.Skipf("%s environment variable is required", name)
	}
	return tok
}

func testBaseURL() string {
	if v := os.Getenv("KHANASATHI_BASE_URL_TEST"); v != "" {
		return v
	}
	return khanasathi.DefaultBaseURL
}

func testOrderID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("KHANASATHI_ORDER_TEST")
	if id == "" {
		t.Skip("KHANASATHI_ORDER_TEST environment variable is required")
	}
	return id
}

func newLiveClient(t *testing.T, tokenVar string) *khanasathi.Client {
	t.Helper()
	return khanasathi.NewClient(token(t, tokenVar), khanasathi.WithBaseURL(testBaseURL()))
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := newLiveClient(t, "KHANASATHI_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
}

func TestIntegration_Chat_HistoryAndSend(t *testing.T) {
	client := newLiveClient(t, "KHANASATHI_TOKEN_TEST")
	room := khanasathi.Room(testOrderID(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	before, err := client.Chat().History(ctx, room)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	t.Logf("History - %d messages", len(before))

	content := uniqueContent("go integration")
	m, err := client.Chat().Send(ctx, room, content, "go-integration-client")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected server-assigned id")
	}
	if m.Content != content {
		t.Errorf("content = %q, want %q", m.Content, content)
	}

	after, err := client.Chat().History(ctx, room)
	if err != nil {
		t.Fatalf("History after send returned error: %v", err)
	}
	found := false
	for _, h := range after {
		if h.ID == m.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("sent message %s not in history", m.ID)
	}

	if err := client.Chat().MarkRead(ctx, room); err != nil {
		t.Errorf("MarkRead returned error: %v", err)
	}
}

func TestIntegration_Orders_Tracking(t *testing.T) {
	client := newLiveClient(t, "KHANASATHI_TOKEN_TEST")
	orderID := testOrderID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := client.Orders().Tracking(ctx, orderID)
	if err != nil {
		var apiErr *khanasathi.APIError
		if errors.As(err, &apiErr) {
			t.Fatalf("Tracking API error: %s", apiErr.Code)
		}
		t.Fatalf("Tracking returned error: %v", err)
	}
	if snap.OrderID != orderID {
		t.Errorf("orderId = %q, want %q", snap.OrderID, orderID)
	}
	t.Logf("Tracking - status=%s updatedAt=%s", snap.Status, snap.UpdatedAt)
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_Realtime_ChatRoundTrip(t *testing.T) {
	alice := newLiveClient(t, "KHANASATHI_TOKEN_TEST")
	bob := newLiveClient(t, "KHANASATHI_TOKEN_TEST_B")
	room := khanasathi.Room(testOrderID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rtA := alice.Realtime(nil)
	if err := rtA.Connect(ctx, alice.Token()); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	defer rtA.Disconnect()
	rtB := bob.Realtime(nil)
	if err := rtB.Connect(ctx, bob.Token()); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	defer rtB.Disconnect()
	t.Logf("Authenticated - a=%s b=%s", rtA.Self().Username, rtB.Self().Username)

	received := make(chan []khanasathi.Message, 16)
	sessB := khanasathi.NewChatSession(khanasathi.ChatSessionConfig{
		Room:       room,
		API:        bob.Chat(),
		Transport:  rtB,
		Registry:   khanasathi.NewRegistry(rtB, zerolog.Nop()),
		OnMessages: func(ms []khanasathi.Message) { received <- ms },
	})
	if err := sessB.Open(ctx); err != nil {
		t.Fatalf("Open B: %v", err)
	}
	defer sessB.Close()

	self := rtA.Self()
	sessA := khanasathi.NewChatSession(khanasathi.ChatSessionConfig{
		Room:       room,
		API:        alice.Chat(),
		Transport:  rtA,
		Registry:   khanasathi.NewRegistry(rtA, zerolog.Nop()),
		SenderID:   self.UserID,
		SenderName: self.Username,
	})
	if err := sessA.Open(ctx); err != nil {
		t.Fatalf("Open A: %v", err)
	}
	defer sessA.Close()

	content := uniqueContent("go realtime")
	sent, err := sessA.Send(ctx, content)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for {
		select {
		case ms := <-received:
			for _, m := range ms {
				if m.ID == sent.ID {
					t.Logf("newMessage - id=%s", m.ID)
					return
				}
			}
		case <-deadline:
			t.Fatal("message not delivered to second participant")
		}
	}
}
