package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

type buyerPayload struct{ principal string }

func (b buyerPayload) SubjectPrincipal() string { return b.principal }

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend(t *testing.T) {
	h := testHub()

	tests := []struct {
		name  string
		sub   Subscription
		event Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, Event{Type: EventSweepCompleted}, true},
		{"empty subscription", Subscription{}, Event{Type: EventLifecycleChanged}, true},
		{"type match", Subscription{EventTypes: []EventType{EventLifecycleChanged}}, Event{Type: EventLifecycleChanged}, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventLifecycleChanged}}, Event{Type: EventBuyerRefreshed}, false},
		{"principal match", Subscription{Principals: []string{"alice"}}, Event{Type: EventBuyerRefreshed, Principal: "alice"}, true},
		{"principal mismatch", Subscription{Principals: []string{"alice"}}, Event{Type: EventBuyerRefreshed, Principal: "bob"}, false},
		{"sale-wide event passes principal filter", Subscription{Principals: []string{"alice"}}, Event{Type: EventSweepCompleted}, true},
		{"type and principal", Subscription{
			EventTypes: []EventType{EventBuyerRefreshed},
			Principals: []string{"alice"},
		}, Event{Type: EventBuyerRefreshed, Principal: "alice"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			event := tt.event
			if got := h.shouldSend(client, &event); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Hub loop tests
// ---------------------------------------------------------------------------

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func registerClient(h *Hub, sub Subscription) *Client {
	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  sub,
	}
	h.register <- client
	return client
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 || stats["totalEvents"].(int64) != 0 {
		t.Errorf("unexpected initial stats %v", stats)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	client := registerClient(h, Subscription{AllEvents: true})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishTagsPrincipal(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }
	client := registerClient(h, Subscription{AllEvents: true})

	h.Publish(string(EventBuyerRefreshed), buyerPayload{principal: "alice"})

	select {
	case msg := <-client.send:
		var got struct {
			Type      string    `json:"type"`
			Principal string    `json:"principal"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != "buyer_refreshed" || got.Principal != "alice" || !got.Timestamp.Equal(fixed) {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	client := registerClient(h, Subscription{Principals: []string{"alice"}})

	h.Publish(string(EventBuyerRefreshed), buyerPayload{principal: "bob"})
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Fatal("Client should NOT receive another buyer's event")
	default:
	}

	h.Publish(string(EventLifecycleChanged), map[string]any{"to": "committed"})
	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), "committed") {
			t.Errorf("unexpected message %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Client should receive sale-wide events")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	client := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.Publish(string(EventSweepCompleted), nil)
	time.Sleep(100 * time.Millisecond)

	if n := h.Stats()["connectedClients"].(int); n != 0 {
		t.Errorf("slow client still connected (%d)", n)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}
	if h.Running() {
		t.Error("hub reports running after stop")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	sub, _ := json.Marshal(Subscription{EventTypes: []EventType{EventSweepCompleted}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(string(EventLifecycleChanged), nil)
	h.Publish(string(EventSweepCompleted), map[string]any{"complete": true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"sweep_completed"`) {
		t.Errorf("expected only the subscribed event first, got %s", msg)
	}
}
