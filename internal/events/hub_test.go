package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/coder/websocket"
)

func TestHubSubscribe(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: TypeSession, Session: &domain.Session{Status: domain.StatusAuthenticated}})

	select {
	case e := <-ch:
		if e.Type != TypeSession || e.Session.Status != domain.StatusAuthenticated {
			t.Errorf("unexpected event %+v", e)
		}
		if e.At.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	h.Publish(Event{Type: TypeCart})
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	if h.Count() != 0 {
		t.Errorf("expected no subscribers, got %d", h.Count())
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(nil)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(Event{Type: TypeCart})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHubStreamWebSocket(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_ = h.Stream(r.Context(), conn, Event{Type: TypeSession, Session: &domain.Session{}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	readEvent := func() Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		return e
	}

	if e := readEvent(); e.Type != TypeSession {
		t.Fatalf("expected initial session event, got %s", e.Type)
	}

	// Wait for the stream to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	h.Publish(Event{Type: TypeCart, Cart: &domain.CartState{Lines: []domain.CartLine{{ProductID: "p", Quantity: 1}}}})

	e := readEvent()
	if e.Type != TypeCart || e.Cart == nil || len(e.Cart.Lines) != 1 {
		t.Errorf("unexpected cart event %+v", e)
	}
}
