// Package events fans session and cart change notifications out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/coder/websocket"
)

// Type names the kind of change an Event carries.
type Type string

const (
	// TypeSession is published after every session transition.
	TypeSession Type = "session"
	// TypeCart is published after every committed cart change.
	TypeCart Type = "cart"
	// TypeSyncConflict is published when a login merge stops partway.
	TypeSyncConflict Type = "sync_conflict"
)

// Event is one change notification.
type Event struct {
	Type    Type              `json:"type"`
	Session *domain.Session   `json:"session,omitempty"`
	Cart    *domain.CartState `json:"cart,omitempty"`
	Pending int               `json:"pending,omitempty"`
	At      time.Time         `json:"at"`
}

// Publisher accepts change notifications. A nil Publisher is not allowed; use Discard.
type Publisher interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

// Hub delivers events to in-process subscribers and websocket clients.
// Slow subscribers lose events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	conns  map[*websocket.Conn]chan Event
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]chan Event),
		conns:  make(map[*websocket.Conn]chan Event),
		logger: logger,
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Debug("dropping event for slow subscriber", "subscriber", id, "type", e.Type)
		}
	}
	for _, ch := range h.conns {
		select {
		case ch <- e:
		default:
			h.logger.Debug("dropping event for slow websocket client", "type", e.Type)
		}
	}
}

// Subscribe returns a channel of future events and a function that ends the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Count returns the number of live subscribers, websocket clients included.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs) + len(h.conns)
}

func (h *Hub) register(conn *websocket.Conn) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	h.logger.Info("event stream client registered", "clients", h.Count())
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.logger.Info("event stream client unregistered")
}

// Stream writes events to conn until ctx ends or the client goes away.
// initial, when non-empty, is written first so a client starts from current state.
func (h *Hub) Stream(ctx context.Context, conn *websocket.Conn, initial ...Event) error {
	ch := h.register(conn)
	defer h.unregister(conn)

	// Reads are only needed to observe the close handshake.
	ctx = conn.CloseRead(ctx)

	for _, e := range initial {
		if err := writeEvent(ctx, conn, e); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-ch:
			if err := writeEvent(ctx, conn, e); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
