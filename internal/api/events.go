package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/storefront-core/internal/events"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// EventsHandler streams change notifications over a websocket.
type EventsHandler struct {
	*Handler
	hub            *events.Hub
	originPatterns []string
}

// NewEventsHandler creates a handler accepting websocket clients from originPatterns.
func NewEventsHandler(base *Handler, hub *events.Hub, originPatterns []string) *EventsHandler {
	return &EventsHandler{Handler: base, hub: hub, originPatterns: originPatterns}
}

// RegisterRoutes registers the websocket route.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/events", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and streams events until the client leaves.
// The first two messages are the current session and cart.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			h.logger.Debug("websocket close", "error", closeErr)
		}
	}()

	s := h.sessions.Session()
	c := h.carts.State()
	err = h.hub.Stream(r.Context(), ws,
		events.Event{Type: events.TypeSession, Session: &s},
		events.Event{Type: events.TypeCart, Cart: &c},
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		h.logger.Debug("event stream ended", "error", err)
	}
}
