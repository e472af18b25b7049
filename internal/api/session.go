package api

import (
	"net/http"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/session"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles sign-in endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/login", h.Login)
		r.Post("/register", h.Register)
		r.Post("/logout", h.Logout)
	})
}

type sessionResponse struct {
	Session   domain.Session `json:"session"`
	Cart      cartResponse   `json:"cart"`
	SyncError string         `json:"syncError,omitempty"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// GetSession returns the current session snapshot.
func (h *SessionHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sessions.Session())
}

// Login signs in. A cart merge that stops partway still answers 200 with the
// error in syncError; the session is authenticated either way.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	_, err := h.sessions.Login(r.Context(), req.Login, req.Password)
	h.respondSignedIn(w, r, http.StatusOK, err)
}

// Register creates an account and signs into it.
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req session.RegisterRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	_, err := h.sessions.Register(r.Context(), req)
	h.respondSignedIn(w, r, http.StatusCreated, err)
}

func (h *SessionHandler) respondSignedIn(w http.ResponseWriter, r *http.Request, status int, err error) {
	s := h.sessions.Session()
	if err != nil && !(domain.IsSyncConflict(err) && s.IsAuthenticated()) {
		h.fail(w, r, err)
		return
	}

	resp := sessionResponse{Session: s, Cart: h.cartView(r)}
	if err != nil {
		resp.SyncError = err.Error()
	}
	JSON(w, status, resp)
}

// Logout ends the session. Local state is cleared even when the backend is unreachable.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		h.logger.Warn("logout left persisted state behind", "error", err)
	}
	JSON(w, http.StatusOK, sessionResponse{Session: h.sessions.Session(), Cart: h.cartView(r)})
}
