// Package api provides the loopback HTTP facade over the session and cart core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/storefront-core/internal/cartsync"
	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/session"
)

// SessionService is the session surface the facade needs.
type SessionService interface {
	Session() domain.Session
	Login(ctx context.Context, identifier, secret string) (*domain.User, error)
	Register(ctx context.Context, req session.RegisterRequest) (*domain.User, error)
	Logout(ctx context.Context) error
}

// CartService is the cart surface the facade needs.
type CartService interface {
	State() domain.CartState
	Load(ctx context.Context) error
	Add(ctx context.Context, productID string, qty int, meta domain.LineMeta) (domain.CartState, error)
	UpdateQuantity(ctx context.Context, productID string, qty int) (domain.CartState, error)
	Remove(ctx context.Context, productID string) (domain.CartState, error)
	Clear(ctx context.Context) (domain.CartState, error)
	RetryMerge(ctx context.Context) error
	Pending(ctx context.Context) (int, error)
	Quote() cartsync.Quote
	Checkout(ctx context.Context, order cartsync.Order) (*cartsync.Receipt, error)
}

// Handler provides common handler utilities.
type Handler struct {
	sessions SessionService
	carts    CartService
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions SessionService, carts CartService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, carts: carts, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an error class to an HTTP status.
func StatusFor(err error) int {
	switch {
	case domain.IsSyncConflict(err):
		return http.StatusConflict
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsInvalidCredentials(err), domain.IsAuth(err):
		return http.StatusUnauthorized
	case domain.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Field errors carry their details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	var fields cartsync.FieldErrors
	if errors.As(err, &fields) {
		JSON(w, status, map[string]interface{}{"error": err.Error(), "fields": fields})
		return
	}
	Error(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w: %w", domain.ErrValidation, err)
	}
	return nil
}
