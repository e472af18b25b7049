package api

import (
	"net/http"
	"net/url"

	"github.com/ashureev/storefront-core/internal/cartsync"
	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/go-chi/chi/v5"
)

// CartHandler handles cart and checkout endpoints.
type CartHandler struct {
	*Handler
}

// NewCartHandler creates a new cart handler.
func NewCartHandler(base *Handler) *CartHandler {
	return &CartHandler{Handler: base}
}

// RegisterRoutes registers cart routes.
func (h *CartHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Post("/", h.AddLine)
		r.Delete("/", h.ClearCart)
		r.Post("/merge", h.RetryMerge)
		r.Post("/reload", h.Reload)
		r.Get("/quote", h.GetQuote)
		r.Put("/{productID}", h.UpdateLine)
		r.Delete("/{productID}", h.RemoveLine)
	})
	r.Post("/api/checkout", h.Checkout)
}

type cartResponse struct {
	Lines     []domain.CartLine `json:"lines"`
	Origin    domain.Origin     `json:"origin"`
	Total     float64           `json:"total"`
	ItemCount int               `json:"itemCount"`
	Pending   int               `json:"pending,omitempty"`
}

func viewOf(state domain.CartState) cartResponse {
	lines := state.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return cartResponse{
		Lines:     lines,
		Origin:    state.Origin,
		Total:     state.Total(),
		ItemCount: state.ItemCount(),
	}
}

func (h *Handler) cartView(r *http.Request) cartResponse {
	view := viewOf(h.carts.State())
	pending, err := h.carts.Pending(r.Context())
	if err != nil {
		h.logger.Debug("failed to count pending merge lines", "error", err)
	}
	view.Pending = pending
	return view
}

// productID returns the decoded {productID} path segment.
func productID(r *http.Request) string {
	raw := chi.URLParam(r, "productID")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

type addLineRequest struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Title     string  `json:"title"`
	UnitPrice float64 `json:"unitPrice"`
	ImageRef  string  `json:"imageRef"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

// GetCart returns the current cart.
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.cartView(r))
}

// Reload re-reads the cart from its current origin.
func (h *CartHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Load(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.cartView(r))
}

// AddLine adds a product or increases its quantity.
func (h *CartHandler) AddLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	state, err := h.carts.Add(r.Context(), req.ProductID, req.Quantity, domain.LineMeta{
		Title:     req.Title,
		UnitPrice: req.UnitPrice,
		ImageRef:  req.ImageRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(state))
}

// UpdateLine sets a line's quantity; zero or less removes it.
func (h *CartHandler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	state, err := h.carts.UpdateQuantity(r.Context(), productID(r), req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(state))
}

// RemoveLine deletes a line.
func (h *CartHandler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	state, err := h.carts.Remove(r.Context(), productID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(state))
}

// ClearCart empties the cart.
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	state, err := h.carts.Clear(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(state))
}

// RetryMerge resubmits lines left behind by an interrupted merge.
func (h *CartHandler) RetryMerge(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.RetryMerge(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.cartView(r))
}

// GetQuote prices the current cart.
func (h *CartHandler) GetQuote(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.carts.Quote())
}

// Checkout places an order for the current cart.
func (h *CartHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var order cartsync.Order
	if err := decode(w, r, &order); err != nil {
		h.fail(w, r, err)
		return
	}

	receipt, err := h.carts.Checkout(r.Context(), order)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, receipt)
}
