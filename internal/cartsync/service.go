// Package cartsync keeps the cart consistent between local persistence and the
// backend, including the one-time merge of an anonymous cart on sign-in.
package cartsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ashureev/storefront-core/internal/cart"
	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/events"
	"github.com/ashureev/storefront-core/internal/metrics"
	"github.com/ashureev/storefront-core/internal/store"
	"github.com/ashureev/storefront-core/internal/transport"
)

// Sender issues backend requests. *transport.Pipeline implements it.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Service routes cart mutations to local storage or the backend depending on
// the cart's origin. All mutations and merges are serialised.
type Service struct {
	cart   *cart.Store
	kv     store.Store
	sender Sender
	events events.Publisher
	logger *slog.Logger

	mu           sync.Mutex
	pendingLocal atomic.Bool
}

// New creates a service with an empty local cart. Call Load to read persisted lines.
func New(kv store.Store, sender Sender, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cart:   cart.NewStore(domain.OriginLocal),
		kv:     kv,
		sender: sender,
		events: pub,
		logger: logger,
	}
}

// lock acquires the mutation lock and applies a deferred switch to local origin.
func (s *Service) lock(ctx context.Context) {
	s.mu.Lock()
	if s.pendingLocal.Swap(false) {
		s.adoptLocalLocked(ctx)
	}
}

// unlock releases the mutation lock. A switch to local origin requested while
// the lock was held is applied before release, or by whoever acquires it next.
func (s *Service) unlock(ctx context.Context) {
	for {
		if s.pendingLocal.Swap(false) {
			s.adoptLocalLocked(ctx)
		}
		s.mu.Unlock()
		if !s.pendingLocal.Load() || !s.mu.TryLock() {
			return
		}
	}
}

// State returns a snapshot of the cart.
func (s *Service) State() domain.CartState {
	return s.cart.State()
}

// Total is the sum of line subtotals.
func (s *Service) Total() float64 {
	return s.cart.Total()
}

// ItemCount is the sum of line quantities.
func (s *Service) ItemCount() int {
	return s.cart.ItemCount()
}

// Pending returns the number of local lines still waiting to be merged into the
// server cart. It is zero unless a merge stopped partway.
func (s *Service) Pending(ctx context.Context) (int, error) {
	if s.cart.Origin() != domain.OriginServer {
		return 0, nil
	}
	lines, err := s.loadLocal(ctx)
	return len(lines), err
}

// Load reads the cart from its current origin.
func (s *Service) Load(ctx context.Context) error {
	s.lock(ctx)
	defer s.unlock(ctx)

	if s.cart.Origin() == domain.OriginLocal {
		lines, err := s.loadLocal(ctx)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		s.commit(cart.Set{Lines: lines})
		return nil
	}

	lines, err := s.fetchServer(ctx)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	s.commit(cart.Set{Lines: lines})
	return nil
}

// Add increases productID's quantity by qty, appending a new line when absent.
func (s *Service) Add(ctx context.Context, productID string, qty int, meta domain.LineMeta) (domain.CartState, error) {
	productID = strings.TrimSpace(productID)
	switch {
	case productID == "":
		return domain.CartState{}, fmt.Errorf("add to cart: product id is required: %w", domain.ErrValidation)
	case qty < 1 || qty > domain.MaxQuantity:
		return domain.CartState{}, fmt.Errorf("add to cart: quantity %d out of range: %w", qty, domain.ErrValidation)
	case meta.UnitPrice < 0:
		return domain.CartState{}, fmt.Errorf("add to cart: negative unit price: %w", domain.ErrValidation)
	}

	s.lock(ctx)
	defer s.unlock(ctx)

	action := cart.Add{ProductID: productID, Delta: qty, Meta: meta}
	if s.cart.Origin() == domain.OriginLocal {
		return s.writeLocal(ctx, action)
	}
	return s.writeServer(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/api/cart",
		Body:   lineRequest{ProductID: productID, Quantity: qty},
	})
}

// UpdateQuantity sets productID's quantity. A quantity of zero or less removes
// the line. Updating a product that is not in the cart is a validation error.
func (s *Service) UpdateQuantity(ctx context.Context, productID string, qty int) (domain.CartState, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.CartState{}, fmt.Errorf("update cart: product id is required: %w", domain.ErrValidation)
	}
	if qty > domain.MaxQuantity {
		return domain.CartState{}, fmt.Errorf("update cart: quantity %d out of range: %w", qty, domain.ErrValidation)
	}
	if qty <= 0 {
		return s.Remove(ctx, productID)
	}

	s.lock(ctx)
	defer s.unlock(ctx)

	if s.cart.State().Find(productID) < 0 {
		return domain.CartState{}, fmt.Errorf("update cart: product %s is not in the cart: %w", productID, domain.ErrValidation)
	}

	if s.cart.Origin() == domain.OriginLocal {
		return s.writeLocal(ctx, cart.Update{ProductID: productID, Quantity: qty})
	}
	return s.writeServer(ctx, transport.Request{
		Method: http.MethodPut,
		Path:   "/api/cart/" + url.PathEscape(productID),
		Body:   quantityRequest{Quantity: qty},
	})
}

// Remove deletes productID's line. Removing an absent product changes nothing
// and makes no backend call.
func (s *Service) Remove(ctx context.Context, productID string) (domain.CartState, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.CartState{}, fmt.Errorf("remove from cart: product id is required: %w", domain.ErrValidation)
	}

	s.lock(ctx)
	defer s.unlock(ctx)

	current := s.cart.State()
	if current.Find(productID) < 0 {
		return current, nil
	}

	if current.Origin == domain.OriginLocal {
		return s.writeLocal(ctx, cart.Remove{ProductID: productID})
	}
	return s.writeServer(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/api/cart/" + url.PathEscape(productID),
	})
}

// Clear empties the cart in its current origin.
func (s *Service) Clear(ctx context.Context) (domain.CartState, error) {
	s.lock(ctx)
	defer s.unlock(ctx)
	return s.clearLocked(ctx)
}

func (s *Service) clearLocked(ctx context.Context) (domain.CartState, error) {
	if s.cart.Origin() == domain.OriginLocal {
		return s.writeLocal(ctx, cart.Clear{})
	}
	return s.writeServer(ctx, transport.Request{Method: http.MethodDelete, Path: "/api/cart"})
}

// SessionAuthenticated switches the cart to the server, merging any local lines.
// It implements session.Hook.
func (s *Service) SessionAuthenticated(ctx context.Context) error {
	s.lock(ctx)
	defer s.unlock(ctx)
	return s.mergeLocked(ctx)
}

// SessionCleared switches the cart back to local storage. The server cart is
// left untouched. It implements session.Hook and never blocks on the mutation
// lock: when a mutation holds it, the switch happens as that mutation finishes.
func (s *Service) SessionCleared(ctx context.Context) {
	s.pendingLocal.Store(true)
	if s.mu.TryLock() {
		s.unlock(ctx)
	}
}

// RetryMerge resubmits local lines left behind by a merge that stopped partway.
func (s *Service) RetryMerge(ctx context.Context) error {
	s.lock(ctx)
	defer s.unlock(ctx)

	if s.cart.Origin() != domain.OriginServer {
		return fmt.Errorf("retry merge: not signed in: %w", domain.ErrAuth)
	}
	return s.mergeLocked(ctx)
}

// mergeLocked adopts the server cart and submits every local line to it, one
// additive call at a time in insertion order. Local lines are only removed once
// the server has acknowledged them. A line the backend refuses is kept locally
// and the merge moves on; a line with an unknown outcome stops the merge.
func (s *Service) mergeLocked(ctx context.Context) error {
	local, err := s.loadLocal(ctx)
	if err != nil {
		return fmt.Errorf("merge cart: %w", err)
	}

	s.cart.SetOrigin(domain.OriginServer)
	serverLines, err := s.fetchServer(ctx)
	if err != nil {
		s.commit(cart.Set{})
		if len(local) > 0 {
			s.publishConflict(len(local))
			return fmt.Errorf("merge cart: fetch server cart (%d local lines kept): %w: %w", len(local), domain.ErrSyncConflict, err)
		}
		return fmt.Errorf("merge cart: fetch server cart: %w", err)
	}
	s.commit(cart.Set{Lines: serverLines})

	if len(local) == 0 {
		s.logger.Debug("adopted server cart", "lines", len(serverLines))
		return nil
	}

	s.logger.Info("merging local cart", "lines", len(local))
	var rejected []domain.CartLine
	var rejectErr error
	for i, line := range local {
		lines, err := s.post(ctx, line)
		switch {
		case err == nil:
			metrics.MergeLine(true)
			s.commit(cart.Set{Lines: lines})
		case domain.IsValidation(err):
			// Refused outright: keep it locally and move on.
			metrics.MergeLine(false)
			rejected = append(rejected, line)
			rejectErr = err
			s.logger.Warn("backend rejected cart line, keeping it locally", "product_id", line.ProductID, "error", err)
		default:
			metrics.MergeLine(false)
			remaining := joinLines(rejected, local[i:])
			if saveErr := s.saveLocal(ctx, remaining); saveErr != nil {
				s.logger.Error("failed to keep unmerged lines", "error", saveErr)
			}
			s.publishConflict(len(remaining))
			s.logger.Warn("cart merge stopped", "product_id", line.ProductID, "pending", len(remaining), "error", err)
			return fmt.Errorf("merge cart: product %s (%d of %d lines pending): %w: %w",
				line.ProductID, len(remaining), len(local), domain.ErrSyncConflict, err)
		}

		if err := s.saveLocal(ctx, joinLines(rejected, local[i+1:])); err != nil {
			s.logger.Warn("failed to record merge progress", "product_id", line.ProductID, "error", err)
		}
	}

	if len(rejected) > 0 {
		s.publishConflict(len(rejected))
		ids := make([]string, len(rejected))
		for i, l := range rejected {
			ids[i] = l.ProductID
		}
		return fmt.Errorf("merge cart: backend rejected %s (%d of %d lines pending): %w: %w",
			strings.Join(ids, ", "), len(rejected), len(local), domain.ErrSyncConflict, rejectErr)
	}

	s.logger.Info("local cart merged", "lines", len(local))
	return nil
}

func joinLines(a, b []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func (s *Service) post(ctx context.Context, line domain.CartLine) ([]domain.CartLine, error) {
	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/api/cart",
		Body:   lineRequest{ProductID: line.ProductID, Quantity: line.Quantity},
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return transport.DecodeCart(resp.Body)
}

// adoptLocalLocked switches to local origin and reloads persisted lines.
func (s *Service) adoptLocalLocked(ctx context.Context) {
	s.cart.SetOrigin(domain.OriginLocal)
	lines, err := s.loadLocal(ctx)
	if err != nil {
		s.logger.Warn("failed to reload local cart", "error", err)
	}
	s.commit(cart.Set{Lines: lines})
	s.logger.Debug("cart switched to local storage", "lines", len(lines))
}

func (s *Service) writeLocal(ctx context.Context, action cart.Action) (domain.CartState, error) {
	next := s.cart.Preview(action)
	if err := s.saveLocal(ctx, next.Lines); err != nil {
		return domain.CartState{}, fmt.Errorf("save cart: %w", err)
	}
	return s.commit(cart.Set{Lines: next.Lines}), nil
}

func (s *Service) writeServer(ctx context.Context, req transport.Request) (domain.CartState, error) {
	lines, err := s.send(ctx, req)
	if err != nil {
		return domain.CartState{}, err
	}
	return s.commit(cart.Set{Lines: lines}), nil
}

func (s *Service) send(ctx context.Context, req transport.Request) ([]domain.CartLine, error) {
	resp, err := s.sender.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sync cart: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("sync cart: %s %s: %w", req.Method, req.Path, err)
	}
	lines, err := transport.DecodeCart(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sync cart: %w: %w", domain.ErrRemote, err)
	}
	return lines, nil
}

func (s *Service) fetchServer(ctx context.Context) ([]domain.CartLine, error) {
	return s.send(ctx, transport.Request{Method: http.MethodGet, Path: "/api/cart"})
}

func (s *Service) loadLocal(ctx context.Context) ([]domain.CartLine, error) {
	var lines []domain.CartLine
	if _, err := store.GetJSON(ctx, s.kv, store.KeyCart, &lines); err != nil {
		return nil, err
	}
	// Persisted data passes through the reducer so bad lines are dropped.
	return cart.Reduce(domain.CartState{}, cart.Set{Lines: lines}).Lines, nil
}

func (s *Service) saveLocal(ctx context.Context, lines []domain.CartLine) error {
	if len(lines) == 0 {
		return s.kv.Delete(ctx, store.KeyCart)
	}
	return store.SetJSON(ctx, s.kv, store.KeyCart, lines)
}

func (s *Service) commit(action cart.Action) domain.CartState {
	state := s.cart.Dispatch(action)
	published := state.Clone()
	s.events.Publish(events.Event{Type: events.TypeCart, Cart: &published})
	return state
}

func (s *Service) publishConflict(pending int) {
	state := s.cart.State()
	s.events.Publish(events.Event{Type: events.TypeSyncConflict, Cart: &state, Pending: pending})
}

type lineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}
