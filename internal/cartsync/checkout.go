package cartsync

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/ashureev/storefront-core/internal/transport"
	"github.com/tidwall/gjson"
)

// Pricing rules applied at checkout.
const (
	TaxRate               = 0.12
	ShippingFee           = 50.0
	FreeShippingThreshold = 500.0
)

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// Address is a shipping destination.
type Address struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country,omitempty"`
}

// Contact is how the buyer can be reached.
type Contact struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Order is the buyer-supplied part of a checkout.
type Order struct {
	Shipping      Address `json:"shippingAddress"`
	Contact       Contact `json:"contactInfo"`
	PaymentMethod string  `json:"paymentMethod"`
	Notes         string  `json:"notes,omitempty"`
}

// Quote is the price breakdown of a cart.
type Quote struct {
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Shipping float64 `json:"shipping"`
	Total    float64 `json:"total"`
}

// Receipt describes a placed order.
type Receipt struct {
	OrderID string            `json:"orderId"`
	Lines   []domain.CartLine `json:"lines"`
	Quote
}

// FieldErrors maps order fields to what is wrong with them.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return "invalid order: " + strings.Join(parts, "; ")
}

// Unwrap classifies field errors as validation failures.
func (f FieldErrors) Unwrap() error {
	return domain.ErrValidation
}

// Validate checks every required field.
func (o Order) Validate() error {
	errs := FieldErrors{}
	required := map[string]string{
		"firstName":  o.Shipping.FirstName,
		"lastName":   o.Shipping.LastName,
		"address":    o.Shipping.Address,
		"city":       o.Shipping.City,
		"postalCode": o.Shipping.PostalCode,
		"phone":      o.Contact.Phone,
	}
	for field, v := range required {
		if strings.TrimSpace(v) == "" {
			errs[field] = "is required"
		}
	}
	switch email := strings.TrimSpace(o.Contact.Email); {
	case email == "":
		errs["email"] = "is required"
	case !emailPattern.MatchString(email):
		errs["email"] = "is invalid"
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// PriceQuote computes the breakdown for state.
func PriceQuote(state domain.CartState) Quote {
	subtotal := state.Total()
	q := Quote{Subtotal: subtotal, Tax: round2(subtotal * TaxRate)}
	if subtotal > 0 && subtotal <= FreeShippingThreshold {
		q.Shipping = ShippingFee
	}
	q.Total = round2(q.Subtotal + q.Tax + q.Shipping)
	return q
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Quote prices the current cart.
func (s *Service) Quote() Quote {
	return PriceQuote(s.cart.State())
}

type orderRequest struct {
	Order
	Items []domain.CartLine `json:"items"`
	Quote
}

// Checkout places an order for the current cart and then empties it.
// The cart must not be empty and every order field must be valid.
func (s *Service) Checkout(ctx context.Context, order Order) (*Receipt, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	s.lock(ctx)
	defer s.unlock(ctx)

	state := s.cart.State()
	if len(state.Lines) == 0 {
		return nil, fmt.Errorf("checkout: cart is empty: %w", domain.ErrValidation)
	}
	quote := PriceQuote(state)

	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/api/orders",
		Body:   orderRequest{Order: order, Items: state.Lines, Quote: quote},
	})
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("checkout: place order: %w", err)
	}

	receipt := &Receipt{
		OrderID: orderID(resp.Body),
		Lines:   state.Lines,
		Quote:   quote,
	}
	s.logger.Info("order placed", "order_id", receipt.OrderID, "total", quote.Total)

	if _, err := s.clearLocked(ctx); err != nil {
		s.logger.Warn("failed to clear cart after checkout", "order_id", receipt.OrderID, "error", err)
	}
	return receipt, nil
}

func orderID(body []byte) string {
	for _, path := range []string{"_id", "id", "order._id", "order.id"} {
		if v := gjson.GetBytes(body, path).String(); v != "" {
			return v
		}
	}
	return ""
}
