package cartsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/storefront-core/internal/domain"
)

func validOrder() Order {
	return Order{
		Shipping: Address{
			FirstName:  "Ann",
			LastName:   "Lee",
			Address:    "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
		},
		Contact:       Contact{Email: "ann@example.com", Phone: "555-0100"},
		PaymentMethod: "card",
	}
}

func TestOrderValidate(t *testing.T) {
	if err := validOrder().Validate(); err != nil {
		t.Fatalf("expected valid order, got %v", err)
	}

	o := validOrder()
	o.Shipping.City = " "
	o.Contact.Email = "not-an-email"
	err := o.Validate()
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var fields FieldErrors
	if !errors.As(err, &fields) {
		t.Fatalf("expected FieldErrors, got %T", err)
	}
	if fields["city"] != "is required" || fields["email"] != "is invalid" || len(fields) != 2 {
		t.Errorf("unexpected field errors: %v", fields)
	}
}

func TestPriceQuote(t *testing.T) {
	tests := []struct {
		name  string
		lines []domain.CartLine
		want  Quote
	}{
		{"empty", nil, Quote{}},
		{
			"with shipping",
			[]domain.CartLine{{ProductID: "A", UnitPrice: 100, Quantity: 2}, {ProductID: "B", UnitPrice: 50, Quantity: 1}},
			Quote{Subtotal: 250, Tax: 30, Shipping: ShippingFee, Total: 330},
		},
		{
			"threshold still pays shipping",
			[]domain.CartLine{{ProductID: "A", UnitPrice: 500, Quantity: 1}},
			Quote{Subtotal: 500, Tax: 60, Shipping: ShippingFee, Total: 610},
		},
		{
			"free shipping",
			[]domain.CartLine{{ProductID: "A", UnitPrice: 300, Quantity: 2}},
			Quote{Subtotal: 600, Tax: 72, Shipping: 0, Total: 672},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriceQuote(domain.CartState{Lines: tt.lines})
			if got != tt.want {
				t.Errorf("PriceQuote = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Checkout(context.Background(), validOrder()); !domain.IsValidation(err) {
		t.Errorf("expected validation error for empty cart, got %v", err)
	}
	if len(h.backend.Orders()) != 0 {
		t.Error("no order should be placed")
	}
}

func TestCheckoutInvalidOrderSkipsBackend(t *testing.T) {
	h := newHarness(t)
	mustAdd(t, h.svc, "A", 1, mug)

	o := validOrder()
	o.Contact.Phone = ""
	if _, err := h.svc.Checkout(context.Background(), o); !domain.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if h.backend.Requests() != 0 {
		t.Errorf("expected no backend calls, got %d", h.backend.Requests())
	}
}

func TestCheckoutPlacesOrderAndClearsCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, login, password); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	mustAdd(t, h.svc, "A", 2, mug)
	mustAdd(t, h.svc, "B", 1, poster)

	receipt, err := h.svc.Checkout(ctx, validOrder())
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if receipt.OrderID != "order-1" {
		t.Errorf("expected order-1, got %q", receipt.OrderID)
	}
	if receipt.Total != 330 || len(receipt.Lines) != 2 {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	orders := h.backend.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	var placed struct {
		Items           []domain.CartLine `json:"items"`
		Total           float64           `json:"total"`
		ShippingAddress Address           `json:"shippingAddress"`
	}
	if err := json.Unmarshal(orders[0], &placed); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if len(placed.Items) != 2 || placed.Total != 330 || placed.ShippingAddress.City != "Springfield" {
		t.Errorf("unexpected order body: %+v", placed)
	}

	if len(h.svc.State().Lines) != 0 || len(h.backend.Cart(userID)) != 0 {
		t.Error("expected cart cleared after checkout")
	}
}
