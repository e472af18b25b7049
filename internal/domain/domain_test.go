package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/containerd/errdefs"
)

func TestRemoteErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, ErrAuth},
		{400, ErrValidation},
		{404, ErrValidation},
		{422, ErrValidation},
		{409, ErrSyncConflict},
		{502, ErrNetwork},
		{503, ErrNetwork},
		{504, ErrNetwork},
		{500, ErrRemote},
		{418, ErrRemote},
	}
	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", NewRemoteError(tt.status, "msg"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestErrorsMapToErrdefs(t *testing.T) {
	if !errdefs.IsUnauthorized(fmt.Errorf("x: %w", ErrAuth)) {
		t.Error("ErrAuth should be an errdefs unauthorized error")
	}
	if !errdefs.IsInvalidArgument(fmt.Errorf("x: %w", ErrValidation)) {
		t.Error("ErrValidation should be an errdefs invalid argument error")
	}
	if !errdefs.IsConflict(fmt.Errorf("x: %w", ErrSyncConflict)) {
		t.Error("ErrSyncConflict should be an errdefs conflict error")
	}
	if !errdefs.IsUnavailable(fmt.Errorf("x: %w", ErrNetwork)) {
		t.Error("ErrNetwork should be an errdefs unavailable error")
	}
	if !errdefs.IsPermissionDenied(ErrInvalidCredentials) {
		t.Error("ErrInvalidCredentials should be an errdefs permission denied error")
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	if got := NewRemoteError(500, "").Error(); got != "backend returned status 500" {
		t.Errorf("unexpected message %q", got)
	}
	if got := NewRemoteError(404, "product not found").Error(); got != "backend returned status 404: product not found" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestCartStateTotals(t *testing.T) {
	s := CartState{Lines: []CartLine{
		{ProductID: "a", UnitPrice: 2.5, Quantity: 4},
		{ProductID: "b", UnitPrice: 10, Quantity: 1},
	}}
	if s.Total() != 20 {
		t.Errorf("expected total 20, got %v", s.Total())
	}
	if s.ItemCount() != 5 {
		t.Errorf("expected 5 items, got %d", s.ItemCount())
	}
	if s.Find("b") != 1 || s.Find("z") != -1 {
		t.Error("unexpected Find result")
	}

	big := CartState{Lines: []CartLine{{ProductID: "x", UnitPrice: 1, Quantity: MaxQuantity}}}
	if big.Total() != float64(math.MaxInt32) {
		t.Errorf("expected exact total at max quantity, got %v", big.Total())
	}
}

func TestCartStateCloneIsIndependent(t *testing.T) {
	s := CartState{Lines: []CartLine{{ProductID: "a", Quantity: 1}}}
	c := s.Clone()
	c.Lines[0].Quantity = 9
	if s.Lines[0].Quantity != 1 {
		t.Error("clone shares backing array with original")
	}
}

func TestStatusAndOriginText(t *testing.T) {
	data, err := json.Marshal(Session{AccessToken: "secret", Status: StatusAuthenticated})
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	if string(data) != `{"user":null,"status":"authenticated"}` {
		t.Errorf("unexpected session json %s", data)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.Status != StatusAuthenticated || s.AccessToken != "" {
		t.Errorf("unexpected decoded session %+v", s)
	}

	var o Origin
	if err := o.UnmarshalText([]byte("server")); err != nil || o != OriginServer {
		t.Errorf("expected server origin, got %v %v", o, err)
	}
}

func TestRoles(t *testing.T) {
	admin := &User{ID: "1", Role: "Admin"}
	if !admin.IsAdmin() || !admin.HasRole(RoleAdmin) {
		t.Error("expected admin role, case-insensitive")
	}
	var nobody *User
	if nobody.HasRole(RoleUser) {
		t.Error("nil user has no roles")
	}

	s := Session{AccessToken: "t", User: admin, Status: StatusAuthenticated}
	if !s.HasRole(RoleAdmin) {
		t.Error("authenticated admin session should have admin role")
	}
	s.Status = StatusAuthenticating
	if s.HasRole(RoleAdmin) {
		t.Error("roles only apply to authenticated sessions")
	}
}
