package transport

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestDecodeCartShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"lines", `{"lines":[{"productId":"p1","title":"Mug","unitPrice":12.5,"quantity":2,"imageRef":"mug.png"}]}`},
		{"items", `{"items":[{"productId":"p1","title":"Mug","unitPrice":12.5,"quantity":2,"imageRef":"mug.png"}]}`},
		{"products", `{"products":[{"product":{"_id":"p1","title":"Mug","price":12.5,"images":["mug.png"]},"quantity":2}]}`},
		{"array", `[{"productId":"p1","title":"Mug","price":12.5,"quantity":2,"image":"mug.png"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := DecodeCart([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeCart failed: %v", err)
			}
			if len(lines) != 1 {
				t.Fatalf("expected 1 line, got %d", len(lines))
			}
			l := lines[0]
			if l.ProductID != "p1" || l.Title != "Mug" || l.UnitPrice != 12.5 || l.Quantity != 2 || l.ImageRef != "mug.png" {
				t.Errorf("unexpected line: %+v", l)
			}
		})
	}
}

func TestDecodeCartDropsInvalidLines(t *testing.T) {
	body := `{"lines":[{"productId":"","quantity":1},{"productId":"p2","quantity":0},{"productId":"p3","quantity":1}]}`
	lines, err := DecodeCart([]byte(body))
	if err != nil {
		t.Fatalf("DecodeCart failed: %v", err)
	}
	if len(lines) != 1 || lines[0].ProductID != "p3" {
		t.Errorf("expected only p3, got %+v", lines)
	}
}

func TestDecodeCartEmptyAndInvalid(t *testing.T) {
	if lines, err := DecodeCart(nil); err != nil || len(lines) != 0 {
		t.Errorf("expected empty cart for empty body, got %v %v", lines, err)
	}
	if lines, err := DecodeCart([]byte(`{"message":"ok"}`)); err != nil || len(lines) != 0 {
		t.Errorf("expected empty cart for unknown shape, got %v %v", lines, err)
	}
	if _, err := DecodeCart([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestDecodeUserAcceptsBothIDKeys(t *testing.T) {
	for _, body := range []string{
		`{"id":"u1","username":"ann","email":"a@x.io","role":"admin"}`,
		`{"_id":"u1","username":"ann","email":"a@x.io","role":"admin"}`,
	} {
		u := DecodeUser(gjson.Parse(body))
		if u == nil || u.ID != "u1" || u.Username != "ann" || u.Role != "admin" {
			t.Errorf("unexpected user from %s: %+v", body, u)
		}
	}
	if u := DecodeUser(gjson.Parse(`"nope"`)); u != nil {
		t.Errorf("expected nil user for non-object, got %+v", u)
	}
}

func TestDecodeAuth(t *testing.T) {
	token, user, err := DecodeAuth([]byte(`{"accessToken":"t1","user":{"_id":"u1"}}`))
	if err != nil {
		t.Fatalf("DecodeAuth failed: %v", err)
	}
	if token != "t1" || user == nil || user.ID != "u1" {
		t.Errorf("unexpected result: %q %+v", token, user)
	}

	token, user, err = DecodeAuth([]byte(`{"accessToken":"t2"}`))
	if err != nil || token != "t2" || user != nil {
		t.Errorf("expected token without user, got %q %+v %v", token, user, err)
	}

	if _, _, err := DecodeAuth([]byte(`{"user":{}}`)); err == nil {
		t.Error("expected error when accessToken is missing")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := map[string]string{
		`{"message":"bad"}`:            "bad",
		`{"error":"worse"}`:            "worse",
		`{"error":{"message":"deep"}}`: "deep",
		`plain text`:                   "plain text",
		`{}`:                           "",
	}
	for body, want := range tests {
		if got := errorMessage([]byte(body)); got != want {
			t.Errorf("errorMessage(%s) = %q, want %q", body, got, want)
		}
	}
}
