package transport

import (
	"fmt"
	"strings"

	"github.com/ashureev/storefront-core/internal/domain"
	"github.com/tidwall/gjson"
)

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"message", "error", "error.message"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String {
			return r.String()
		}
	}
	return ""
}

// DecodeUser reads a user object, accepting either "id" or "_id".
func DecodeUser(raw gjson.Result) *domain.User {
	if !raw.IsObject() {
		return nil
	}
	id := raw.Get("id").String()
	if id == "" {
		id = raw.Get("_id").String()
	}
	return &domain.User{
		ID:       id,
		Username: raw.Get("username").String(),
		Email:    raw.Get("email").String(),
		Role:     raw.Get("role").String(),
	}
}

// DecodeAuth reads a login, register or refresh answer.
// The user is nil when the answer carries none.
func DecodeAuth(body []byte) (string, *domain.User, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, fmt.Errorf("decode auth response: invalid json")
	}
	token := gjson.GetBytes(body, "accessToken").String()
	if token == "" {
		return "", nil, fmt.Errorf("decode auth response: missing accessToken")
	}
	return token, DecodeUser(gjson.GetBytes(body, "user")), nil
}

// DecodeCart reads a cart answer. Three shapes are accepted:
//
//	{"lines":[{"productId","title","unitPrice","quantity","imageRef"}]}
//	{"items":[...same as lines...]}
//	{"products":[{"product":{"_id","title","price","images":[...]},"quantity"}]}
//
// An empty body or an object with none of these keys is an empty cart.
func DecodeCart(body []byte) ([]domain.CartLine, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return []domain.CartLine{}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode cart response: invalid json")
	}

	root := gjson.ParseBytes(body)
	var list gjson.Result
	switch {
	case root.IsArray():
		list = root
	case root.Get("lines").IsArray():
		list = root.Get("lines")
	case root.Get("items").IsArray():
		list = root.Get("items")
	case root.Get("products").IsArray():
		list = root.Get("products")
	default:
		return []domain.CartLine{}, nil
	}

	lines := make([]domain.CartLine, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		if l, ok := decodeLine(v); ok {
			lines = append(lines, l)
		}
		return true
	})
	return lines, nil
}

func decodeLine(v gjson.Result) (domain.CartLine, bool) {
	l := domain.CartLine{Quantity: int(v.Get("quantity").Int())}

	src := v
	if p := v.Get("product"); p.IsObject() {
		src = p
	} else if p.Exists() {
		l.ProductID = p.String()
	}

	if l.ProductID == "" {
		l.ProductID = firstString(src, "productId", "_id", "id")
	}
	l.Title = src.Get("title").String()
	l.UnitPrice = firstNumber(src, "unitPrice", "price")
	l.ImageRef = firstString(src, "imageRef", "image", "images.0")

	if l.ProductID == "" || l.Quantity <= 0 {
		return domain.CartLine{}, false
	}
	return l, true
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(v gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r.Float()
		}
	}
	return 0
}
