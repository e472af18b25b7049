package domain

import "math"

// MaxQuantity is the largest quantity a single cart line may hold.
const MaxQuantity = math.MaxInt32

// Origin identifies which store is authoritative for the cart.
type Origin int

const (
	// OriginLocal means the cart lives in client-side durable storage.
	OriginLocal Origin = iota
	// OriginServer means the backend cart is authoritative.
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "local"
}

// MarshalText renders the origin as its lowercase name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// CartLine is a single product entry in the cart.
type CartLine struct {
	ProductID string  `json:"productId"`
	Title     string  `json:"title"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
	ImageRef  string  `json:"imageRef,omitempty"`
}

// LineMeta carries the display metadata attached to a new cart line.
type LineMeta struct {
	Title     string
	UnitPrice float64
	ImageRef  string
}

// Subtotal returns unit price times quantity for the line.
func (l CartLine) Subtotal() float64 {
	return l.UnitPrice * float64(l.Quantity)
}

// CartState is the ordered list of lines plus the store that owns them.
type CartState struct {
	Lines  []CartLine `json:"lines"`
	Origin Origin     `json:"origin"`
}

// Total sums unit price times quantity over all lines.
func (s CartState) Total() float64 {
	var total float64
	for _, l := range s.Lines {
		total += l.Subtotal()
	}
	return total
}

// ItemCount sums quantities over all lines.
func (s CartState) ItemCount() int {
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

// Find returns the index of the line for productID, or -1.
func (s CartState) Find(productID string) int {
	for i := range s.Lines {
		if s.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Clone returns a copy that shares no backing array with s.
func (s CartState) Clone() CartState {
	out := CartState{Origin: s.Origin}
	if s.Lines != nil {
		out.Lines = append(make([]CartLine, 0, len(s.Lines)), s.Lines...)
	}
	return out
}

// UnmarshalText parses an origin name; unknown names map to local.
func (o *Origin) UnmarshalText(text []byte) error {
	if string(text) == "server" {
		*o = OriginServer
	} else {
		*o = OriginLocal
	}
	return nil
}
