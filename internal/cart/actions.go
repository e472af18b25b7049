// Package cart implements the cart state container as a pure reducer.
//
// Every change to cart lines goes through Reduce (directly or via Store.Dispatch);
// nothing else mutates a line slice. Totals are derived on read.
package cart

import "github.com/ashureev/storefront-core/internal/domain"

// Action is one of the fixed cart transitions: Set, Add, Update, Remove, Clear.
type Action interface {
	reduce(lines []domain.CartLine) []domain.CartLine
}

// Set replaces the entire line list.
type Set struct {
	Lines []domain.CartLine
}

// Add increases the quantity of an existing line or appends a new one at the end.
type Add struct {
	ProductID string
	Delta     int
	Meta      domain.LineMeta
}

// Update replaces a line's quantity; a quantity of zero or less removes the line.
type Update struct {
	ProductID string
	Quantity  int
}

// Remove deletes a line if present.
type Remove struct {
	ProductID string
}

// Clear empties the cart.
type Clear struct{}

func (a Set) reduce(_ []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(a.Lines))
	for _, l := range a.Lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			continue
		}
		if i := indexOf(out, l.ProductID); i >= 0 {
			out[i].Quantity = addQuantity(out[i].Quantity, l.Quantity)
			continue
		}
		if l.Quantity > domain.MaxQuantity {
			l.Quantity = domain.MaxQuantity
		}
		out = append(out, l)
	}
	return out
}

func (a Add) reduce(lines []domain.CartLine) []domain.CartLine {
	i := indexOf(lines, a.ProductID)
	if i < 0 {
		if a.ProductID == "" || a.Delta <= 0 {
			return lines
		}
		q := a.Delta
		if q > domain.MaxQuantity {
			q = domain.MaxQuantity
		}
		return append(lines, domain.CartLine{
			ProductID: a.ProductID,
			Title:     a.Meta.Title,
			UnitPrice: a.Meta.UnitPrice,
			Quantity:  q,
			ImageRef:  a.Meta.ImageRef,
		})
	}
	q := addQuantity(lines[i].Quantity, a.Delta)
	if q <= 0 {
		return removeAt(lines, i)
	}
	lines[i].Quantity = q
	return lines
}

func (a Update) reduce(lines []domain.CartLine) []domain.CartLine {
	i := indexOf(lines, a.ProductID)
	if i < 0 {
		return lines
	}
	if a.Quantity <= 0 {
		return removeAt(lines, i)
	}
	q := a.Quantity
	if q > domain.MaxQuantity {
		q = domain.MaxQuantity
	}
	lines[i].Quantity = q
	return lines
}

func (a Remove) reduce(lines []domain.CartLine) []domain.CartLine {
	if i := indexOf(lines, a.ProductID); i >= 0 {
		return removeAt(lines, i)
	}
	return lines
}

func (Clear) reduce(_ []domain.CartLine) []domain.CartLine {
	return []domain.CartLine{}
}

func indexOf(lines []domain.CartLine, productID string) int {
	for i := range lines {
		if lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func removeAt(lines []domain.CartLine, i int) []domain.CartLine {
	return append(lines[:i], lines[i+1:]...)
}

// addQuantity adds b to a, saturating at MaxQuantity.
func addQuantity(a, b int) int {
	if b > 0 && a > domain.MaxQuantity-b {
		return domain.MaxQuantity
	}
	return a + b
}
