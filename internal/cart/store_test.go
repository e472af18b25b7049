package cart

import (
	"math"
	"sync"
	"testing"

	"github.com/ashureev/storefront-core/internal/domain"
)

func quantities(s domain.CartState) map[string]int {
	out := make(map[string]int, len(s.Lines))
	for _, l := range s.Lines {
		out[l.ProductID] = l.Quantity
	}
	return out
}

func TestAddSameProductAccumulates(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "p", Delta: 2})
	got := s.Dispatch(Add{ProductID: "p", Delta: 3})

	if len(got.Lines) != 1 {
		t.Fatalf("expected a single line, got %d", len(got.Lines))
	}
	if got.Lines[0].Quantity != 5 {
		t.Errorf("expected quantity 5, got %d", got.Lines[0].Quantity)
	}
}

func TestAddAppendsNewLinesLast(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "b", Delta: 1})
	s.Dispatch(Add{ProductID: "a", Delta: 1})
	s.Dispatch(Add{ProductID: "b", Delta: 1})
	got := s.Dispatch(Add{ProductID: "c", Delta: 1, Meta: domain.LineMeta{Title: "C", UnitPrice: 3}})

	want := []string{"b", "a", "c"}
	for i, id := range want {
		if got.Lines[i].ProductID != id {
			t.Fatalf("line %d: expected %s, got %s", i, id, got.Lines[i].ProductID)
		}
	}
	if got.Lines[2].Title != "C" || got.Lines[2].UnitPrice != 3 {
		t.Errorf("metadata not attached to new line: %+v", got.Lines[2])
	}
}

func TestUpdateToZeroRemoves(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "p", Delta: 4})
	s.Dispatch(Add{ProductID: "q", Delta: 1})

	got := s.Dispatch(Update{ProductID: "p", Quantity: 0})
	if _, ok := quantities(got)["p"]; ok {
		t.Fatalf("expected p removed, got %+v", got.Lines)
	}
	if len(got.Lines) != 1 {
		t.Errorf("expected one remaining line, got %d", len(got.Lines))
	}

	got = s.Dispatch(Update{ProductID: "q", Quantity: -3})
	if len(got.Lines) != 0 {
		t.Errorf("negative quantity should remove line, got %+v", got.Lines)
	}
}

func TestUpdateUnknownIsNoop(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	before := s.Dispatch(Add{ProductID: "p", Delta: 1})
	after := s.Dispatch(Update{ProductID: "unknown", Quantity: 7})

	if len(after.Lines) != len(before.Lines) || after.Lines[0] != before.Lines[0] {
		t.Errorf("expected no change, got %+v", after.Lines)
	}
}

func TestUpdateKeepsPosition(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "a", Delta: 1})
	s.Dispatch(Add{ProductID: "b", Delta: 1})
	got := s.Dispatch(Update{ProductID: "a", Quantity: 9})
	if got.Lines[0].ProductID != "a" || got.Lines[0].Quantity != 9 {
		t.Errorf("expected a=9 in first position, got %+v", got.Lines)
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "a", Delta: 1})
	got := s.Dispatch(Remove{ProductID: "zzz"})
	if len(got.Lines) != 1 {
		t.Errorf("expected unchanged cart, got %+v", got.Lines)
	}
	got = s.Dispatch(Remove{ProductID: "a"})
	if len(got.Lines) != 0 {
		t.Errorf("expected empty cart, got %+v", got.Lines)
	}
}

func TestClearAndSet(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "a", Delta: 1})
	if got := s.Dispatch(Clear{}); len(got.Lines) != 0 {
		t.Fatalf("expected empty after Clear, got %+v", got.Lines)
	}

	got := s.Dispatch(Set{Lines: []domain.CartLine{
		{ProductID: "x", Quantity: 2},
		{ProductID: "bad", Quantity: 0},
		{ProductID: "y", Quantity: 1},
		{ProductID: "x", Quantity: 1},
	}})
	q := quantities(got)
	if len(got.Lines) != 2 || q["x"] != 3 || q["y"] != 1 {
		t.Errorf("Set should drop empty lines and fold duplicates, got %+v", got.Lines)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	state := domain.CartState{Lines: []domain.CartLine{{ProductID: "a", Quantity: 1}}}
	next := Reduce(state, Add{ProductID: "a", Delta: 5})
	if state.Lines[0].Quantity != 1 {
		t.Errorf("input state mutated: %+v", state.Lines)
	}
	if next.Lines[0].Quantity != 6 {
		t.Errorf("expected 6, got %d", next.Lines[0].Quantity)
	}
}

func TestTotalMatchesSumOfLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []domain.CartLine
		want  float64
	}{
		{"empty", nil, 0},
		{"single", []domain.CartLine{{ProductID: "a", UnitPrice: 2.5, Quantity: 4}}, 10},
		{"several", []domain.CartLine{
			{ProductID: "a", UnitPrice: 10, Quantity: 2},
			{ProductID: "b", UnitPrice: 0, Quantity: 7},
			{ProductID: "c", UnitPrice: 0.25, Quantity: 4},
		}, 21},
		{"upper bound", []domain.CartLine{{ProductID: "a", UnitPrice: 2, Quantity: math.MaxInt32}}, 2 * float64(math.MaxInt32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(domain.OriginLocal)
			s.Dispatch(Set{Lines: tt.lines})
			if got := s.Total(); got != tt.want {
				t.Errorf("Total() = %v, want %v", got, tt.want)
			}
			var count int
			for _, l := range tt.lines {
				count += l.Quantity
			}
			if got := s.ItemCount(); got != count {
				t.Errorf("ItemCount() = %d, want %d", got, count)
			}
		})
	}
}

func TestAddSaturatesAtMaxQuantity(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	s.Dispatch(Add{ProductID: "p", Delta: domain.MaxQuantity})
	got := s.Dispatch(Add{ProductID: "p", Delta: 10})
	if got.Lines[0].Quantity != domain.MaxQuantity {
		t.Errorf("expected saturation at %d, got %d", domain.MaxQuantity, got.Lines[0].Quantity)
	}
}

func TestStoreConcurrentDispatch(t *testing.T) {
	s := NewStore(domain.OriginLocal)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dispatch(Add{ProductID: "p", Delta: 1})
			_ = s.Total()
		}()
	}
	wg.Wait()
	if got := s.ItemCount(); got != 50 {
		t.Errorf("expected 50 items, got %d", got)
	}
}
