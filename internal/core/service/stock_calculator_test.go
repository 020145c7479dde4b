package service

import (
	"math/rand"
	"testing"

	"github.com/rl1809/bom-stock/internal/core/domain"
)

func TestComputeAvailable(t *testing.T) {
	tests := []struct {
		name        string
		components  []domain.ComponentStock
		wantStock   int
		wantDerived bool
	}{
		{
			name:        "no components",
			components:  nil,
			wantStock:   0,
			wantDerived: false,
		},
		{
			name: "scarcest component wins",
			components: []domain.ComponentStock{
				{ItemID: "A", ItemStock: 10, QuantityPerUnit: 2},
				{ItemID: "B", ItemStock: 3, QuantityPerUnit: 1},
			},
			wantStock:   3,
			wantDerived: true,
		},
		{
			name: "floors partial units",
			components: []domain.ComponentStock{
				{ItemID: "A", ItemStock: 7, QuantityPerUnit: 3},
			},
			wantStock:   2,
			wantDerived: true,
		},
		{
			name: "empty component means zero",
			components: []domain.ComponentStock{
				{ItemID: "A", ItemStock: 100, QuantityPerUnit: 1},
				{ItemID: "B", ItemStock: 0, QuantityPerUnit: 5},
			},
			wantStock:   0,
			wantDerived: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, derived := ComputeAvailable(tt.components)
			if got != tt.wantStock || derived != tt.wantDerived {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.wantStock, tt.wantDerived, got, derived)
			}
		})
	}
}

func TestComputeAvailable_MatchesMinFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		components := make([]domain.ComponentStock, n)
		want := -1
		for j := range components {
			stock := rng.Intn(200)
			qty := 1 + rng.Intn(9)
			components[j] = domain.ComponentStock{ItemStock: stock, QuantityPerUnit: qty}
			if units := stock / qty; want < 0 || units < want {
				want = units
			}
		}

		got, derived := ComputeAvailable(components)
		if !derived || got != want {
			t.Fatalf("case %d: expected %d, got %d (derived=%v)", i, want, got, derived)
		}

		again, _ := ComputeAvailable(components)
		if again != got {
			t.Fatalf("case %d: second call returned %d, first %d", i, again, got)
		}
	}
}

func TestResolveAvailable_FallsBackToStoredStock(t *testing.T) {
	p := domain.Product{ID: "P", StockQuantity: 12}

	if got := ResolveAvailable(p, nil); got != 12 {
		t.Errorf("expected stored stock 12, got %d", got)
	}

	components := []domain.ComponentStock{{ItemID: "A", ItemStock: 4, QuantityPerUnit: 2}}
	if got := ResolveAvailable(p, components); got != 2 {
		t.Errorf("expected derived stock 2, got %d", got)
	}
}
