package service

import "github.com/rl1809/bom-stock/internal/core/domain"

// ComputeAvailable returns how many units can be built from the given
// components: the minimum over components of floor(stock / quantity per unit).
// derived is false for an empty list, meaning the product is not
// component-derived and its stored stock applies. Components with a
// non-positive quantity are ignored; the stock service rejects such links
// before computing.
func ComputeAvailable(components []domain.ComponentStock) (available int, derived bool) {
	if len(components) == 0 {
		return 0, false
	}

	available = -1
	for _, c := range components {
		if c.QuantityPerUnit <= 0 {
			continue
		}
		units := c.ItemStock / c.QuantityPerUnit
		if units < 0 {
			units = 0
		}
		if available < 0 || units < available {
			available = units
		}
	}
	if available < 0 {
		return 0, false
	}
	return available, true
}

// ResolveAvailable applies the stored-stock fallback for products without components.
func ResolveAvailable(product domain.Product, components []domain.ComponentStock) int {
	if available, derived := ComputeAvailable(components); derived {
		return available
	}
	return product.StockQuantity
}

// checkComponents rejects links to items missing from items and links with a
// non-positive quantity per unit.
func checkComponents(productID string, links []domain.ComponentLink, items map[string]domain.Item) error {
	for _, l := range links {
		if l.QuantityPerUnit <= 0 {
			return domain.NewValidationError("component", "product %s has non-positive quantity for item %s", productID, l.ItemID)
		}
		if _, ok := items[l.ItemID]; !ok {
			return domain.NewValidationError("component", "product %s links unknown item %s", productID, l.ItemID)
		}
	}
	return nil
}

func resolveComponents(links []domain.ComponentLink, items map[string]domain.Item) []domain.ComponentStock {
	out := make([]domain.ComponentStock, 0, len(links))
	for _, l := range links {
		out = append(out, domain.ComponentStock{
			ItemID:          l.ItemID,
			ItemStock:       items[l.ItemID].StockQuantity,
			QuantityPerUnit: l.QuantityPerUnit,
		})
	}
	return out
}
