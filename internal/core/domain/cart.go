package domain

type AdditionalSelection struct {
	AdditionalID string `json:"additional_id"`
}

// CartLine is one entry of a checkout request. It references a product, an
// additional, or both, and may carry nested additional selections.
type CartLine struct {
	ProductID    string                `json:"product_id,omitempty"`
	AdditionalID string                `json:"additional_id,omitempty"`
	Additionals  []AdditionalSelection `json:"additionals,omitempty"`
	Quantity     int                   `json:"quantity"`
}

// AdditionalIDs returns every additional referenced by the line, direct and nested.
func (l CartLine) AdditionalIDs() []string {
	ids := make([]string, 0, len(l.Additionals)+1)
	if l.AdditionalID != "" {
		ids = append(ids, l.AdditionalID)
	}
	for _, a := range l.Additionals {
		if a.AdditionalID != "" {
			ids = append(ids, a.AdditionalID)
		}
	}
	return ids
}

// Reservation is the outcome of a committed stock decrement.
type Reservation struct {
	ProductStock map[string]int `json:"product_stock"`
	ItemStock    map[string]int `json:"item_stock"`
}
