package domain

import "time"

type ItemType string

const (
	ItemTypeProduct    ItemType = "PRODUCT"
	ItemTypeAdditional ItemType = "ADDITIONAL"
)

func (t ItemType) Valid() bool {
	return t == ItemTypeProduct || t == ItemTypeAdditional
}

// Item is a base stock-bearing catalog entry (an "additional"). Products are
// assembled from items through ComponentLinks.
type Item struct {
	ID            string
	Name          string
	StockQuantity int
	Version       int // optimistic locking
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Product.StockQuantity is a cache of the derived value when the product has
// components, and the authoritative stock when it has none.
type Product struct {
	ID            string
	Name          string
	StockQuantity int
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ComponentLink struct {
	ProductID       string
	ItemID          string
	QuantityPerUnit int
}

// ComponentStock is a component link resolved against the current item stock.
type ComponentStock struct {
	ItemID          string
	ItemStock       int
	QuantityPerUnit int
}
