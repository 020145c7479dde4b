package domain

import "time"

type EventType string

const (
	EventStockChanged  EventType = "stock_changed"
	EventLowStock      EventType = "low_stock"
	EventOrderAccepted EventType = "order_accepted"
)

type StockEvent struct {
	Type       EventType `json:"type"`
	ID         string    `json:"id"`
	ItemType   ItemType  `json:"item_type"`
	Stock      int       `json:"stock"`
	Threshold  int       `json:"threshold,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type OrderEvent struct {
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Lines      int       `json:"lines"`
	OccurredAt time.Time `json:"occurred_at"`
}
