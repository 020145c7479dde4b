package port

import (
	"context"

	"github.com/rl1809/bom-stock/internal/core/domain"
)

type EventPublisher interface {
	PublishStockEvents(ctx context.Context, events []domain.StockEvent) error
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}
