package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

// OrderWorker persists accepted orders. When persistence fails the reserved
// stock is released again.
type OrderWorker struct {
	id      int
	orders  port.OrderRepository
	stock   *StockService
	events  port.EventPublisher
	logger  *zap.Logger
	timeout time.Duration
}

func NewOrderWorker(id int, orders port.OrderRepository, stock *StockService, events port.EventPublisher, logger *zap.Logger, timeout time.Duration) *OrderWorker {
	return &OrderWorker{
		id:      id,
		orders:  orders,
		stock:   stock,
		events:  events,
		logger:  logger.With(zap.Int("worker", id)),
		timeout: timeout,
	}
}

// Run drains queue until it is closed.
func (w *OrderWorker) Run(queue <-chan domain.Order) {
	for order := range queue {
		w.handle(order)
	}
}

func (w *OrderWorker) handle(order domain.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	order.Status = domain.OrderStatusConfirmed
	order.UpdatedAt = time.Now()

	if err := w.orders.CreateOrder(ctx, order); err != nil {
		w.logger.Error("failed to save order", zap.String("order_id", order.ID), zap.Error(err))

		if _, rollbackErr := w.stock.Release(context.Background(), order.Lines); rollbackErr != nil {
			w.logger.Error("CRITICAL rollback failed", zap.String("order_id", order.ID), zap.Error(rollbackErr))
		} else {
			w.logger.Info("rolled back stock", zap.String("order_id", order.ID))
		}
		return
	}
	w.logger.Info("saved order", zap.String("order_id", order.ID))

	if w.events == nil {
		return
	}
	event := domain.OrderEvent{
		Type:       domain.EventOrderAccepted,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Lines:      len(order.Lines),
		OccurredAt: order.UpdatedAt,
	}
	if err := w.events.PublishOrderEvent(ctx, event); err != nil {
		w.logger.Error("failed to publish order event", zap.String("order_id", order.ID), zap.Error(err))
	}
}
