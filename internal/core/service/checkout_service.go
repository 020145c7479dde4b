package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

var ErrDuplicateRequest = domain.ErrDuplicateRequest

// CheckoutService gates an order attempt: constraint validation first, then
// the stock transaction. Accepted orders are queued for persistence.
type CheckoutService struct {
	cache      port.CacheRepository
	validator  *Validator
	stock      *StockService
	logger     *zap.Logger
	orderQueue chan domain.Order
}

func NewCheckoutService(cache port.CacheRepository, validator *Validator, stock *StockService, logger *zap.Logger, queueSize int) *CheckoutService {
	return &CheckoutService{
		cache:      cache,
		validator:  validator,
		stock:      stock,
		logger:     logger,
		orderQueue: make(chan domain.Order, queueSize),
	}
}

func (s *CheckoutService) Checkout(ctx context.Context, requestID, userID string, lines []domain.CartLine) (*domain.Order, error) {
	if requestID == "" {
		return nil, domain.NewValidationError("request_id", "is required")
	}
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	if _, err := buildDemand(lines); err != nil {
		return nil, err
	}

	idempotencyKey := fmt.Sprintf("checkout:%s:%s", userID, requestID)
	if s.cache != nil {
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
	}

	order, err := s.accept(ctx, requestID, userID, lines)
	if err != nil {
		s.releaseKey(ctx, idempotencyKey)
		return nil, err
	}
	return order, nil
}

func (s *CheckoutService) accept(ctx context.Context, requestID, userID string, lines []domain.CartLine) (*domain.Order, error) {
	if err := s.validator.Check(ctx, lines); err != nil {
		return nil, err
	}

	if _, err := s.stock.ReserveCart(ctx, lines); err != nil {
		return nil, err
	}

	now := time.Now()
	order := domain.Order{
		ID:        uuid.NewString(),
		RequestID: requestID,
		UserID:    userID,
		Lines:     lines,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	select {
	case s.orderQueue <- order:
	case <-ctx.Done():
		// Stock is already committed; give it back before failing the request.
		if _, err := s.stock.Release(context.WithoutCancel(ctx), lines); err != nil {
			s.logger.Error("CRITICAL: release after enqueue timeout failed",
				zap.String("order_id", order.ID), zap.Error(err))
		}
		return nil, ctx.Err()
	}

	s.logger.Info("order accepted", zap.String("order_id", order.ID), zap.String("user_id", userID), zap.Int("lines", len(lines)))
	return &order, nil
}

func (s *CheckoutService) releaseKey(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (s *CheckoutService) GetOrderQueue() <-chan domain.Order {
	return s.orderQueue
}

// Close closes the order queue so workers drain and exit. Callers must stop
// every Checkout caller first; an accept after Close panics.
func (s *CheckoutService) Close() {
	close(s.orderQueue)
}
