package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/platform/observability"
	"github.com/rl1809/bom-stock/internal/port"
)

// StockReporter aggregates low and critical stock views. Reads that fail with
// domain.ErrStoreUnavailable are retried with exponential backoff.
type StockReporter struct {
	catalog         port.CatalogRepository
	logger          *zap.Logger
	tracer          observability.Tracer
	retries         uint64
	initialInterval time.Duration
}

func NewStockReporter(catalog port.CatalogRepository, logger *zap.Logger, tracer observability.Tracer, retries int) *StockReporter {
	if retries < 0 {
		retries = 0
	}
	return &StockReporter{
		catalog:         catalog,
		logger:          logger,
		tracer:          tracer,
		retries:         uint64(retries),
		initialInterval: 50 * time.Millisecond,
	}
}

func (r *StockReporter) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("stock report read failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.retries), ctx))
}

func (r *StockReporter) load(ctx context.Context) ([]domain.Item, []domain.Product, error) {
	var items []domain.Item
	var products []domain.Product

	err := r.retry(ctx, "list_items", func() error {
		var err error
		items, err = r.catalog.ListItems(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	err = r.retry(ctx, "list_products", func() error {
		var err error
		products, err = r.catalog.ListProducts(ctx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return items, products, nil
}

// LowStock lists every item and product whose stock is at or below threshold.
func (r *StockReporter) LowStock(ctx context.Context, threshold int) (*domain.StockReport, error) {
	if threshold < 0 {
		return nil, domain.NewValidationError("threshold", "must not be negative, got %d", threshold)
	}

	ctx, span := r.tracer.Start(ctx, "stock.report")
	defer span.End()

	items, products, err := r.load(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &domain.StockReport{
		Entries:          []domain.StockEntry{},
		Threshold:        threshold,
		TotalProducts:    len(products),
		TotalAdditionals: len(items),
	}
	for _, p := range products {
		if p.StockQuantity == 0 {
			report.ZeroStockProducts++
		}
		if p.StockQuantity <= threshold {
			report.Entries = append(report.Entries, domain.StockEntry{
				ID: p.ID, Name: p.Name, Type: domain.ItemTypeProduct,
				CurrentStock: p.StockQuantity, Threshold: threshold,
			})
		}
	}
	for _, it := range items {
		if it.StockQuantity == 0 {
			report.ZeroStockAdditionals++
		}
		if it.StockQuantity <= threshold {
			report.Entries = append(report.Entries, domain.StockEntry{
				ID: it.ID, Name: it.Name, Type: domain.ItemTypeAdditional,
				CurrentStock: it.StockQuantity, Threshold: threshold,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("report.threshold", threshold),
		attribute.Int("report.entries", len(report.Entries)),
	)
	return report, nil
}

// CriticalStock is LowStock at threshold zero.
func (r *StockReporter) CriticalStock(ctx context.Context) (*domain.StockReport, error) {
	report, err := r.LowStock(ctx, 0)
	if err != nil {
		return nil, err
	}
	critical := report.Entries[:0]
	for _, e := range report.Entries {
		if e.CurrentStock == 0 {
			critical = append(critical, e)
		}
	}
	report.Entries = critical
	return report, nil
}

// Alerts reports whether any critical or low-stock condition exists and
// returns the union of both lists.
func (r *StockReporter) Alerts(ctx context.Context, threshold int) (bool, []domain.StockEntry, error) {
	critical, err := r.CriticalStock(ctx)
	if err != nil {
		return false, nil, err
	}
	low, err := r.LowStock(ctx, threshold)
	if err != nil {
		return false, nil, err
	}

	type key struct {
		id string
		t  domain.ItemType
	}
	seen := make(map[key]struct{})
	union := make([]domain.StockEntry, 0, len(critical.Entries)+len(low.Entries))
	for _, e := range append(critical.Entries, low.Entries...) {
		k := key{e.ID, e.Type}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		union = append(union, e)
	}
	return len(union) > 0, union, nil
}
