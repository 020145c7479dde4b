package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/platform/observability"
	"github.com/rl1809/bom-stock/internal/port"
)

type StockOptions struct {
	StoreTimeout       time.Duration
	MaxConflictRetries int
	LowStockThreshold  int
}

func DefaultStockOptions() StockOptions {
	return StockOptions{
		StoreTimeout:       5 * time.Second,
		MaxConflictRetries: 3,
		LowStockThreshold:  5,
	}
}

// StockService is the only writer of item stock counters. Every mutation runs
// check-then-decrement-then-recompute inside one store transaction.
type StockService struct {
	catalog port.CatalogRepository
	cache   port.CacheRepository
	events  port.EventPublisher
	logger  *zap.Logger
	tracer  observability.Tracer
	opts    StockOptions
}

// NewStockService accepts nil cache and events.
func NewStockService(
	catalog port.CatalogRepository,
	cache port.CacheRepository,
	events port.EventPublisher,
	logger *zap.Logger,
	tracer observability.Tracer,
	opts StockOptions,
) *StockService {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStockOptions().StoreTimeout
	}
	return &StockService{
		catalog: catalog,
		cache:   cache,
		events:  events,
		logger:  logger,
		tracer:  tracer,
		opts:    opts,
	}
}

type demand struct {
	products    map[string]int
	additionals map[string]int
}

func buildDemand(lines []domain.CartLine) (demand, error) {
	d := demand{products: map[string]int{}, additionals: map[string]int{}}
	if len(lines) == 0 {
		return d, domain.NewValidationError("lines", "cart is empty")
	}
	for i, l := range lines {
		if l.Quantity <= 0 {
			return d, domain.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "must be positive, got %d", l.Quantity)
		}
		additionals := l.AdditionalIDs()
		if l.ProductID == "" && len(additionals) == 0 {
			return d, domain.NewValidationError(fmt.Sprintf("lines[%d]", i), "references no product or additional")
		}
		if l.ProductID != "" {
			d.products[l.ProductID] += l.Quantity
		}
		for _, id := range additionals {
			d.additionals[id] += l.Quantity
		}
	}
	return d, nil
}

type stockChange struct {
	id       string
	itemType domain.ItemType
	before   int
	after    int
	version  int
}

type txResult struct {
	reservation *domain.Reservation
	changes     []stockChange
}

// ReserveAndDecrement decrements every component of productID for quantity
// units and returns the product's recomputed stock.
func (s *StockService) ReserveAndDecrement(ctx context.Context, productID string, quantity int) (int, error) {
	if productID == "" {
		return 0, domain.NewValidationError("product_id", "is required")
	}
	res, err := s.ReserveCart(ctx, []domain.CartLine{{ProductID: productID, Quantity: quantity}})
	if err != nil {
		return 0, err
	}
	return res.ProductStock[productID], nil
}

// ReserveCart applies every product line and additional selection of the cart
// in one all-or-nothing transaction.
func (s *StockService) ReserveCart(ctx context.Context, lines []domain.CartLine) (*domain.Reservation, error) {
	d, err := buildDemand(lines)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "stock.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("stock.products", len(d.products)),
		attribute.Int("stock.additionals", len(d.additionals)),
	)

	result, err := s.runTx(ctx, "reserve", func(ctx context.Context, tx port.StockTx) (*txResult, error) {
		return s.applyDemand(ctx, tx, d, -1)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation rejected")
		return nil, err
	}

	span.SetStatus(codes.Ok, "stock reserved")
	s.afterCommit(ctx, result.changes)
	return result.reservation, nil
}

// Release restores stock for lines reserved earlier.
func (s *StockService) Release(ctx context.Context, lines []domain.CartLine) (*domain.Reservation, error) {
	d, err := buildDemand(lines)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "stock.release")
	defer span.End()

	result, err := s.runTx(ctx, "release", func(ctx context.Context, tx port.StockTx) (*txResult, error) {
		return s.applyDemand(ctx, tx, d, 1)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return nil, err
	}

	s.afterCommit(ctx, result.changes)
	return result.reservation, nil
}

// AdjustItemStock sets an item counter administratively and recomputes every
// product built from it.
func (s *StockService) AdjustItemStock(ctx context.Context, itemID string, quantity int) (*domain.Reservation, error) {
	if itemID == "" {
		return nil, domain.NewValidationError("item_id", "is required")
	}
	if quantity < 0 {
		return nil, domain.NewValidationError("quantity", "must not be negative, got %d", quantity)
	}
	set := quantity
	return s.recomputeForItem(ctx, itemID, &set)
}

// RecomputeForItem refreshes the derived stock of every product using itemID.
func (s *StockService) RecomputeForItem(ctx context.Context, itemID string) (*domain.Reservation, error) {
	if itemID == "" {
		return nil, domain.NewValidationError("item_id", "is required")
	}
	return s.recomputeForItem(ctx, itemID, nil)
}

func (s *StockService) recomputeForItem(ctx context.Context, itemID string, set *int) (*domain.Reservation, error) {
	result, err := s.runTx(ctx, "recompute_item", func(ctx context.Context, tx port.StockTx) (*txResult, error) {
		productIDs, err := tx.ListDependentProducts(ctx, []string{itemID})
		if err != nil {
			return nil, err
		}
		snap, err := s.lockSnapshot(ctx, tx, productIDs, []string{itemID})
		if err != nil {
			return nil, err
		}
		item, ok := snap.items[itemID]
		if !ok {
			return nil, domain.NewValidationError("item_id", "unknown item %s", itemID)
		}

		var changes []stockChange
		if set != nil && *set != item.StockQuantity {
			if err := tx.SetItemStock(ctx, itemID, *set); err != nil {
				return nil, err
			}
			changes = append(changes, stockChange{
				id: itemID, itemType: domain.ItemTypeAdditional,
				before: item.StockQuantity, after: *set, version: item.Version + 1,
			})
			item.StockQuantity = *set
			snap.items[itemID] = item
		}

		return s.recomputeTx(ctx, tx, snap, changes)
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, result.changes)
	return result.reservation, nil
}

// Recompute refreshes and persists the derived stock of one product. Products
// without components keep their stored value.
func (s *StockService) Recompute(ctx context.Context, productID string) (int, error) {
	if productID == "" {
		return 0, domain.NewValidationError("product_id", "is required")
	}
	result, err := s.runTx(ctx, "recompute", func(ctx context.Context, tx port.StockTx) (*txResult, error) {
		snap, err := s.lockSnapshot(ctx, tx, []string{productID}, nil)
		if err != nil {
			return nil, err
		}
		if _, ok := snap.products[productID]; !ok {
			return nil, domain.NewValidationError("product_id", "unknown product %s", productID)
		}
		return s.recomputeTx(ctx, tx, snap, nil)
	})
	if err != nil {
		return 0, err
	}
	s.afterCommit(ctx, result.changes)
	return result.reservation.ProductStock[productID], nil
}

// ComponentsChanged is the trigger catalog administration calls after adding
// or removing component links. The derived value replaces any manual stock.
func (s *StockService) ComponentsChanged(ctx context.Context, productID string) (int, error) {
	return s.Recompute(ctx, productID)
}

// AvailableStock is the read path used by listings.
func (s *StockService) AvailableStock(ctx context.Context, productID string) (int, error) {
	if s.cache != nil {
		stock, ok, err := s.cache.GetProductStock(ctx, productID)
		if err != nil {
			s.logger.Warn("stock cache read failed", zap.String("product_id", productID), zap.Error(err))
		} else if ok {
			return stock, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	links, err := s.catalog.ListComponents(ctx, productID)
	if err != nil {
		return 0, err
	}
	items := make(map[string]domain.Item, len(links))
	for _, l := range links {
		item, err := s.catalog.GetItem(ctx, l.ItemID)
		if err != nil {
			return 0, err
		}
		if item != nil {
			items[item.ID] = *item
		}
	}

	if err := checkComponents(productID, links, items); err != nil {
		return 0, err
	}
	available := ResolveAvailable(*product, resolveComponents(links, items))
	if s.cache != nil {
		if err := s.cache.SetProductStock(ctx, productID, available, product.Version); err != nil {
			s.logger.Warn("stock cache write failed", zap.String("product_id", productID), zap.Error(err))
		}
	}
	return available, nil
}

// runTx runs one transactional unit under the store timeout and retries it
// from a fresh read on concurrency conflicts.
func (s *StockService) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx port.StockTx) (*txResult, error)) (*txResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxConflictRetries; attempt++ {
		var result *txResult
		err := func() error {
			txCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
			defer cancel()
			return s.catalog.InTx(txCtx, func(ctx context.Context, tx port.StockTx) error {
				r, err := fn(ctx, tx)
				result = r
				return err
			})
		}()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Info("stock transaction conflict, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%s: %w", op, lastErr)
}

type snapshot struct {
	products map[string]domain.Product
	items    map[string]domain.Item
	links    map[string][]domain.ComponentLink
}

// lockSnapshot locks the given products, their components and extraItems.
// Products are always locked before items, each set in ascending id order.
func (s *StockService) lockSnapshot(ctx context.Context, tx port.StockTx, productIDs, extraItems []string) (*snapshot, error) {
	productIDs = sortedUnique(productIDs)
	links, err := tx.ListComponents(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	itemIDs := append([]string(nil), extraItems...)
	for _, ls := range links {
		for _, l := range ls {
			itemIDs = append(itemIDs, l.ItemID)
		}
	}
	itemIDs = sortedUnique(itemIDs)

	products, err := tx.LockProducts(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	items, err := tx.LockItems(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	return &snapshot{products: products, items: items, links: links}, nil
}

// applyDemand checks and applies demand with the given sign (-1 reserve, +1 release).
func (s *StockService) applyDemand(ctx context.Context, tx port.StockTx, d demand, sign int) (*txResult, error) {
	ordered := sortedKeys(d.products)
	orderedLinks, err := tx.ListComponents(ctx, ordered)
	if err != nil {
		return nil, err
	}

	needs := make(map[string]int, len(d.additionals))
	for id, qty := range d.additionals {
		needs[id] += qty
	}
	for pid, qty := range d.products {
		for _, l := range orderedLinks[pid] {
			if l.QuantityPerUnit <= 0 {
				return nil, domain.NewValidationError("component", "product %s has non-positive quantity for item %s", pid, l.ItemID)
			}
			needs[l.ItemID] += l.QuantityPerUnit * qty
		}
	}
	needIDs := sortedKeys(needs)

	dependents, err := tx.ListDependentProducts(ctx, needIDs)
	if err != nil {
		return nil, err
	}
	snap, err := s.lockSnapshot(ctx, tx, append(ordered, dependents...), needIDs)
	if err != nil {
		return nil, err
	}

	for _, pid := range ordered {
		if _, ok := snap.products[pid]; !ok {
			return nil, domain.NewValidationError("product_id", "unknown product %s", pid)
		}
	}
	for _, id := range sortedKeys(d.additionals) {
		if _, ok := snap.items[id]; !ok {
			return nil, domain.NewValidationError("additional_id", "unknown additional %s", id)
		}
	}
	for _, pid := range ordered {
		if err := checkComponents(pid, snap.links[pid], snap.items); err != nil {
			return nil, err
		}
	}

	// Independently stocked products are those without component links.
	var independent []string
	for _, pid := range ordered {
		if len(snap.links[pid]) == 0 {
			independent = append(independent, pid)
		}
	}

	if sign < 0 {
		var shortages []domain.Shortage
		for _, id := range needIDs {
			if available := snap.items[id].StockQuantity; available < needs[id] {
				shortages = append(shortages, domain.Shortage{
					ItemID: id, ItemType: domain.ItemTypeAdditional,
					Available: available, Required: needs[id],
				})
			}
		}
		for _, pid := range independent {
			if available := snap.products[pid].StockQuantity; available < d.products[pid] {
				shortages = append(shortages, domain.Shortage{
					ItemID: pid, ItemType: domain.ItemTypeProduct,
					Available: available, Required: d.products[pid],
				})
			}
		}
		if len(shortages) > 0 {
			return nil, &domain.InsufficientStockError{Shortages: shortages}
		}
	}

	var changes []stockChange
	for _, id := range needIDs {
		delta := sign * needs[id]
		if err := tx.AdjustItemStock(ctx, id, delta); err != nil {
			return nil, err
		}
		item := snap.items[id]
		changes = append(changes, stockChange{
			id: id, itemType: domain.ItemTypeAdditional,
			before: item.StockQuantity, after: item.StockQuantity + delta, version: item.Version + 1,
		})
		item.StockQuantity += delta
		snap.items[id] = item
	}
	for _, pid := range independent {
		delta := sign * d.products[pid]
		if err := tx.AdjustProductStock(ctx, pid, delta); err != nil {
			return nil, err
		}
		p := snap.products[pid]
		changes = append(changes, stockChange{
			id: pid, itemType: domain.ItemTypeProduct,
			before: p.StockQuantity, after: p.StockQuantity + delta, version: p.Version + 1,
		})
		p.StockQuantity += delta
		snap.products[pid] = p
	}

	return s.recomputeTx(ctx, tx, snap, changes)
}

// recomputeTx persists the derived stock of every component-backed product in
// the snapshot, using the snapshot's (already mutated) item stock.
func (s *StockService) recomputeTx(ctx context.Context, tx port.StockTx, snap *snapshot, changes []stockChange) (*txResult, error) {
	res := &domain.Reservation{
		ProductStock: make(map[string]int, len(snap.products)),
		ItemStock:    make(map[string]int, len(snap.items)),
	}

	for _, pid := range sortedKeys(snap.products) {
		if err := checkComponents(pid, snap.links[pid], snap.items); err != nil {
			return nil, err
		}
		p := snap.products[pid]
		available, derived := ComputeAvailable(resolveComponents(snap.links[pid], snap.items))
		if derived && available != p.StockQuantity {
			if err := tx.SetProductStock(ctx, pid, available); err != nil {
				return nil, err
			}
			changes = append(changes, stockChange{
				id: pid, itemType: domain.ItemTypeProduct,
				before: p.StockQuantity, after: available, version: p.Version + 1,
			})
			p.StockQuantity = available
			snap.products[pid] = p
		}
		res.ProductStock[pid] = p.StockQuantity
	}
	for id, item := range snap.items {
		res.ItemStock[id] = item.StockQuantity
	}

	return &txResult{reservation: res, changes: changes}, nil
}

// afterCommit refreshes the stock cache and publishes change events. Failures
// here are logged; the committed transaction stands.
func (s *StockService) afterCommit(ctx context.Context, changes []stockChange) {
	if len(changes) == 0 {
		return
	}

	now := time.Now()
	events := make([]domain.StockEvent, 0, len(changes))
	for _, c := range changes {
		if s.cache != nil && c.itemType == domain.ItemTypeProduct {
			if err := s.cache.SetProductStock(ctx, c.id, c.after, c.version); err != nil {
				s.logger.Warn("stock cache write failed", zap.String("product_id", c.id), zap.Error(err))
			}
		}

		events = append(events, domain.StockEvent{
			Type: domain.EventStockChanged, ID: c.id, ItemType: c.itemType,
			Stock: c.after, OccurredAt: now,
		})
		threshold := s.opts.LowStockThreshold
		if c.before > threshold && c.after <= threshold {
			events = append(events, domain.StockEvent{
				Type: domain.EventLowStock, ID: c.id, ItemType: c.itemType,
				Stock: c.after, Threshold: threshold, OccurredAt: now,
			})
			s.logger.Warn("stock fell to low threshold",
				zap.String("id", c.id),
				zap.String("type", string(c.itemType)),
				zap.Int("stock", c.after),
				zap.Int("threshold", threshold),
			)
		}
	}

	if s.events == nil {
		return
	}
	if err := s.events.PublishStockEvents(ctx, events); err != nil {
		s.logger.Error("failed to publish stock events", zap.Int("events", len(events)), zap.Error(err))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
