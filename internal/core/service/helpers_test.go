package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/adapter/storage"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/platform/observability"
	"github.com/rl1809/bom-stock/internal/port"
)

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
	stock          map[string]int
	versions       map[string]int
	released       []string
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		idempotencySet: make(map[string]bool),
		stock:          make(map[string]int),
		versions:       make(map[string]int),
	}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	m.released = append(m.released, key)
	return nil
}

func (m *mockCacheRepo) GetProductStock(ctx context.Context, productID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stock[productID]
	return s, ok, nil
}

func (m *mockCacheRepo) SetProductStock(ctx context.Context, productID string, stock, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[productID]; ok && v > version {
		return nil
	}
	m.stock[productID] = stock
	m.versions[productID] = version
	return nil
}

// Mock EventPublisher
type mockPublisher struct {
	mu     sync.Mutex
	stock  []domain.StockEvent
	orders []domain.OrderEvent
}

func (m *mockPublisher) PublishStockEvents(ctx context.Context, events []domain.StockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock = append(m.stock, events...)
	return nil
}

func (m *mockPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, event)
	return nil
}

func (m *mockPublisher) stockEvents(t domain.EventType) []domain.StockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockEvent
	for _, e := range m.stock {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// conflictCatalog fails the first n item adjustments with a concurrency conflict.
type conflictCatalog struct {
	*storage.MemoryStore
	remaining atomic.Int32
	txCount   atomic.Int32
}

func (c *conflictCatalog) InTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	c.txCount.Add(1)
	return c.MemoryStore.InTx(ctx, func(ctx context.Context, tx port.StockTx) error {
		return fn(ctx, &conflictTx{StockTx: tx, c: c})
	})
}

type conflictTx struct {
	port.StockTx
	c *conflictCatalog
}

func (t *conflictTx) AdjustItemStock(ctx context.Context, itemID string, delta int) error {
	if t.c.remaining.Add(-1) >= 0 {
		return domain.ErrConcurrencyConflict
	}
	return t.StockTx.AdjustItemStock(ctx, itemID, delta)
}

func testOptions() StockOptions {
	return StockOptions{
		StoreTimeout:       2 * time.Second,
		MaxConflictRetries: 3,
		LowStockThreshold:  2,
	}
}

func newTestStockService(catalog port.CatalogRepository, cache port.CacheRepository, events port.EventPublisher) *StockService {
	return NewStockService(catalog, cache, events, zap.NewNop(), observability.NoopTracer(), testOptions())
}

// seedScenario builds item A=10, item B=3 and product P = {A x2, B x1}.
func seedScenario(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutItem(domain.Item{ID: "A", Name: "Item A", StockQuantity: 10})
	store.PutItem(domain.Item{ID: "B", Name: "Item B", StockQuantity: 3})
	store.PutProduct(domain.Product{ID: "P", Name: "Product P"})
	mustLink(t, store, "P", "A", 2)
	mustLink(t, store, "P", "B", 1)
	return store
}

func mustLink(t *testing.T, store *storage.MemoryStore, productID, itemID string, qty int) {
	t.Helper()
	if err := store.PutComponent(context.Background(), domain.ComponentLink{ProductID: productID, ItemID: itemID, QuantityPerUnit: qty}); err != nil {
		t.Fatalf("link %s/%s: %v", productID, itemID, err)
	}
}

func itemStock(t *testing.T, store *storage.MemoryStore, id string) int {
	t.Helper()
	item, err := store.GetItem(context.Background(), id)
	if err != nil || item == nil {
		t.Fatalf("item %s missing: %v", id, err)
	}
	return item.StockQuantity
}

func productStock(t *testing.T, store *storage.MemoryStore, id string) int {
	t.Helper()
	p, err := store.GetProduct(context.Background(), id)
	if err != nil || p == nil {
		t.Fatalf("product %s missing: %v", id, err)
	}
	return p.StockQuantity
}

// brokenLinkCatalog reports an extra component link that bypassed the store's
// own checks, as a row written before foreign keys existed would.
type brokenLinkCatalog struct {
	*storage.MemoryStore
	link domain.ComponentLink
}

func (c *brokenLinkCatalog) ListComponents(ctx context.Context, productID string) ([]domain.ComponentLink, error) {
	links, err := c.MemoryStore.ListComponents(ctx, productID)
	if err != nil || productID != c.link.ProductID {
		return links, err
	}
	return append(links, c.link), nil
}

func (c *brokenLinkCatalog) InTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	return c.MemoryStore.InTx(ctx, func(ctx context.Context, tx port.StockTx) error {
		return fn(ctx, &brokenLinkTx{StockTx: tx, link: c.link})
	})
}

type brokenLinkTx struct {
	port.StockTx
	link domain.ComponentLink
}

func (t *brokenLinkTx) ListComponents(ctx context.Context, productIDs []string) (map[string][]domain.ComponentLink, error) {
	links, err := t.StockTx.ListComponents(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range productIDs {
		if id == t.link.ProductID {
			links[id] = append(links[id], t.link)
		}
	}
	return links, nil
}
