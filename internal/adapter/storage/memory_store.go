package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

// MemoryStore keeps the catalog in process. Stock transactions take one lock
// per row, so transactions on disjoint rows run in parallel. Writes are staged
// in the transaction and applied on commit.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]domain.Item
	products    map[string]domain.Product
	links       map[string]map[string]domain.ComponentLink // product -> item -> link
	constraints map[string]domain.Constraint
	orders      map[string]domain.Order

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var (
	_ port.CatalogRepository    = (*MemoryStore)(nil)
	_ port.ConstraintRepository = (*MemoryStore)(nil)
	_ port.OrderRepository      = (*MemoryStore)(nil)
	_ port.OrderReader          = (*MemoryStore)(nil)
	_ port.CatalogAdmin         = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]domain.Item),
		products:    make(map[string]domain.Product),
		links:       make(map[string]map[string]domain.ComponentLink),
		constraints: make(map[string]domain.Constraint),
		orders:      make(map[string]domain.Order),
		locks:       make(map[string]chan struct{}),
	}
}

func (m *MemoryStore) PutItem(item domain.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.items[item.ID] = item
}

func (m *MemoryStore) PutProduct(product domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	m.products[product.ID] = product
}

// PutComponent creates or replaces the link for (ProductID, ItemID). Both
// sides must already exist.
func (m *MemoryStore) PutComponent(ctx context.Context, link domain.ComponentLink) error {
	if link.QuantityPerUnit <= 0 {
		return domain.NewValidationError("quantity_per_unit", "must be positive, got %d", link.QuantityPerUnit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[link.ProductID]; !ok {
		return domain.NewValidationError("product_id", "unknown product %s", link.ProductID)
	}
	if _, ok := m.items[link.ItemID]; !ok {
		return domain.NewValidationError("item_id", "unknown item %s", link.ItemID)
	}
	if m.links[link.ProductID] == nil {
		m.links[link.ProductID] = make(map[string]domain.ComponentLink)
	}
	m.links[link.ProductID][link.ItemID] = link
	return nil
}

func (m *MemoryStore) RemoveComponent(ctx context.Context, productID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[productID][itemID]; !ok {
		return fmt.Errorf("component %s/%s: %w", productID, itemID, domain.ErrNotFound)
	}
	delete(m.links[productID], itemID)
	return nil
}

func (m *MemoryStore) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) ListItems(ctx context.Context) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Item, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListComponents(ctx context.Context, productID string) ([]domain.ComponentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.componentsLocked(productID), nil
}

func (m *MemoryStore) componentsLocked(productID string) []domain.ComponentLink {
	out := make([]domain.ComponentLink, 0, len(m.links[productID]))
	for _, l := range m.links[productID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	tx := &memoryTx{
		store:    m,
		held:     make(map[string]bool),
		items:    make(map[string]domain.Item),
		products: make(map[string]domain.Product),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return domain.NewStoreUnavailable("commit", err)
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) rowLock(key string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[key] = l
	}
	return l
}

type memoryTx struct {
	store    *MemoryStore
	held     map[string]bool
	order    []string
	items    map[string]domain.Item
	products map[string]domain.Product
}

func (t *memoryTx) lock(ctx context.Context, keys []string) error {
	sort.Strings(keys)
	for _, key := range keys {
		if t.held[key] {
			continue
		}
		select {
		case t.store.rowLock(key) <- struct{}{}:
			t.held[key] = true
			t.order = append(t.order, key)
		case <-ctx.Done():
			return domain.NewStoreUnavailable("lock "+key, ctx.Err())
		}
	}
	return nil
}

func (t *memoryTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.store.rowLock(t.order[i])
	}
	t.order = nil
}

func (t *memoryTx) commit() {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, item := range t.items {
		m.items[id] = item
	}
	for id, p := range t.products {
		m.products[id] = p
	}
}

func (t *memoryTx) LockItems(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	keys := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		keys[i] = "item:" + id
	}
	if err := t.lock(ctx, keys); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Item, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := t.item(id); ok {
			out[id] = item
		}
	}
	return out, nil
}

func (t *memoryTx) LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = "product:" + id
	}
	if err := t.lock(ctx, keys); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.product(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memoryTx) ListComponents(ctx context.Context, productIDs []string) (map[string][]domain.ComponentLink, error) {
	m := t.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]domain.ComponentLink, len(productIDs))
	for _, pid := range productIDs {
		if links := m.componentsLocked(pid); len(links) > 0 {
			out[pid] = links
		}
	}
	return out, nil
}

func (t *memoryTx) ListDependentProducts(ctx context.Context, itemIDs []string) ([]string, error) {
	m := t.store
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for pid, links := range m.links {
		for _, id := range itemIDs {
			if _, ok := links[id]; ok {
				out = append(out, pid)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memoryTx) item(id string) (domain.Item, bool) {
	if item, ok := t.items[id]; ok {
		return item, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	item, ok := t.store.items[id]
	return item, ok
}

func (t *memoryTx) product(id string) (domain.Product, bool) {
	if p, ok := t.products[id]; ok {
		return p, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.products[id]
	return p, ok
}

func (t *memoryTx) AdjustItemStock(ctx context.Context, itemID string, delta int) error {
	if !t.held["item:"+itemID] {
		return fmt.Errorf("adjust item %s: row not locked", itemID)
	}
	item, ok := t.item(itemID)
	if !ok {
		return fmt.Errorf("adjust item %s: %w", itemID, domain.ErrNotFound)
	}
	if item.StockQuantity+delta < 0 {
		return domain.ErrConcurrencyConflict
	}
	item.StockQuantity += delta
	item.Version++
	item.UpdatedAt = time.Now()
	t.items[itemID] = item
	return nil
}

func (t *memoryTx) SetItemStock(ctx context.Context, itemID string, quantity int) error {
	if !t.held["item:"+itemID] {
		return fmt.Errorf("set item %s: row not locked", itemID)
	}
	item, ok := t.item(itemID)
	if !ok {
		return fmt.Errorf("set item %s: %w", itemID, domain.ErrNotFound)
	}
	item.StockQuantity = quantity
	item.Version++
	item.UpdatedAt = time.Now()
	t.items[itemID] = item
	return nil
}

func (t *memoryTx) AdjustProductStock(ctx context.Context, productID string, delta int) error {
	if !t.held["product:"+productID] {
		return fmt.Errorf("adjust product %s: row not locked", productID)
	}
	p, ok := t.product(productID)
	if !ok {
		return fmt.Errorf("adjust product %s: %w", productID, domain.ErrNotFound)
	}
	if p.StockQuantity+delta < 0 {
		return domain.ErrConcurrencyConflict
	}
	p.StockQuantity += delta
	p.Version++
	p.UpdatedAt = time.Now()
	t.products[productID] = p
	return nil
}

func (t *memoryTx) SetProductStock(ctx context.Context, productID string, quantity int) error {
	if !t.held["product:"+productID] {
		return fmt.Errorf("set product %s: row not locked", productID)
	}
	p, ok := t.product(productID)
	if !ok {
		return fmt.Errorf("set product %s: %w", productID, domain.ErrNotFound)
	}
	p.StockQuantity = quantity
	p.Version++
	p.UpdatedAt = time.Now()
	t.products[productID] = p
	return nil
}

func sameRule(a, b domain.Constraint) bool {
	return a.TargetID == b.TargetID && a.TargetType == b.TargetType &&
		a.RelatedID == b.RelatedID && a.RelatedType == b.RelatedType && a.Type == b.Type
}

func (m *MemoryStore) CreateConstraint(ctx context.Context, c domain.Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.constraints {
		if sameRule(existing, c) {
			return domain.ErrDuplicateConstraint
		}
	}
	m.constraints[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConstraint(ctx context.Context, id string) (*domain.Constraint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.constraints[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) UpdateConstraint(ctx context.Context, c domain.Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.constraints[c.ID]; !ok {
		return domain.ErrNotFound
	}
	for id, existing := range m.constraints {
		if id != c.ID && sameRule(existing, c) {
			return domain.ErrDuplicateConstraint
		}
	}
	m.constraints[c.ID] = c
	return nil
}

func (m *MemoryStore) DeleteConstraint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.constraints[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.constraints, id)
	return nil
}

func (m *MemoryStore) ListConstraints(ctx context.Context) ([]domain.Constraint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Constraint, 0, len(m.constraints))
	for _, c := range m.constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListConstraintsByItems(ctx context.Context, ids []string) ([]domain.Constraint, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	all, _ := m.ListConstraints(ctx)
	out := make([]domain.Constraint, 0)
	for _, c := range all {
		_, t := want[c.TargetID]
		_, r := want[c.RelatedID]
		if t || r {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}
