package port

import (
	"context"

	"github.com/rl1809/bom-stock/internal/core/domain"
)

// CatalogRepository reads the catalog and opens stock transactions. Get methods
// return nil, nil when the row does not exist.
type CatalogRepository interface {
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListComponents(ctx context.Context, productID string) ([]domain.ComponentLink, error)

	// InTx runs fn inside a transaction. Returning an error from fn rolls back
	// every mutation made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx StockTx) error) error
}

// StockTx is the set of operations available inside a stock transaction.
// Lock methods acquire rows in ascending id order and skip unknown ids.
type StockTx interface {
	LockItems(ctx context.Context, itemIDs []string) (map[string]domain.Item, error)
	LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	ListComponents(ctx context.Context, productIDs []string) (map[string][]domain.ComponentLink, error)

	// ListDependentProducts returns ids of products with a component on any of itemIDs.
	ListDependentProducts(ctx context.Context, itemIDs []string) ([]string, error)

	// AdjustItemStock adds delta to the item counter and fails with
	// domain.ErrConcurrencyConflict if the result would be negative.
	AdjustItemStock(ctx context.Context, itemID string, delta int) error
	SetItemStock(ctx context.Context, itemID string, quantity int) error
	AdjustProductStock(ctx context.Context, productID string, delta int) error
	SetProductStock(ctx context.Context, productID string, quantity int) error
}

// CatalogAdmin edits the bill of materials. Callers trigger a recompute of
// the product afterwards.
type CatalogAdmin interface {
	// PutComponent creates or replaces the link for (ProductID, ItemID).
	PutComponent(ctx context.Context, link domain.ComponentLink) error
	RemoveComponent(ctx context.Context, productID, itemID string) error
}

type ConstraintRepository interface {
	// CreateConstraint fails with domain.ErrDuplicateConstraint when an identical rule exists.
	CreateConstraint(ctx context.Context, c domain.Constraint) error
	GetConstraint(ctx context.Context, id string) (*domain.Constraint, error)
	UpdateConstraint(ctx context.Context, c domain.Constraint) error
	DeleteConstraint(ctx context.Context, id string) error
	ListConstraints(ctx context.Context) ([]domain.Constraint, error)

	// ListConstraintsByItems returns every constraint whose target or related id is in ids.
	ListConstraintsByItems(ctx context.Context, ids []string) ([]domain.Constraint, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error
}

// OrderReader returns nil, nil when the order does not exist.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}
