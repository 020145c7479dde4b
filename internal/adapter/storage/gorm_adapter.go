package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

// Postgres SQLSTATE codes.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type itemModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255;not null;default:''"`
	Stock     int    `gorm:"not null;default:0;check:stock >= 0"`
	Version   int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (itemModel) TableName() string { return "items" }

func (m itemModel) toDomain() domain.Item {
	return domain.Item{ID: m.ID, Name: m.Name, StockQuantity: m.Stock, Version: m.Version, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

type productModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255;not null;default:''"`
	Stock     int    `gorm:"not null;default:0;check:stock >= 0"`
	Version   int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (productModel) TableName() string { return "products" }

func (m productModel) toDomain() domain.Product {
	return domain.Product{ID: m.ID, Name: m.Name, StockQuantity: m.Stock, Version: m.Version, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

type componentModel struct {
	ProductID       string `gorm:"primaryKey;size:64"`
	ItemID          string `gorm:"primaryKey;size:64;index"`
	QuantityPerUnit int    `gorm:"not null;check:quantity_per_unit > 0"`

	Product productModel `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	Item    itemModel    `gorm:"foreignKey:ItemID;constraint:OnDelete:CASCADE"`
}

func (componentModel) TableName() string { return "product_components" }

type constraintModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	TargetID       string `gorm:"size:64;not null;uniqueIndex:uq_constraint_rule"`
	TargetType     string `gorm:"size:16;not null;uniqueIndex:uq_constraint_rule"`
	RelatedID      string `gorm:"size:64;not null;uniqueIndex:uq_constraint_rule;index"`
	RelatedType    string `gorm:"size:16;not null;uniqueIndex:uq_constraint_rule"`
	ConstraintType string `gorm:"size:32;not null;uniqueIndex:uq_constraint_rule"`
	Message        string `gorm:"size:512;not null;default:''"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (constraintModel) TableName() string { return "cart_constraints" }

func newConstraintModel(c domain.Constraint) constraintModel {
	return constraintModel{
		ID:             c.ID,
		TargetID:       c.TargetID,
		TargetType:     string(c.TargetType),
		RelatedID:      c.RelatedID,
		RelatedType:    string(c.RelatedType),
		ConstraintType: string(c.Type),
		Message:        c.Message,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (m constraintModel) toDomain() domain.Constraint {
	return domain.Constraint{
		ID:          m.ID,
		TargetID:    m.TargetID,
		TargetType:  domain.ItemType(m.TargetType),
		RelatedID:   m.RelatedID,
		RelatedType: domain.ItemType(m.RelatedType),
		Type:        domain.ConstraintType(m.ConstraintType),
		Message:     m.Message,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

type orderModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	RequestID string `gorm:"size:64;not null"`
	UserID    string `gorm:"size:64;not null;index"`
	Status    string `gorm:"size:16;not null"`
	CartLines []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (orderModel) TableName() string { return "orders" }

// GormAdapter is the Postgres store. It implements the same ports as
// MySQLAdapter on top of gorm.
type GormAdapter struct {
	db *gorm.DB
}

var (
	_ port.CatalogRepository    = (*GormAdapter)(nil)
	_ port.CatalogAdmin         = (*GormAdapter)(nil)
	_ port.ConstraintRepository = (*GormAdapter)(nil)
	_ port.OrderRepository      = (*GormAdapter)(nil)
	_ port.OrderReader          = (*GormAdapter)(nil)
)

// OpenPostgres connects gorm to Postgres through the pgx driver.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

func NewGormAdapter(db *gorm.DB) *GormAdapter {
	return &GormAdapter{db: db}
}

func (g *GormAdapter) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(
		&itemModel{}, &productModel{}, &componentModel{}, &constraintModel{}, &orderModel{},
	)
}

// gormError maps Postgres errors onto the domain error kinds.
func gormError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDeadlockDetected, pgSerializationFailure, pgCheckViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrConcurrencyConflict)
		case pgLockNotAvailable:
			return domain.NewStoreUnavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.NewStoreUnavailable(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (g *GormAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var m itemModel
	err := g.db.WithContext(ctx).First(&m, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gormError("query item", err)
	}
	it := m.toDomain()
	return &it, nil
}

func (g *GormAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var m productModel
	err := g.db.WithContext(ctx).First(&m, "id = ?", productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gormError("query product", err)
	}
	p := m.toDomain()
	return &p, nil
}

func (g *GormAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	var rows []itemModel
	if err := g.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, gormError("list items", err)
	}
	out := make([]domain.Item, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (g *GormAdapter) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productModel
	if err := g.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, gormError("list products", err)
	}
	out := make([]domain.Product, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (g *GormAdapter) ListComponents(ctx context.Context, productID string) ([]domain.ComponentLink, error) {
	links, err := gormComponents(g.db.WithContext(ctx), []string{productID})
	if err != nil {
		return nil, err
	}
	return links[productID], nil
}

func gormComponents(db *gorm.DB, productIDs []string) (map[string][]domain.ComponentLink, error) {
	out := make(map[string][]domain.ComponentLink)
	if len(productIDs) == 0 {
		return out, nil
	}
	var rows []componentModel
	err := db.Where("product_id IN ?", productIDs).Order("product_id, item_id").Find(&rows).Error
	if err != nil {
		return nil, gormError("list components", err)
	}
	for _, m := range rows {
		out[m.ProductID] = append(out[m.ProductID], domain.ComponentLink{
			ProductID: m.ProductID, ItemID: m.ItemID, QuantityPerUnit: m.QuantityPerUnit,
		})
	}
	return out, nil
}

func upsertStockRow(db *gorm.DB, table string, row any) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"name":       gorm.Expr("excluded.name"),
			"stock":      gorm.Expr("excluded.stock"),
			"version":    gorm.Expr(table + ".version + 1"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(row).Error
}

// UpsertItem creates the item or overwrites its name and stock.
func (g *GormAdapter) UpsertItem(ctx context.Context, item domain.Item) error {
	m := itemModel{ID: item.ID, Name: item.Name, Stock: item.StockQuantity}
	if err := upsertStockRow(g.db.WithContext(ctx), "items", &m); err != nil {
		return gormError("upsert item", err)
	}
	return nil
}

// UpsertProduct creates the product or overwrites its name and stored stock.
func (g *GormAdapter) UpsertProduct(ctx context.Context, product domain.Product) error {
	m := productModel{ID: product.ID, Name: product.Name, Stock: product.StockQuantity}
	if err := upsertStockRow(g.db.WithContext(ctx), "products", &m); err != nil {
		return gormError("upsert product", err)
	}
	return nil
}

func (g *GormAdapter) PutComponent(ctx context.Context, link domain.ComponentLink) error {
	if link.QuantityPerUnit <= 0 {
		return domain.NewValidationError("quantity_per_unit", "must be positive, got %d", link.QuantityPerUnit)
	}
	m := componentModel{ProductID: link.ProductID, ItemID: link.ItemID, QuantityPerUnit: link.QuantityPerUnit}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity_per_unit"}),
	}).Omit(clause.Associations).Create(&m).Error
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return domain.NewValidationError("component", "unknown product %s or item %s", link.ProductID, link.ItemID)
	}
	if err != nil {
		return gormError("put component", err)
	}
	return nil
}

func (g *GormAdapter) RemoveComponent(ctx context.Context, productID, itemID string) error {
	res := g.db.WithContext(ctx).Delete(&componentModel{}, "product_id = ? AND item_id = ?", productID, itemID)
	if res.Error != nil {
		return gormError("remove component", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("component %s/%s: %w", productID, itemID, domain.ErrNotFound)
	}
	return nil
}

func (g *GormAdapter) InTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	var fnErr error
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(ctx, &gormTx{db: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return gormError("commit", err)
	}
	return nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockItems(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	out := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var rows []itemModel
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", sortedIDs(itemIDs)).Order("id").Find(&rows).Error
	if err != nil {
		return nil, gormError("lock items", err)
	}
	for _, m := range rows {
		out[m.ID] = m.toDomain()
	}
	return out, nil
}

func (t *gormTx) LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var rows []productModel
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", sortedIDs(productIDs)).Order("id").Find(&rows).Error
	if err != nil {
		return nil, gormError("lock products", err)
	}
	for _, m := range rows {
		out[m.ID] = m.toDomain()
	}
	return out, nil
}

func (t *gormTx) ListComponents(ctx context.Context, productIDs []string) (map[string][]domain.ComponentLink, error) {
	return gormComponents(t.db, productIDs)
}

func (t *gormTx) ListDependentProducts(ctx context.Context, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	var out []string
	err := t.db.Model(&componentModel{}).
		Distinct("product_id").
		Where("item_id IN ?", itemIDs).
		Order("product_id").
		Pluck("product_id", &out).Error
	if err != nil {
		return nil, gormError("list dependent products", err)
	}
	return out, nil
}

func (t *gormTx) adjust(model any, op, id string, delta int) error {
	res := t.db.Model(model).
		Where("id = ? AND stock + ? >= 0", id, delta).
		Updates(map[string]any{
			"stock":      gorm.Expr("stock + ?", delta),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return gormError(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (t *gormTx) set(model any, op, id string, quantity int) error {
	res := t.db.Model(model).
		Where("id = ?", id).
		Updates(map[string]any{
			"stock":      quantity,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return gormError(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

func (t *gormTx) AdjustItemStock(ctx context.Context, itemID string, delta int) error {
	return t.adjust(&itemModel{}, "adjust item", itemID, delta)
}

func (t *gormTx) SetItemStock(ctx context.Context, itemID string, quantity int) error {
	return t.set(&itemModel{}, "set item", itemID, quantity)
}

func (t *gormTx) AdjustProductStock(ctx context.Context, productID string, delta int) error {
	return t.adjust(&productModel{}, "adjust product", productID, delta)
}

func (t *gormTx) SetProductStock(ctx context.Context, productID string, quantity int) error {
	return t.set(&productModel{}, "set product", productID, quantity)
}

func (g *GormAdapter) CreateConstraint(ctx context.Context, c domain.Constraint) error {
	m := newConstraintModel(c)
	err := g.db.WithContext(ctx).Create(&m).Error
	if isUniqueViolation(err) {
		return domain.ErrDuplicateConstraint
	}
	if err != nil {
		return gormError("insert constraint", err)
	}
	return nil
}

func (g *GormAdapter) GetConstraint(ctx context.Context, id string) (*domain.Constraint, error) {
	var m constraintModel
	err := g.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gormError("query constraint", err)
	}
	c := m.toDomain()
	return &c, nil
}

func (g *GormAdapter) UpdateConstraint(ctx context.Context, c domain.Constraint) error {
	m := newConstraintModel(c)
	res := g.db.WithContext(ctx).Model(&constraintModel{}).Where("id = ?", c.ID).Updates(map[string]any{
		"target_id":       m.TargetID,
		"target_type":     m.TargetType,
		"related_id":      m.RelatedID,
		"related_type":    m.RelatedType,
		"constraint_type": m.ConstraintType,
		"message":         m.Message,
		"updated_at":      m.UpdatedAt,
	})
	if isUniqueViolation(res.Error) {
		return domain.ErrDuplicateConstraint
	}
	if res.Error != nil {
		return gormError("update constraint", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (g *GormAdapter) DeleteConstraint(ctx context.Context, id string) error {
	res := g.db.WithContext(ctx).Delete(&constraintModel{}, "id = ?", id)
	if res.Error != nil {
		return gormError("delete constraint", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func constraintsFromModels(rows []constraintModel) []domain.Constraint {
	out := make([]domain.Constraint, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out
}

func (g *GormAdapter) ListConstraints(ctx context.Context) ([]domain.Constraint, error) {
	var rows []constraintModel
	if err := g.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, gormError("list constraints", err)
	}
	return constraintsFromModels(rows), nil
}

func (g *GormAdapter) ListConstraintsByItems(ctx context.Context, ids []string) ([]domain.Constraint, error) {
	if len(ids) == 0 {
		return []domain.Constraint{}, nil
	}
	var rows []constraintModel
	err := g.db.WithContext(ctx).
		Where("target_id IN ? OR related_id IN ?", ids, ids).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, gormError("list constraints", err)
	}
	return constraintsFromModels(rows), nil
}

func (g *GormAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("encode order lines: %w", err)
	}
	m := orderModel{
		ID:        order.ID,
		RequestID: order.RequestID,
		UserID:    order.UserID,
		Status:    string(order.Status),
		CartLines: lines,
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}
	if err := g.db.WithContext(ctx).Create(&m).Error; err != nil {
		return gormError("insert order", err)
	}
	return nil
}

// GetOrder returns nil, nil when the order does not exist.
func (g *GormAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var m orderModel
	err := g.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gormError("query order", err)
	}
	o := domain.Order{
		ID:        m.ID,
		RequestID: m.RequestID,
		UserID:    m.UserID,
		Status:    domain.OrderStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if err := json.Unmarshal(m.CartLines, &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	return &o, nil
}
