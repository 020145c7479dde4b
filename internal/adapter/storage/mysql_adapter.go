package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/port"
)

// MySQLSchema creates the tables used by MySQLAdapter.
const MySQLSchema = `
CREATE TABLE IF NOT EXISTS items (
	id VARCHAR(64) PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT '',
	stock INT NOT NULL DEFAULT 0,
	version INT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	CHECK (stock >= 0)
);
CREATE TABLE IF NOT EXISTS products (
	id VARCHAR(64) PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT '',
	stock INT NOT NULL DEFAULT 0,
	version INT NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	CHECK (stock >= 0)
);
CREATE TABLE IF NOT EXISTS product_components (
	product_id VARCHAR(64) NOT NULL,
	item_id VARCHAR(64) NOT NULL,
	quantity_per_unit INT NOT NULL,
	PRIMARY KEY (product_id, item_id),
	KEY idx_component_item (item_id),
	CONSTRAINT fk_component_product FOREIGN KEY (product_id) REFERENCES products (id) ON DELETE CASCADE,
	CONSTRAINT fk_component_item FOREIGN KEY (item_id) REFERENCES items (id) ON DELETE CASCADE,
	CHECK (quantity_per_unit > 0)
);
CREATE TABLE IF NOT EXISTS cart_constraints (
	id VARCHAR(64) PRIMARY KEY,
	target_id VARCHAR(64) NOT NULL,
	target_type VARCHAR(16) NOT NULL,
	related_id VARCHAR(64) NOT NULL,
	related_type VARCHAR(16) NOT NULL,
	constraint_type VARCHAR(32) NOT NULL,
	message VARCHAR(512) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	UNIQUE KEY uq_constraint_rule (target_id, target_type, related_id, related_type, constraint_type),
	KEY idx_constraint_related (related_id)
);
CREATE TABLE IF NOT EXISTS orders (
	id VARCHAR(64) PRIMARY KEY,
	request_id VARCHAR(64) NOT NULL,
	user_id VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	cart_lines JSON NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL
);`

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrCheckConstraint = 3819
	mysqlErrNoReferencedRow = 1452
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

var (
	_ port.CatalogRepository    = (*MySQLAdapter)(nil)
	_ port.CatalogAdmin         = (*MySQLAdapter)(nil)
	_ port.ConstraintRepository = (*MySQLAdapter)(nil)
	_ port.OrderRepository      = (*MySQLAdapter)(nil)
	_ port.OrderReader          = (*MySQLAdapter)(nil)
)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate applies MySQLSchema statement by statement.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(MySQLSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// mysqlError maps driver errors onto the domain error kinds.
func mysqlError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrCheckConstraint:
			return fmt.Errorf("%s: %w", op, domain.ErrConcurrencyConflict)
		case mysqlErrLockWaitTimeout:
			return domain.NewStoreUnavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.NewStoreUnavailable(op, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func sortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var it domain.Item
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM items WHERE id = ?`, itemID,
	).Scan(&it.ID, &it.Name, &it.StockQuantity, &it.Version, &it.CreatedAt, &it.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mysqlError("query item", err)
	}
	return &it, nil
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.StockQuantity, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mysqlError("query product", err)
	}
	return &p, nil
}

func scanItems(rows *sql.Rows) ([]domain.Item, error) {
	defer rows.Close()
	var out []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.Name, &it.StockQuantity, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanProducts(rows *sql.Rows) ([]domain.Product, error) {
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.StockQuantity, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM items ORDER BY id`)
	if err != nil {
		return nil, mysqlError("list items", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, mysqlError("scan items", err)
	}
	return items, nil
}

func (m *MySQLAdapter) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM products ORDER BY id`)
	if err != nil {
		return nil, mysqlError("list products", err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, mysqlError("scan products", err)
	}
	return products, nil
}

func (m *MySQLAdapter) ListComponents(ctx context.Context, productID string) ([]domain.ComponentLink, error) {
	links, err := listComponents(ctx, m.db, []string{productID})
	if err != nil {
		return nil, err
	}
	return links[productID], nil
}

func listComponents(ctx context.Context, q queryer, productIDs []string) (map[string][]domain.ComponentLink, error) {
	out := make(map[string][]domain.ComponentLink)
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, item_id, quantity_per_unit
		FROM product_components
		WHERE product_id IN (`+placeholders(len(productIDs))+`)
		ORDER BY product_id, item_id`, stringArgs(productIDs)...)
	if err != nil {
		return nil, mysqlError("list components", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.ComponentLink
		if err := rows.Scan(&l.ProductID, &l.ItemID, &l.QuantityPerUnit); err != nil {
			return nil, mysqlError("scan components", err)
		}
		out[l.ProductID] = append(out[l.ProductID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlError("scan components", err)
	}
	return out, nil
}

// UpsertItem creates the item or overwrites its name and stock.
func (m *MySQLAdapter) UpsertItem(ctx context.Context, item domain.Item) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO items (id, name, stock, version) VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), stock = VALUES(stock),
			version = version + 1, updated_at = NOW(6)`,
		item.ID, item.Name, item.StockQuantity,
	)
	if err != nil {
		return mysqlError("upsert item", err)
	}
	return nil
}

// UpsertProduct creates the product or overwrites its name and stored stock.
func (m *MySQLAdapter) UpsertProduct(ctx context.Context, product domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, stock, version) VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), stock = VALUES(stock),
			version = version + 1, updated_at = NOW(6)`,
		product.ID, product.Name, product.StockQuantity,
	)
	if err != nil {
		return mysqlError("upsert product", err)
	}
	return nil
}

func (m *MySQLAdapter) PutComponent(ctx context.Context, link domain.ComponentLink) error {
	if link.QuantityPerUnit <= 0 {
		return domain.NewValidationError("quantity_per_unit", "must be positive, got %d", link.QuantityPerUnit)
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO product_components (product_id, item_id, quantity_per_unit) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity_per_unit = VALUES(quantity_per_unit)`,
		link.ProductID, link.ItemID, link.QuantityPerUnit,
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrNoReferencedRow {
		return domain.NewValidationError("component", "unknown product %s or item %s", link.ProductID, link.ItemID)
	}
	if err != nil {
		return mysqlError("put component", err)
	}
	return nil
}

func (m *MySQLAdapter) RemoveComponent(ctx context.Context, productID, itemID string) error {
	result, err := m.db.ExecContext(ctx, `
		DELETE FROM product_components WHERE product_id = ? AND item_id = ?`, productID, itemID)
	if err != nil {
		return mysqlError("remove component", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("component %s/%s: %w", productID, itemID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) InTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mysqlError("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mysqlError("commit", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) LockItems(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	out := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	ids := sortedIDs(itemIDs)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM items WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY id FOR UPDATE`, stringArgs(ids)...)
	if err != nil {
		return nil, mysqlError("lock items", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, mysqlError("lock items", err)
	}
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func (t *mysqlTx) LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	ids := sortedIDs(productIDs)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, stock, version, created_at, updated_at
		FROM products WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY id FOR UPDATE`, stringArgs(ids)...)
	if err != nil {
		return nil, mysqlError("lock products", err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, mysqlError("lock products", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (t *mysqlTx) ListComponents(ctx context.Context, productIDs []string) (map[string][]domain.ComponentLink, error) {
	return listComponents(ctx, t.tx, productIDs)
}

func (t *mysqlTx) ListDependentProducts(ctx context.Context, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT product_id FROM product_components
		WHERE item_id IN (`+placeholders(len(itemIDs))+`)
		ORDER BY product_id`, stringArgs(itemIDs)...)
	if err != nil {
		return nil, mysqlError("list dependent products", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mysqlError("scan dependent products", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlError("scan dependent products", err)
	}
	return out, nil
}

func (t *mysqlTx) AdjustItemStock(ctx context.Context, itemID string, delta int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET stock = stock + ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND stock + ? >= 0`,
		delta, itemID, delta,
	)
	if err != nil {
		return mysqlError("adjust item stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("adjust item %s: %w", itemID, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (t *mysqlTx) SetItemStock(ctx context.Context, itemID string, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ?`,
		quantity, itemID,
	)
	if err != nil {
		return mysqlError("set item stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("set item %s: %w", itemID, domain.ErrNotFound)
	}
	return nil
}

func (t *mysqlTx) AdjustProductStock(ctx context.Context, productID string, delta int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND stock + ? >= 0`,
		delta, productID, delta,
	)
	if err != nil {
		return mysqlError("adjust product stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("adjust product %s: %w", productID, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (t *mysqlTx) SetProductStock(ctx context.Context, productID string, quantity int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ?`,
		quantity, productID,
	)
	if err != nil {
		return mysqlError("set product stock", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("set product %s: %w", productID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) CreateConstraint(ctx context.Context, c domain.Constraint) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO cart_constraints
			(id, target_id, target_type, related_id, related_type, constraint_type, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TargetID, c.TargetType, c.RelatedID, c.RelatedType, c.Type, c.Message, c.CreatedAt, c.UpdatedAt,
	)
	if isDuplicateEntry(err) {
		return domain.ErrDuplicateConstraint
	}
	if err != nil {
		return mysqlError("insert constraint", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

const constraintColumns = `id, target_id, target_type, related_id, related_type, constraint_type, message, created_at, updated_at`

func scanConstraint(row interface{ Scan(...any) error }) (domain.Constraint, error) {
	var c domain.Constraint
	err := row.Scan(&c.ID, &c.TargetID, &c.TargetType, &c.RelatedID, &c.RelatedType, &c.Type, &c.Message, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (m *MySQLAdapter) GetConstraint(ctx context.Context, id string) (*domain.Constraint, error) {
	c, err := scanConstraint(m.db.QueryRowContext(ctx,
		`SELECT `+constraintColumns+` FROM cart_constraints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mysqlError("query constraint", err)
	}
	return &c, nil
}

func (m *MySQLAdapter) UpdateConstraint(ctx context.Context, c domain.Constraint) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE cart_constraints
		SET target_id = ?, target_type = ?, related_id = ?, related_type = ?,
			constraint_type = ?, message = ?, updated_at = ?
		WHERE id = ?`,
		c.TargetID, c.TargetType, c.RelatedID, c.RelatedType, c.Type, c.Message, c.UpdatedAt, c.ID,
	)
	if isDuplicateEntry(err) {
		return domain.ErrDuplicateConstraint
	}
	if err != nil {
		return mysqlError("update constraint", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *MySQLAdapter) DeleteConstraint(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM cart_constraints WHERE id = ?`, id)
	if err != nil {
		return mysqlError("delete constraint", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (m *MySQLAdapter) queryConstraints(ctx context.Context, query string, args ...any) ([]domain.Constraint, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mysqlError("list constraints", err)
	}
	defer rows.Close()

	out := make([]domain.Constraint, 0)
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, mysqlError("scan constraint", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mysqlError("scan constraint", err)
	}
	return out, nil
}

func (m *MySQLAdapter) ListConstraints(ctx context.Context) ([]domain.Constraint, error) {
	return m.queryConstraints(ctx, `SELECT `+constraintColumns+` FROM cart_constraints ORDER BY id`)
}

func (m *MySQLAdapter) ListConstraintsByItems(ctx context.Context, ids []string) ([]domain.Constraint, error) {
	if len(ids) == 0 {
		return []domain.Constraint{}, nil
	}
	in := placeholders(len(ids))
	args := append(stringArgs(ids), stringArgs(ids)...)
	return m.queryConstraints(ctx, `
		SELECT `+constraintColumns+` FROM cart_constraints
		WHERE target_id IN (`+in+`) OR related_id IN (`+in+`)
		ORDER BY id`, args...)
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return fmt.Errorf("encode order lines: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO orders (id, request_id, user_id, status, cart_lines, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.RequestID, order.UserID, order.Status, lines,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return mysqlError("insert order", err)
	}
	return nil
}

// GetOrder returns nil, nil when the order does not exist.
func (m *MySQLAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	var lines []byte
	err := m.db.QueryRowContext(ctx, `
		SELECT id, request_id, user_id, status, cart_lines, created_at, updated_at
		FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.RequestID, &o.UserID, &o.Status, &lines, &o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mysqlError("query order", err)
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	return &o, nil
}
