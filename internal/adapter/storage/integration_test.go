package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/adapter/storage"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/core/service"
	"github.com/rl1809/bom-stock/internal/platform/observability"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/bomstock?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb),
		db:    adapter,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

// seed creates a product made of two units of one item with the given stock.
func (env *testEnv) seed(t *testing.T, stock int) (itemID, productID string) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	itemID, productID = "it-item-"+suffix, "it-product-"+suffix

	if err := env.db.UpsertItem(ctx, domain.Item{ID: itemID, StockQuantity: stock}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := env.db.UpsertProduct(ctx, domain.Product{ID: productID}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := env.db.PutComponent(ctx, domain.ComponentLink{ProductID: productID, ItemID: itemID, QuantityPerUnit: 2}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return itemID, productID
}

func (env *testEnv) services(queueSize int) (*service.StockService, *service.CheckoutService) {
	stock := service.NewStockService(env.db, env.cache, nil, zap.NewNop(), observability.NoopTracer(), service.DefaultStockOptions())
	validator := service.NewValidator(env.db, zap.NewNop(), observability.NoopTracer())
	return stock, service.NewCheckoutService(env.cache, validator, stock, zap.NewNop(), queueSize)
}

func TestIntegration_FullCheckoutFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	itemID, productID := env.seed(t, 20)
	stock, svc := env.services(100)

	// Start workers
	var wg sync.WaitGroup
	workerCount := 3
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			service.NewOrderWorker(id, env.db, stock, nil, zap.NewNop(), 5*time.Second).Run(svc.GetOrderQueue())
		}(i)
	}

	var successCount atomic.Int32
	var checkoutWg sync.WaitGroup
	totalRequests := 20
	for i := 0; i < totalRequests; i++ {
		checkoutWg.Add(1)
		go func() {
			defer checkoutWg.Done()
			_, err := svc.Checkout(ctx, uuid.NewString(), "user", []domain.CartLine{{ProductID: productID, Quantity: 1}})
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	checkoutWg.Wait()

	svc.Close()
	wg.Wait()

	if successCount.Load() != 10 {
		t.Errorf("expected 10 successful checkouts, got %d", successCount.Load())
	}

	item, _ := env.db.GetItem(ctx, itemID)
	if item.StockQuantity != 0 {
		t.Errorf("expected MySQL item stock 0, got %d", item.StockQuantity)
	}
	available, err := stock.AvailableStock(ctx, productID)
	if err != nil || available != 0 {
		t.Errorf("expected cached product stock 0, got %d (err=%v)", available, err)
	}
}

func TestIntegration_IdempotencyPreventsDoubleOrder(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	itemID, productID := env.seed(t, 10)
	_, svc := env.services(100)
	defer svc.Close()

	go func() {
		for range svc.GetOrderQueue() {
		}
	}()

	requestID := "same-request-id-" + uuid.NewString()
	lines := []domain.CartLine{{ProductID: productID, Quantity: 1}}

	if _, err := svc.Checkout(ctx, requestID, "user", lines); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, requestID, "user", lines); !errors.Is(err, service.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	item, _ := env.db.GetItem(ctx, itemID)
	if item.StockQuantity != 8 {
		t.Errorf("expected stock 8, got %d", item.StockQuantity)
	}
}
