package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestProductStock_Miss(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "stock:product:missing")

	_, ok, err := adapter.GetProductStock(ctx, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected cache miss")
	}
}

func TestProductStock_NewerVersionWins(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "stock:product:test-product")

	if err := adapter.SetProductStock(ctx, "test-product", 7, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stale write is ignored
	if err := adapter.SetProductStock(ctx, "test-product", 9, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stock, ok, err := adapter.GetProductStock(ctx, "test-product")
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if stock != 7 {
		t.Errorf("expected stock 7, got %d", stock)
	}

	if err := adapter.SetProductStock(ctx, "test-product", 4, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stock, _, _ = adapter.GetProductStock(ctx, "test-product")
	if stock != 4 {
		t.Errorf("expected stock 4, got %d", stock)
	}
}

func TestProductStock_ConcurrentWriters(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, "stock:product:concurrent-product")

	var wg sync.WaitGroup
	for v := 1; v <= 50; v++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			if err := adapter.SetProductStock(ctx, "concurrent-product", 100-version, version); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(v)
	}
	wg.Wait()

	stock, _, _ := adapter.GetProductStock(ctx, "concurrent-product")
	if stock != 50 {
		t.Errorf("expected stock of the newest version (50), got %d", stock)
	}
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Released key can be claimed again
	if err := adapter.ReleaseIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, "test-idem-key")
	if !ok {
		t.Error("expected claim after release to succeed")
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}
