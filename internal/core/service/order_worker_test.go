package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/core/domain"
)

type failingOrderRepo struct {
	mu    sync.Mutex
	calls int
}

func (f *failingOrderRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func TestOrderWorker_SavesOrder(t *testing.T) {
	store := seedScenario(t)
	events := &mockPublisher{}
	stock := newTestStockService(store, nil, nil)
	lines := []domain.CartLine{{ProductID: "P", Quantity: 1}}
	if _, err := stock.ReserveCart(context.Background(), lines); err != nil {
		t.Fatal(err)
	}

	queue := make(chan domain.Order, 1)
	queue <- domain.Order{ID: "order-1", UserID: "user-1", Lines: lines, Status: domain.OrderStatusPending}
	close(queue)

	NewOrderWorker(1, store, stock, events, zap.NewNop(), time.Second).Run(queue)

	saved, err := store.GetOrder(context.Background(), "order-1")
	if err != nil || saved == nil {
		t.Fatalf("expected order to be saved, err=%v", err)
	}
	if saved.Status != domain.OrderStatusConfirmed {
		t.Errorf("expected confirmed status, got %s", saved.Status)
	}
	if len(events.orders) != 1 || events.orders[0].OrderID != "order-1" || events.orders[0].Type != domain.EventOrderAccepted {
		t.Errorf("unexpected order events: %+v", events.orders)
	}
	if got := itemStock(t, store, "A"); got != 8 {
		t.Errorf("expected A=8, got %d", got)
	}
}

func TestOrderWorker_ReleasesStockOnSaveFailure(t *testing.T) {
	store := seedScenario(t)
	events := &mockPublisher{}
	stock := newTestStockService(store, nil, nil)
	lines := []domain.CartLine{{ProductID: "P", Quantity: 2}}
	if _, err := stock.ReserveCart(context.Background(), lines); err != nil {
		t.Fatal(err)
	}
	if got := itemStock(t, store, "B"); got != 1 {
		t.Fatalf("expected B=1 after reservation, got %d", got)
	}

	repo := &failingOrderRepo{}
	queue := make(chan domain.Order, 1)
	queue <- domain.Order{ID: "order-1", Lines: lines}
	close(queue)

	NewOrderWorker(1, repo, stock, events, zap.NewNop(), time.Second).Run(queue)

	if repo.calls != 1 {
		t.Errorf("expected 1 save attempt, got %d", repo.calls)
	}
	if itemStock(t, store, "A") != 10 || itemStock(t, store, "B") != 3 {
		t.Error("expected stock to be released after save failure")
	}
	if got := productStock(t, store, "P"); got != 3 {
		t.Errorf("expected P=3 after release, got %d", got)
	}
	if len(events.orders) != 0 {
		t.Errorf("expected no order events, got %+v", events.orders)
	}
}
