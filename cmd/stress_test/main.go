package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/bom-stock/internal/adapter/storage"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/core/service"
	"github.com/rl1809/bom-stock/internal/platform/observability"
)

const (
	sharedStock   = 30
	sideStock     = 12
	totalRequests = 200
)

// Two products compete for one shared item:
//
//	single = {shared x1, side x1}
//	double = {shared x2}
func main() {
	ctx := context.Background()
	logger := zap.NewNop()

	store := storage.NewMemoryStore()
	store.PutItem(domain.Item{ID: "shared", Name: "Shared", StockQuantity: sharedStock})
	store.PutItem(domain.Item{ID: "side", Name: "Side", StockQuantity: sideStock})
	store.PutProduct(domain.Product{ID: "single", Name: "Single"})
	store.PutProduct(domain.Product{ID: "double", Name: "Double"})
	for _, l := range []domain.ComponentLink{
		{ProductID: "single", ItemID: "shared", QuantityPerUnit: 1},
		{ProductID: "single", ItemID: "side", QuantityPerUnit: 1},
		{ProductID: "double", ItemID: "shared", QuantityPerUnit: 2},
	} {
		if err := store.PutComponent(ctx, l); err != nil {
			fmt.Printf("FAIL: seed component: %v\n", err)
			os.Exit(1)
		}
	}

	stock := service.NewStockService(store, nil, nil, logger, observability.NoopTracer(), service.DefaultStockOptions())
	for _, id := range []string{"single", "double"} {
		if _, err := stock.Recompute(ctx, id); err != nil {
			fmt.Printf("FAIL: recompute %s: %v\n", id, err)
			os.Exit(1)
		}
	}

	var singles, doubles, soldOut, other atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			productID := "single"
			if n%2 == 1 {
				productID = "double"
			}
			_, err := stock.ReserveAndDecrement(ctx, productID, 1)
			switch {
			case err == nil && productID == "single":
				singles.Add(1)
			case err == nil:
				doubles.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	shared, _ := store.GetItem(ctx, "shared")
	side, _ := store.GetItem(ctx, "side")
	single, _ := store.GetProduct(ctx, "single")
	double, _ := store.GetProduct(ctx, "double")

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial shared/side: %d/%d\n", sharedStock, sideStock)
	fmt.Printf("Total Requests:      %d\n", totalRequests)
	fmt.Printf("Singles sold:        %d\n", singles.Load())
	fmt.Printf("Doubles sold:        %d\n", doubles.Load())
	fmt.Printf("Sold out:            %d\n", soldOut.Load())
	fmt.Printf("Other errors:        %d\n", other.Load())
	fmt.Printf("Duration:            %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	check := func(ok bool, format string, args ...any) {
		if ok {
			fmt.Printf("PASS: "+format+"\n", args...)
			return
		}
		failed = true
		fmt.Printf("FAIL: "+format+"\n", args...)
	}

	used := int(singles.Load()) + 2*int(doubles.Load())
	check(shared.StockQuantity == sharedStock-used, "shared stock %d accounts for %d units consumed", shared.StockQuantity, used)
	check(side.StockQuantity == sideStock-int(singles.Load()), "side stock %d matches singles sold", side.StockQuantity)
	check(shared.StockQuantity >= 0 && side.StockQuantity >= 0, "no counter went negative")
	check(other.Load() == 0, "no unexpected errors")

	wantSingle := min(shared.StockQuantity, side.StockQuantity)
	wantDouble := shared.StockQuantity / 2
	check(single.StockQuantity == wantSingle, "single derived stock %d (want %d)", single.StockQuantity, wantSingle)
	check(double.StockQuantity == wantDouble, "double derived stock %d (want %d)", double.StockQuantity, wantDouble)

	if failed {
		os.Exit(1)
	}
}
