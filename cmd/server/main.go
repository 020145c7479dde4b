package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/bom-stock/internal/adapter/handler"
	"github.com/rl1809/bom-stock/internal/adapter/messaging"
	"github.com/rl1809/bom-stock/internal/adapter/storage"
	"github.com/rl1809/bom-stock/internal/config"
	"github.com/rl1809/bom-stock/internal/core/domain"
	"github.com/rl1809/bom-stock/internal/core/service"
	"github.com/rl1809/bom-stock/internal/platform/observability"
	"github.com/rl1809/bom-stock/internal/port"
)

type store interface {
	port.CatalogRepository
	port.CatalogAdmin
	port.ConstraintRepository
	port.OrderRepository
	port.OrderReader
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(false).Fatal("failed to load config", zap.Error(err))
	}

	otelShutdown, err := observability.Setup(ctx, cfg)
	if err != nil {
		observability.NewLogger(false).Fatal("failed to set up telemetry", zap.Error(err))
	}
	logger := observability.NewLogger(cfg.OtelEndpoint != "")
	defer logger.Sync()

	db, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	var cache port.CacheRepository
	if err := rdb.Ping(ctx).Err(); err != nil {
		if cfg.StoreDriver != config.StoreMemory {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Warn("redis unavailable, running without stock cache and idempotency", zap.Error(err))
	} else {
		cache = storage.NewRedisAdapter(rdb)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var events port.EventPublisher
	var publisher *messaging.KafkaPublisher
	if cfg.KafkaBroker != "" {
		producer, err := messaging.NewProducer(cfg, otel.GetTracerProvider())
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		publisher = messaging.NewKafkaPublisher(producer, logger)
		events = publisher
		logger.Info("publishing events", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}

	tracer := otel.Tracer(config.ServiceName)
	stockService := service.NewStockService(db, cache, events, logger, tracer, service.StockOptions{
		StoreTimeout:       cfg.StoreTimeout,
		MaxConflictRetries: cfg.MaxConflictRetries,
		LowStockThreshold:  cfg.LowStockThreshold,
	})
	validator := service.NewValidator(db, logger, tracer)
	checkoutService := service.NewCheckoutService(cache, validator, stockService, logger, cfg.QueueSize)

	svc := handler.Services{
		Checkout:          checkoutService,
		Validator:         validator,
		Stock:             stockService,
		Reporter:          service.NewStockReporter(db, logger, tracer, cfg.ReadRetries),
		Constraints:       service.NewConstraintService(db, logger),
		Catalog:           db,
		Orders:            db,
		LowStockThreshold: cfg.LowStockThreshold,
	}

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			service.NewOrderWorker(id, db, stockService, events, logger, cfg.StoreTimeout).Run(checkoutService.GetOrderQueue())
		}(i)
	}
	logger.Info("started order workers", zap.Int("count", cfg.WorkerCount))

	// Start gRPC server
	grpcServer := grpc.NewServer()
	health := handler.NewGRPCHandler(svc, logger).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := handler.NewHTTPServer(cfg.HTTPAddr, handler.NewHTTPHandler(svc, logger))
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	health.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Close order queue and wait for workers
	checkoutService.Close()
	wg.Wait()
	logger.Info("workers stopped")

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka close", zap.Error(err))
		}
	}
	rdb.Close()
	closeDB()
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	logger.Info("connections closed")
}

// openStore connects the configured backend and applies its schema.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return adapter, func() { db.Close() }, nil

	case config.StorePostgres:
		gdb, err := storage.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
		adapter := storage.NewGormAdapter(gdb)
		if err := adapter.Migrate(ctx); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return adapter, func() { sqlDB.Close() }, nil

	default:
		mem := storage.NewMemoryStore()
		seedDemoCatalog(ctx, mem, logger)
		return mem, func() {}, nil
	}
}

// seedDemoCatalog gives the in-memory backend a small catalog to serve.
func seedDemoCatalog(ctx context.Context, mem *storage.MemoryStore, logger *zap.Logger) {
	mem.PutItem(domain.Item{ID: "bun", Name: "Bun", StockQuantity: 100})
	mem.PutItem(domain.Item{ID: "patty", Name: "Patty", StockQuantity: 60})
	mem.PutItem(domain.Item{ID: "cheese", Name: "Cheese", StockQuantity: 40})
	mem.PutProduct(domain.Product{ID: "burger", Name: "Burger", StockQuantity: 50})
	mem.PutProduct(domain.Product{ID: "double-cheese", Name: "Double Cheeseburger", StockQuantity: 20})

	links := []domain.ComponentLink{
		{ProductID: "burger", ItemID: "bun", QuantityPerUnit: 2},
		{ProductID: "burger", ItemID: "patty", QuantityPerUnit: 1},
		{ProductID: "double-cheese", ItemID: "bun", QuantityPerUnit: 2},
		{ProductID: "double-cheese", ItemID: "patty", QuantityPerUnit: 2},
		{ProductID: "double-cheese", ItemID: "cheese", QuantityPerUnit: 2},
	}
	for _, l := range links {
		if err := mem.PutComponent(ctx, l); err != nil {
			logger.Fatal("failed to seed component", zap.Error(err))
		}
	}
	logger.Info("seeded demo catalog", zap.Int("components", len(links)))
}
