package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ServiceName    = "bom-stock"
	ServiceVersion = "0.1.0"
)

const (
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

const (
	TracesPath    = "/otlp/v1/traces"
	LogsPath      = "/otlp/v1/logs"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
	BatchTimeout  = 10 * time.Millisecond
	BatchSize     = 100
)

type Config struct {
	HTTPAddr           string
	GRPCAddr           string
	StoreDriver        string
	MySQLDSN           string
	PostgresDSN        string
	RedisAddr          string
	KafkaBroker        string
	KafkaTopic         string
	OtelEndpoint       string
	OtelAuthHeader     string
	WorkerCount        int
	QueueSize          int
	StoreTimeout       time.Duration
	MaxConflictRetries int
	LowStockThreshold  int
	ReadRetries        int
}

func Default() *Config {
	return &Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":50051",
		StoreDriver:        StoreMySQL,
		MySQLDSN:           "root:root@tcp(localhost:3306)/bomstock?parseTime=true",
		PostgresDSN:        "host=localhost user=postgres password=postgres dbname=bomstock port=5432 sslmode=disable",
		RedisAddr:          "localhost:6379",
		KafkaTopic:         "stock-events",
		WorkerCount:        10,
		QueueSize:          10000,
		StoreTimeout:       5 * time.Second,
		MaxConflictRetries: 3,
		LowStockThreshold:  5,
		ReadRetries:        3,
	}
}

// LoadConfig reads the environment on top of Default. Kafka and OTLP export
// are optional and stay disabled when their variables are empty.
func LoadConfig() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("STORE_DRIVER", &cfg.StoreDriver)
	str("MYSQL_DSN", &cfg.MySQLDSN)
	str("POSTGRES_DSN", &cfg.PostgresDSN)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("KAFKA_BROKER", &cfg.KafkaBroker)
	str("KAFKA_TOPIC", &cfg.KafkaTopic)
	str("OTEL_ENDPOINT", &cfg.OtelEndpoint)
	str("OTEL_AUTH_HEADER", &cfg.OtelAuthHeader)

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"WORKER_COUNT", &cfg.WorkerCount, 1},
		{"QUEUE_SIZE", &cfg.QueueSize, 1},
		{"MAX_CONFLICT_RETRIES", &cfg.MaxConflictRetries, 0},
		{"LOW_STOCK_THRESHOLD", &cfg.LowStockThreshold, 0},
		{"READ_RETRIES", &cfg.ReadRetries, 0},
	}
	for _, f := range ints {
		v := getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.key, err)
		}
		if n < f.min {
			return nil, fmt.Errorf("%s must be >= %d, got %d", f.key, f.min, n)
		}
		*f.dst = n
	}

	if v := getenv("STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("STORE_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("STORE_TIMEOUT must be positive, got %s", d)
		}
		cfg.StoreTimeout = d
	}

	switch cfg.StoreDriver {
	case StoreMySQL, StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}
