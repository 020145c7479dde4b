package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/bom-stock/internal/port"
)

const (
	stockKeyPrefix    = "stock:product:"
	idempotencyKeyTTL = 24 * time.Hour
	stockCacheTTL     = time.Hour
)

// setStockScript writes stock and version unless the cached version is newer.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local stock = ARGV[1]
local version = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) > version then
	return 0
end

redis.call('HSET', key, 'stock', stock, 'version', version)
redis.call('EXPIRE', key, ttl)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) GetProductStock(ctx context.Context, productID string) (int, bool, error) {
	stock, err := r.client.HGet(ctx, stockKeyPrefix+productID, "stock").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stock, true, nil
}

func (r *RedisAdapter) SetProductStock(ctx context.Context, productID string, stock, version int) error {
	key := stockKeyPrefix + productID
	return setStockScript.Run(ctx, r.client, []string{key}, stock, version, int(stockCacheTTL.Seconds())).Err()
}
