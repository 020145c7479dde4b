package port

import "context"

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes the key so a failed attempt can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// GetProductStock returns the cached derived stock, ok is false on a miss
	GetProductStock(ctx context.Context, productID string) (stock int, ok bool, err error)

	// SetProductStock stores the derived stock unless a newer version is cached
	SetProductStock(ctx context.Context, productID string, stock, version int) error
}
