package cache

import (
	"context"
)

// Store holds cached payloads by key. The engine keeps entry metadata
// (status, tags, generation) itself and delegates payload storage to a Store,
// so a bounded implementation can evict payloads under memory pressure.
type Store[T any] interface {
	// Get retrieves a value from the store.
	// Returns the value, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a value.
	Set(ctx context.Context, key string, value T) error

	// Invalidate removes a value.
	Invalidate(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
