package cache

import (
	"context"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is a size-bounded in-memory store using otter. Values never expire
// by age: they leave the store only through Invalidate or eviction.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	counter *stats.Counter
}

// NewMemory creates a new in-memory store holding at most maxSize values.
func NewMemory[T any](maxSize int) *Memory[T] {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, T]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
	})

	return &Memory[T]{
		cache:   cache,
		counter: counter,
	}
}

func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		var zero T
		return zero, false, nil
	}

	return entry.Value, true, nil
}

func (m *Memory[T]) Set(ctx context.Context, key string, value T) error {
	m.cache.Set(key, value)
	return nil
}

func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

// Stats reports hit, miss and eviction counts since creation.
func (m *Memory[T]) Stats() stats.Stats {
	return m.counter.Snapshot()
}

// Close is a no-op for the in-memory store.
func (m *Memory[T]) Close() error {
	return nil
}
