package cache

import (
	"fmt"

	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates the engine with an instrumented, size-bounded
// in-memory payload store.
func NewFromConfig(cfg config.CacheConfig, opts ...EngineOption) (*Engine, error) {
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", cfg.MaxEntries)
	}

	log.Info().
		Str("cache_type", "memory").
		Int("max_entries", cfg.MaxEntries).
		Msg("initializing query cache")

	store := NewInstrumented[[]byte](NewMemory[[]byte](cfg.MaxEntries), "memory")

	return NewEngine(store, opts...), nil
}
