package server

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks releases the agent's components when it stops. Hooks run in
// reverse registration order, so a component is released before the
// components it was built from. Hooks run at most once; a failing hook does
// not stop the rest.
type ShutdownHooks struct {
	mu       sync.Mutex
	hooks    []hook
	executed bool
}

// AddContext registers a hook receiving the shutdown context, which may carry
// a deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return fn()
	})
}

// AddCloser registers c.Close as a hook.
func (s *ShutdownHooks) AddCloser(name string, c io.Closer) {
	if c == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.Add(name, c.Close)
}

// Execute runs the registered hooks, last registered first. Calls after the
// first do nothing.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return
	}
	s.executed = true
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	l := log.Ctx(ctx)
	for _, h := range slices.Backward(hooks) {
		hookLog := l.With().Str("hook", h.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := h.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}
}
