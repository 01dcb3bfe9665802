package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/rs/zerolog/log"
)

// Serve runs srv until ctx is cancelled or the process is asked to stop with
// SIGINT or SIGTERM. It then stops accepting requests, waits for in-flight
// requests up to the configured shutdown timeout, and executes hooks with
// the same deadline.
func Serve(ctx context.Context, cfg config.ServerConfig, srv *http.Server, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server: listening")
		serverErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		log.Info().Msg("server: shutdown requested")
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("server: shutdown incomplete")
	}

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	if err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
