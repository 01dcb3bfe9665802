package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/carebridge/carebridge-client/internal/client"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/carebridge/carebridge-client/internal/observe"
	"github.com/carebridge/carebridge-client/internal/realtime"
	"github.com/carebridge/carebridge-client/internal/server"
	"github.com/carebridge/carebridge-client/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(a agent) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// The debug routes take small JSON bodies at most.
	requestLimitBytes := int64(20 << 10) // 20 KB
	standardRouteMiddleware := alice.New(maxRequestSize(requestLimitBytes))

	mux.Handle("GET /debug/session", standardRouteMiddleware.Then(handleSession(a, time.Now)))
	mux.Handle("GET /debug/cache", standardRouteMiddleware.Then(handleCacheSnapshot(a)))
	mux.Handle("POST /debug/cache/invalidate", standardRouteMiddleware.Then(handleInvalidate(a)))

	// healthchecks are not included in telemetry
	mux.HandleUntraced("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("sync agent failed")
	}
}

func launchAgent() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the API transport
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	// hooks run in reverse: telemetry is flushed last
	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)

	apiTransport := observe.HTTPTransport(transport.ConfigureHTTPTransport(cfg.API), cfg.Observe)

	c, err := client.New(cfg, client.WithRoundTripper(apiTransport))
	if err != nil {
		return fmt.Errorf("client configuration failed: %w", err)
	}
	hooks.AddCloser("client", c)

	c.OnSessionExpired(func(error) {
		go relogin(c, cfg.Agent)
	})

	err = establishSession(ctx, c, cfg.Agent)
	if err != nil {
		return fmt.Errorf("session setup failed: %w", err)
	}

	for _, topic := range cfg.Realtime.Topics {
		c.Subscribe(topic, loggingHandler(realtime.InvalidateRecord(topic)))
	}

	runCtx, stopRealtime := context.WithCancel(ctx)
	realtimeDone := make(chan error, 1)
	go func() {
		realtimeDone <- c.Run(runCtx)
	}()
	hooks.Add("realtime", func() error {
		stopRealtime()
		return <-realtimeDone
	})

	// debug routes expose session metadata: loopback only
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:           configureServerRoutes(c),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// establishSession restores the persisted session, or logs in with the agent
// login when there is none. Without either the agent starts unauthenticated
// and requests fail until a session is available.
func establishSession(ctx context.Context, c *client.Client, agentCfg config.AgentConfig) error {
	found, err := c.Restore()
	if err != nil {
		log.Warn().Err(err).Msg("persisted session unusable, logging in")
	}
	if found {
		log.Info().Msg("persisted session restored")
		return nil
	}

	if agentCfg.Username == "" {
		log.Warn().Msg("no persisted session and AGENT_USERNAME not set: starting unauthenticated")
		return nil
	}

	return c.Login(ctx, agentCfg.Username, agentCfg.Password)
}

// relogin replaces an expired session using the agent login, if configured.
func relogin(c *client.Client, agentCfg config.AgentConfig) {
	if agentCfg.Username == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := c.Login(ctx, agentCfg.Username, agentCfg.Password); err != nil {
		log.Error().Err(err).Msg("login after session expiry failed")
		return
	}
	log.Info().Msg("session replaced after expiry")
}

// loggingHandler logs each event before passing it to next.
func loggingHandler(next realtime.Handler) realtime.Handler {
	return func(ctx context.Context, ev realtime.Event) (realtime.Update, error) {
		update, err := next(ctx, ev)

		log.Info().
			Str("topic", ev.Topic).
			Str("event", ev.Name).
			Stringers("invalidates", tagStringers(update)).
			Err(err).
			Msg("realtime event")

		return update, err
	}
}

func tagStringers(update realtime.Update) []fmt.Stringer {
	s := make([]fmt.Stringer, len(update.Invalidate))
	for i, t := range update.Invalidate {
		s[i] = t
	}
	return s
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}
