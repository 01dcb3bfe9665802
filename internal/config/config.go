package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API         APIConfig
	Cache       CacheConfig
	Credentials CredentialsConfig
	Agent       AgentConfig
	Observe     ObserveConfig
	Realtime    RealtimeConfig
	Server      ServerConfig
}

// APIConfig describes the remote appointment API and the outgoing HTTP client.
type APIConfig struct {
	BaseURL     string `env:"API_BASE_URL, required"`
	LoginPath   string `env:"API_LOGIN_PATH, default=/auth/login"`
	RenewalPath string `env:"API_RENEWAL_PATH, default=/auth/refresh"`
	UserAgent   string `env:"API_USER_AGENT, default=carebridge-client"`

	TimeoutSeconds        int `env:"API_TIMEOUT_SECS, default=30"`
	RenewalTimeoutSeconds int `env:"API_RENEWAL_TIMEOUT_SECS, default=15"`

	// ExpirySkewSeconds renews credentials proactively when the access token
	// expires within this window. Zero disables proactive renewal.
	ExpirySkewSeconds int `env:"API_EXPIRY_SKEW_SECS, default=30"`

	MaxIdleConns    int `env:"API_MAX_IDLE_CONNS, default=20"`
	MaxConnsPerHost int `env:"API_MAX_CONNS_PER_HOST, default=10"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c APIConfig) RenewalTimeout() time.Duration {
	return time.Duration(c.RenewalTimeoutSeconds) * time.Second
}

func (c APIConfig) ExpirySkew() time.Duration {
	return time.Duration(c.ExpirySkewSeconds) * time.Second
}

// CacheConfig bounds the query cache. Entries never expire by age: they are
// only invalidated by tag.
type CacheConfig struct {
	MaxEntries int `env:"CACHE_MAX_ENTRIES, default=10000"`
}

// CredentialsConfig controls session persistence.
type CredentialsConfig struct {
	// File holds the persisted session. Empty keeps the session in memory
	// only.
	File string `env:"CREDENTIALS_FILE"`
}

// AgentConfig holds the login used by the sync agent binary when no
// persisted session exists.
type AgentConfig struct {
	Username string `env:"AGENT_USERNAME"`
	Password string `env:"AGENT_PASSWORD"`
}

// RealtimeConfig describes the push connection. An empty URL disables the
// event bridge.
type RealtimeConfig struct {
	URL        string   `env:"REALTIME_URL"`
	TokenParam string   `env:"REALTIME_TOKEN_PARAM, default=token"`
	Topics     []string `env:"REALTIME_TOPICS"`

	BackoffInitialMillis    int `env:"REALTIME_BACKOFF_INITIAL_MS, default=500"`
	BackoffMaxSeconds       int `env:"REALTIME_BACKOFF_MAX_SECS, default=30"`
	PingIntervalSeconds     int `env:"REALTIME_PING_INTERVAL_SECS, default=25"`
	HandshakeTimeoutSeconds int `env:"REALTIME_HANDSHAKE_TIMEOUT_SECS, default=10"`
}

func (c RealtimeConfig) Enabled() bool {
	return c.URL != ""
}

func (c RealtimeConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMillis) * time.Millisecond
}

func (c RealtimeConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c RealtimeConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c RealtimeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=carebridge-client"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

// ServerConfig configures the local debug server of the sync agent.
type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8089"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=10"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.API.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid API configuration: %w", err)
	}

	err = cfg.Realtime.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid realtime configuration: %w", err)
	}

	if cfg.Cache.MaxEntries <= 0 {
		return cfg, errors.New("invalid cache configuration: CACHE_MAX_ENTRIES must be positive")
	}

	return cfg, nil
}

// Validate checks that the API configuration is usable.
func (c *APIConfig) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("API_BASE_URL could not be parsed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL must be an http or https URL, got %q", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("API_BASE_URL must include a host, got %q", c.BaseURL)
	}

	if c.TimeoutSeconds <= 0 || c.RenewalTimeoutSeconds <= 0 {
		return errors.New("API_TIMEOUT_SECS and API_RENEWAL_TIMEOUT_SECS must be positive")
	}

	if c.ExpirySkewSeconds < 0 {
		return errors.New("API_EXPIRY_SKEW_SECS must not be negative")
	}

	return nil
}

// Validate checks the realtime configuration when the bridge is enabled.
func (c *RealtimeConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("REALTIME_URL could not be parsed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("REALTIME_URL must be a ws or wss URL, got %q", c.URL)
	}

	if c.TokenParam == "" {
		return errors.New("REALTIME_TOKEN_PARAM must not be empty")
	}

	if c.BackoffInitialMillis <= 0 || c.BackoffMaxSeconds <= 0 {
		return errors.New("REALTIME_BACKOFF_INITIAL_MS and REALTIME_BACKOFF_MAX_SECS must be positive")
	}

	if c.BackoffInitial() > c.BackoffMax() {
		return errors.New("REALTIME_BACKOFF_INITIAL_MS must not exceed REALTIME_BACKOFF_MAX_SECS")
	}

	return nil
}
