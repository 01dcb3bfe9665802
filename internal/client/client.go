// Package client assembles the data-access layer and exposes it to the
// application: authenticated queries and mutations, session management, and
// real-time subscriptions.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carebridge/carebridge-client/internal/cache"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/carebridge/carebridge-client/internal/pipeline"
	"github.com/carebridge/carebridge-client/internal/realtime"
	"github.com/carebridge/carebridge-client/internal/refresh"
	"github.com/carebridge/carebridge-client/internal/transport"
	"github.com/rs/zerolog/log"
)

type options struct {
	transport     transport.Transport
	roundTripper  http.RoundTripper
	persister     credential.Persister
	bridgeOptions []realtime.Option
}

// Option configures a Client.
type Option func(*options)

// WithTransport replaces the HTTP transport to the API.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) {
		o.transport = tr
	}
}

// WithRoundTripper sets the round tripper of the default HTTP transport, for
// example one carrying telemetry.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *options) {
		o.roundTripper = rt
	}
}

// WithPersister persists the session through p instead of the configured
// credentials file.
func WithPersister(p credential.Persister) Option {
	return func(o *options) {
		o.persister = p
	}
}

// WithBridgeOptions passes options to the event bridge.
func WithBridgeOptions(opts ...realtime.Option) Option {
	return func(o *options) {
		o.bridgeOptions = append(o.bridgeOptions, opts...)
	}
}

// Client is the data-access layer. It is safe for concurrent use.
type Client struct {
	cfg config.Config

	transport   transport.Transport
	store       *credential.Store
	coordinator *refresh.Coordinator
	cache       *cache.Engine
	pipeline    *pipeline.Pipeline
	bridge      *realtime.Bridge

	unsubscribe func()
}

// New wires the layer from configuration. No network calls are made until
// the client is used.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	tr := o.transport
	if tr == nil {
		httpTransport, err := transport.NewHTTP(cfg.API, o.roundTripper)
		if err != nil {
			return nil, fmt.Errorf("API transport configuration failed: %w", err)
		}
		tr = httpTransport
	}

	persister := o.persister
	if persister == nil && cfg.Credentials.File != "" {
		persister = credential.NewFilePersister(cfg.Credentials.File)
	}

	var storeOpts []credential.StoreOption
	if persister != nil {
		storeOpts = append(storeOpts, credential.WithPersister(persister))
	}
	store := credential.NewStore(storeOpts...)

	engine, err := cache.NewFromConfig(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache configuration failed: %w", err)
	}

	coordinator := refresh.NewCoordinator(store, refresh.NewHTTPRenewer(tr, cfg.API.RenewalPath), cfg.API.RenewalTimeout())

	c := &Client{
		cfg:         cfg,
		transport:   tr,
		store:       store,
		coordinator: coordinator,
		cache:       engine,
		pipeline:    pipeline.New(tr, store, coordinator, engine, pipeline.WithExpirySkew(cfg.API.ExpirySkew())),
		bridge: realtime.NewBridge(cfg.Realtime, store, engine,
			append([]realtime.Option{realtime.WithRefresher(coordinator)}, o.bridgeOptions...)...),
	}

	// cached data belongs to the session that fetched it
	c.unsubscribe = store.Subscribe(func(_ credential.Credentials, present bool) {
		if !present {
			engine.Reset(context.Background())
		}
	})

	coordinator.OnSessionExpired(func(err error) {
		log.Warn().Err(err).Msg("client: session expired, login required")
	})

	return c, nil
}

// Restore loads a persisted session, reporting whether one was found.
func (c *Client) Restore() (bool, error) {
	found, err := c.store.Load()
	if err != nil {
		return false, fmt.Errorf("restoring session failed: %w", err)
	}
	return found, nil
}

// Login exchanges a username and password for a new session. Data cached
// under a previous session is discarded.
func (c *Client) Login(ctx context.Context, username, password string) error {
	creds, err := refresh.Login(ctx, c.transport, c.cfg.API.LoginPath, username, password)
	if err != nil {
		return err
	}

	c.cache.Reset(ctx)

	if err := c.store.Set(creds); err != nil {
		return fmt.Errorf("storing session failed: %w", err)
	}

	log.Info().Str("token", creds.Fingerprint()).Msg("client: logged in")
	return nil
}

// Logout ends the session: credentials are cleared, which drops cached data
// and disconnects the event bridge.
func (c *Client) Logout() error {
	log.Info().Msg("client: logging out")
	return c.store.Clear()
}

// Query executes a read through the cache.
func (c *Client) Query(ctx context.Context, ep pipeline.Endpoint, req transport.Request) (transport.Response, error) {
	return c.pipeline.Query(ctx, ep, req)
}

// Mutate executes a write and invalidates the tags it declares.
func (c *Client) Mutate(ctx context.Context, ep pipeline.Endpoint, req transport.Request) (transport.Response, error) {
	return c.pipeline.Mutate(ctx, ep, req)
}

// QueryJSON executes a query and decodes its JSON response into T.
func QueryJSON[T any](ctx context.Context, c *Client, ep pipeline.Endpoint, req transport.Request) (T, error) {
	resp, err := c.Query(ctx, ep, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return transport.Decode[T](resp)
}

// OnCredentialsChanged registers fn for session changes: login, renewal and
// logout. The returned function removes the registration.
func (c *Client) OnCredentialsChanged(fn credential.Listener) func() {
	return c.store.Subscribe(fn)
}

// OnSessionExpired registers fn to run when renewal fails and the session
// is dropped.
func (c *Client) OnSessionExpired(fn func(err error)) func() {
	return c.coordinator.OnSessionExpired(fn)
}

// OnInvalidate registers fn to receive the signatures of cached queries
// made stale by a mutation or a server event. Refetching is up to fn.
func (c *Client) OnInvalidate(fn func([]cache.Signature)) func() {
	return c.cache.OnInvalidate(fn)
}

// Invalidate marks cached queries carrying any of tags as stale, as a
// mutation declaring them would.
func (c *Client) Invalidate(ctx context.Context, tags ...cache.Tag) []cache.Signature {
	return c.cache.Invalidate(ctx, tags...)
}

// Subscribe registers handler for server events on topic. Subscriptions are
// kept across reconnects and take effect once Run is active.
func (c *Client) Subscribe(topic string, handler realtime.Handler) func() {
	return c.bridge.Subscribe(topic, handler)
}

// Run keeps the event bridge connected until ctx is cancelled. Without a
// configured realtime URL it just waits for ctx.
func (c *Client) Run(ctx context.Context) error {
	if !c.cfg.Realtime.Enabled() {
		log.Info().Msg("client: realtime disabled")
		<-ctx.Done()
		return nil
	}
	return c.bridge.Run(ctx)
}

// Session returns the current credentials.
func (c *Client) Session() (credential.Credentials, bool) {
	return c.store.Get()
}

// Status summarises the state of the layer's components.
type Status struct {
	Authenticated bool          `json:"authenticated"`
	Refresh       string        `json:"refresh"`
	Realtime      string        `json:"realtime"`
	Cache         []cache.Entry `json:"cache"`
}

// Status reports a snapshot of the layer, without credential values or
// payloads.
func (c *Client) Status() Status {
	_, authenticated := c.store.Get()
	return Status{
		Authenticated: authenticated,
		Refresh:       c.coordinator.State().String(),
		Realtime:      c.bridge.State().String(),
		Cache:         c.cache.Snapshot(),
	}
}

// CacheSnapshot lists cached entries without payloads.
func (c *Client) CacheSnapshot() []cache.Entry {
	return c.cache.Snapshot()
}

// Close releases the cache. The client must not be used afterwards.
func (c *Client) Close() error {
	c.unsubscribe()
	return c.cache.Close()
}
