// Package realtime keeps a WebSocket connection to the push service and
// merges server events into the cache through the same invalidation
// vocabulary the request pipeline uses.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/carebridge/carebridge-client/internal/cache"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/carebridge/carebridge-client/internal/refresh"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/carebridge/carebridge-client/internal/realtime"

const writeTimeout = 10 * time.Second

// ConnState is the state of the push connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Event is a server push.
type Event struct {
	Topic string          `json:"topic"`
	Name  string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Patch is an atomic change to one cached response.
type Patch struct {
	Signature cache.Signature
	Apply     cache.PatchFunc
}

// Update is what a handler asks the bridge to apply for an event. Events can
// only invalidate or patch cached data, never overwrite it.
type Update struct {
	Invalidate []cache.Tag
	Patches    []Patch
}

// Handler turns an event into a cache update.
type Handler func(ctx context.Context, ev Event) (Update, error)

// Sink receives updates. The cache engine satisfies it.
type Sink interface {
	Invalidate(ctx context.Context, tags ...cache.Tag) []cache.Signature
	Patch(ctx context.Context, sig cache.Signature, fn cache.PatchFunc) (bool, error)
}

// CredentialSource provides the token used to authenticate the connection
// and announces changes to it.
type CredentialSource interface {
	Get() (credential.Credentials, bool)
	Subscribe(fn credential.Listener) func()
}

// Refresher renews credentials rejected during the handshake.
type Refresher interface {
	EnsureFresh(ctx context.Context, trigger refresh.Trigger) (credential.Credentials, error)
}

type controlMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// HandshakeError is a WebSocket upgrade refused with an HTTP status.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake refused: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HandshakeError) Status() (int, string) {
	return e.StatusCode, http.StatusText(e.StatusCode)
}

var errCredentialsChanged = errors.New("credentials changed")

// connection is one WebSocket. gorilla connections allow one concurrent
// writer, so every write goes through writeMu.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *connection) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *connection) close() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// Bridge is the event bridge. Subscriptions are kept across reconnects and
// re-established on every new connection.
type Bridge struct {
	cfg       config.RealtimeConfig
	creds     CredentialSource
	sink      Sink
	refresher Refresher
	dialer    *websocket.Dialer
	backoff   Backoff

	// controlMu orders subscribe and unsubscribe frames with the handler
	// table changes that caused them. It is taken before mu, and is the only
	// lock held while writing to the connection.
	controlMu sync.Mutex

	mu       sync.Mutex
	state    ConnState
	handlers map[string][]handlerEntry
	nextID   uint64
	conn     *connection

	observersMu  sync.Mutex
	observers    []stateObserver
	nextObserver uint64

	credChanged chan struct{}

	events metric.Int64Counter
}

type stateObserver struct {
	id uint64
	fn func(ConnState)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRefresher renews credentials when the push service rejects the
// handshake with 401.
func WithRefresher(r Refresher) Option {
	return func(b *Bridge) {
		b.refresher = r
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// WithBackoff replaces the reconnect backoff derived from configuration.
func WithBackoff(bo Backoff) Option {
	return func(b *Bridge) {
		b.backoff = bo
	}
}

func NewBridge(cfg config.RealtimeConfig, creds CredentialSource, sink Sink, opts ...Option) *Bridge {
	events, err := otel.Meter(instrumentationName).Int64Counter(
		"realtime.events",
		metric.WithDescription("Server events received, by topic"),
	)
	if err != nil {
		otel.Handle(err)
	}

	b := &Bridge{
		cfg:   cfg,
		creds: creds,
		sink:  sink,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		backoff: Backoff{
			Base:   cfg.BackoffInitial(),
			Max:    cfg.BackoffMax(),
			Jitter: 0.2,
		},
		handlers:    map[string][]handlerEntry{},
		credChanged: make(chan struct{}, 1),
		events:      events,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the connection state.
func (b *Bridge) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// OnStateChange registers fn to observe state transitions. fn runs on the
// bridge goroutine and must not block. The returned function removes the
// registration.
func (b *Bridge) OnStateChange(fn func(ConnState)) func() {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	b.nextObserver++
	id := b.nextObserver
	b.observers = append(b.observers, stateObserver{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.observersMu.Lock()
			defer b.observersMu.Unlock()

			b.observers = slices.DeleteFunc(b.observers, func(o stateObserver) bool {
				return o.id == id
			})
		})
	}
}

func (b *Bridge) setState(s ConnState) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	b.mu.Unlock()

	if !changed {
		return
	}

	log.Debug().Stringer("state", s).Msg("realtime: state changed")

	b.observersMu.Lock()
	observers := slices.Clone(b.observers)
	b.observersMu.Unlock()

	for _, o := range observers {
		o.fn(s)
	}
}

// Subscribe registers handler for events on topic. The first handler for a
// topic subscribes on the live connection, if any; removing the last one
// unsubscribes. Subscriptions persist across reconnects.
func (b *Bridge) Subscribe(topic string, handler Handler) func() {
	b.controlMu.Lock()
	defer b.controlMu.Unlock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, fn: handler})
	conn := b.conn
	b.mu.Unlock()

	if first {
		sendControl(conn, "subscribe", topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.controlMu.Lock()
			defer b.controlMu.Unlock()

			b.mu.Lock()
			b.handlers[topic] = slices.DeleteFunc(b.handlers[topic], func(h handlerEntry) bool {
				return h.id == id
			})
			last := len(b.handlers[topic]) == 0
			if last {
				delete(b.handlers, topic)
			}
			conn := b.conn
			b.mu.Unlock()

			if last {
				sendControl(conn, "unsubscribe", topic)
			}
		})
	}
}

// sendControl sends a control frame on conn, if connected. A failed send is
// left to the reader to notice; the next connection resubscribes from the
// handler table. controlMu must be held.
func sendControl(conn *connection, kind, topic string) {
	if conn == nil {
		return
	}
	if err := conn.send(controlMessage{Type: kind, Topic: topic}); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msgf("realtime: %s failed", kind)
	}
}

// Run maintains the connection until ctx is cancelled. It connects whenever
// credentials are present, reconnects with the new token when they change,
// and stays disconnected while they are absent.
func (b *Bridge) Run(ctx context.Context) error {
	unsubscribe := b.creds.Subscribe(func(credential.Credentials, bool) {
		select {
		case b.credChanged <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	defer b.setState(Disconnected)

	attempt := 0
	for {
		// any pending change is covered by the Get below
		select {
		case <-b.credChanged:
		default:
		}

		if ctx.Err() != nil {
			return nil
		}

		creds, ok := b.creds.Get()
		if !ok {
			b.setState(Disconnected)
			attempt = 0
			select {
			case <-ctx.Done():
				return nil
			case <-b.credChanged:
				continue
			}
		}

		if attempt == 0 && b.State() == Disconnected {
			b.setState(Connecting)
		} else {
			b.setState(Reconnecting)
		}

		conn, err := b.dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if b.renewAfterRejection(ctx, err, creds) {
				continue
			}

			delay := b.backoff.Next(attempt)
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("realtime: connect failed")

			if !b.sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		err = b.serve(ctx, conn)
		conn.close()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errCredentialsChanged):
			log.Info().Msg("realtime: credentials changed, reconnecting")
			b.setState(Reconnecting)
		default:
			delay := b.backoff.Next(attempt)
			attempt++
			log.Warn().Err(err).Dur("retry_in", delay).Msg("realtime: connection lost")
			b.setState(Reconnecting)

			if !b.sleep(ctx, delay) {
				return nil
			}
		}
	}
}

// sleep waits for d, returning early on a credential change. It returns
// false when ctx is done.
func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-b.credChanged:
		// put it back so the main loop sees the change
		select {
		case b.credChanged <- struct{}{}:
		default:
		}
		return true
	case <-timer.C:
		return true
	}
}

// renewAfterRejection renews credentials after the handshake was refused
// with 401, and reports whether a new token is available to retry with.
func (b *Bridge) renewAfterRejection(ctx context.Context, err error, creds credential.Credentials) bool {
	var handshakeErr *HandshakeError
	if b.refresher == nil || !errors.As(err, &handshakeErr) || handshakeErr.StatusCode != http.StatusUnauthorized {
		return false
	}

	renewed, err := b.refresher.EnsureFresh(ctx, refresh.Trigger{Reason: refresh.Unauthorized, StaleAccessToken: creds.AccessToken})
	if err != nil {
		log.Warn().Err(err).Msg("realtime: renewing rejected credentials failed")
		return false
	}

	return renewed.AccessToken != creds.AccessToken
}

func (b *Bridge) dial(ctx context.Context, creds credential.Credentials) (*connection, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not parse realtime URL: %w", err)
	}
	q := u.Query()
	q.Set(b.cfg.TokenParam, creds.AccessToken)
	u.RawQuery = q.Encode()

	header := http.Header{"Authorization": []string{"Bearer " + creds.AccessToken}}

	ws, resp, err := b.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return nil, err
	}

	return &connection{ws: ws}, nil
}

// serve runs one connection: resubscribes, dispatches inbound events and
// keeps the connection alive until it fails, ctx ends or credentials change.
func (b *Bridge) serve(ctx context.Context, conn *connection) error {
	b.controlMu.Lock()
	b.mu.Lock()
	b.conn = conn
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	slices.Sort(topics)
	for _, topic := range topics {
		sendControl(conn, "subscribe", topic)
	}
	b.controlMu.Unlock()

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
	}()

	log.Info().Int("topics", len(topics)).Msg("realtime: connected")
	b.setState(Connected)

	readErr := make(chan error, 1)
	go func() {
		readErr <- b.read(ctx, conn)
	}()

	ticker := time.NewTicker(b.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.close()
			<-readErr
			return ctx.Err()
		case <-b.credChanged:
			conn.close()
			<-readErr
			return errCredentialsChanged
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return fmt.Errorf("keep-alive failed: %w", <-readErr)
			}
		}
	}
}

// read dispatches inbound frames in arrival order until the connection
// fails. A pong, or any frame, extends the read deadline.
func (b *Bridge) read(ctx context.Context, conn *connection) error {
	timeout := 2 * b.cfg.PingInterval()
	extend := func() {
		_ = conn.ws.SetReadDeadline(time.Now().Add(timeout))
	}

	extend()
	conn.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("realtime: discarding malformed frame")
			continue
		}
		if ev.Topic == "" {
			continue // control acknowledgements carry no topic
		}

		b.dispatch(ctx, ev)
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers[ev.Topic])
	b.mu.Unlock()

	if b.events != nil {
		b.events.Add(ctx, 1, metric.WithAttributes(attribute.String("realtime.topic", ev.Topic)))
	}

	if len(handlers) == 0 {
		log.Debug().Str("topic", ev.Topic).Str("event", ev.Name).Msg("realtime: no handler for event")
		return
	}

	for _, h := range handlers {
		update, err := h.fn(ctx, ev)
		if err != nil {
			log.Warn().Err(err).Str("topic", ev.Topic).Str("event", ev.Name).Msg("realtime: handler failed")
			continue
		}
		b.apply(ctx, ev, update)
	}
}

func (b *Bridge) apply(ctx context.Context, ev Event, update Update) {
	if len(update.Invalidate) > 0 {
		sigs := b.sink.Invalidate(ctx, update.Invalidate...)
		log.Debug().Str("topic", ev.Topic).Str("event", ev.Name).Int("invalidated", len(sigs)).Msg("realtime: event invalidated cached queries")
	}

	for _, p := range update.Patches {
		applied, err := b.sink.Patch(ctx, p.Signature, p.Apply)
		if err != nil {
			log.Warn().Err(err).Str("topic", ev.Topic).Str("event", ev.Name).Msg("realtime: patch failed")
			continue
		}
		if !applied {
			log.Debug().Str("signature", p.Signature.Short()).Msg("realtime: patch target not fresh, refetch requested")
		}
	}
}
