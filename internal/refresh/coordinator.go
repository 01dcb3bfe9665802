// Package refresh coordinates credential renewal so that at most one renewal
// is in flight, however many requests discover an expired credential at the
// same time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/carebridge/carebridge-client/internal/refresh"

// Reason records why a caller asked for renewal.
type Reason int

const (
	// Unauthorized means the server rejected the access token with 401.
	Unauthorized Reason = iota
	// Expired means the access token is known to expire imminently.
	Expired
)

func (r Reason) String() string {
	if r == Expired {
		return "expired"
	}
	return "unauthorized"
}

// Trigger is a request for renewal. StaleAccessToken is the access token the
// caller used; if the store already holds a different one, a renewal happened
// after the caller's request was sent and no new renewal is needed.
type Trigger struct {
	Reason           Reason
	StaleAccessToken string
}

// State of the coordinator.
type State int

const (
	Idle State = iota
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// CredentialStore is the part of the credential store the coordinator uses.
type CredentialStore interface {
	Get() (credential.Credentials, bool)
	SetIf(expectedAccess string, creds credential.Credentials) (bool, error)
	ClearIf(expectedAccess string) (bool, error)
}

// Renewer exchanges a refresh token for new credentials.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (credential.Credentials, error)
}

// RenewerFunc adapts a function to the Renewer interface.
type RenewerFunc func(ctx context.Context, refreshToken string) (credential.Credentials, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (credential.Credentials, error) {
	return f(ctx, refreshToken)
}

// RefreshError describes a failed renewal. Callers receive it wrapped
// together with apierr.ErrSessionExpired.
type RefreshError struct {
	Reason Reason
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("renewal after %s access token failed: %v", e.Reason, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// episode is one renewal and the callers waiting on it. done is closed once
// creds or err is set.
type episode struct {
	done       chan struct{}
	staleToken string
	reason     Reason
	waiters    int

	creds credential.Credentials
	err   error
}

type expiredHook struct {
	id uint64
	fn func(error)
}

// Coordinator is the single-flight renewal state machine.
type Coordinator struct {
	store   CredentialStore
	renewer Renewer
	timeout time.Duration

	mu      sync.Mutex
	state   State
	current *episode
	// lastFailed lets callers whose request was sent with the credential of a
	// failed episode, but who only saw their 401 after it finished, fail with
	// the same error as the episode's waiters.
	lastFailed *episode

	hooksMu    sync.Mutex
	hooks      []expiredHook
	nextHookID uint64

	renewals metric.Int64Counter
	waiters  metric.Int64Histogram
}

// NewCoordinator creates a coordinator. Each renewal is bounded by timeout
// and runs independently of the callers that triggered it.
func NewCoordinator(store CredentialStore, renewer Renewer, timeout time.Duration) *Coordinator {
	meter := otel.Meter(instrumentationName)

	renewals, err := meter.Int64Counter(
		"credential.renewals",
		metric.WithDescription("Credential renewals, by reason and outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}

	waiters, err := meter.Int64Histogram(
		"credential.renewal.waiters",
		metric.WithDescription("Callers released by a single renewal"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Coordinator{
		store:    store,
		renewer:  renewer,
		timeout:  timeout,
		renewals: renewals,
		waiters:  waiters,
	}
}

// OnSessionExpired registers fn to run after a renewal failed and the
// credentials were cleared. The returned function removes the registration.
func (c *Coordinator) OnSessionExpired(fn func(err error)) func() {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	c.nextHookID++
	id := c.nextHookID
	c.hooks = append(c.hooks, expiredHook{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hooksMu.Lock()
			defer c.hooksMu.Unlock()

			c.hooks = slices.DeleteFunc(c.hooks, func(h expiredHook) bool {
				return h.id == id
			})
		})
	}
}

// State reports the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// EnsureFresh returns credentials that are newer than the trigger's stale
// token. It starts a renewal if none is running, or joins the running one.
//
// Every caller of one renewal receives the same credentials or the same
// error. The error wraps apierr.ErrSessionExpired when renewal failed and
// apierr.ErrUnauthenticated when there is no session to renew. Cancelling ctx
// only abandons this caller's wait; the renewal carries on for the others.
func (c *Coordinator) EnsureFresh(ctx context.Context, trigger Trigger) (credential.Credentials, error) {
	c.mu.Lock()

	if ep := c.current; ep != nil {
		ep.waiters++
		c.mu.Unlock()

		log.Debug().Stringer("reason", trigger.Reason).Msg("credentials: joining renewal in progress")
		return c.wait(ctx, ep)
	}

	creds, ok := c.store.Get()
	if !ok {
		failed := c.lastFailed
		c.mu.Unlock()

		if failed != nil && trigger.StaleAccessToken != "" && failed.staleToken == trigger.StaleAccessToken {
			return credential.Credentials{}, failed.err
		}
		return credential.Credentials{}, apierr.ErrUnauthenticated
	}

	if trigger.StaleAccessToken != "" && trigger.StaleAccessToken != creds.AccessToken {
		c.mu.Unlock()
		return creds, nil
	}

	ep := &episode{
		done:       make(chan struct{}),
		staleToken: creds.AccessToken,
		reason:     trigger.Reason,
		waiters:    1,
	}
	c.current = ep
	c.state = Refreshing
	c.mu.Unlock()

	log.Info().
		Stringer("reason", trigger.Reason).
		Str("token", creds.Fingerprint()).
		Msg("credentials: renewal started")

	go c.renew(trace.LinkFromContext(ctx), ep, creds.RefreshToken)

	return c.wait(ctx, ep)
}

func (c *Coordinator) wait(ctx context.Context, ep *episode) (credential.Credentials, error) {
	select {
	case <-ep.done:
		return ep.creds, ep.err
	case <-ctx.Done():
		c.mu.Lock()
		ep.waiters--
		c.mu.Unlock()

		return credential.Credentials{}, ctx.Err()
	}
}

func (c *Coordinator) renew(link trace.Link, ep *episode, refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "renew_credentials",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("credential.renewal.reason", ep.reason.String())),
	)
	defer span.End()

	creds, err := c.renewer.Renew(ctx, refreshToken)
	if err == nil {
		err = creds.Validate()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential renewal failed")
		c.fail(ctx, ep, err)
		return
	}

	c.succeed(ctx, ep, creds)
	span.SetStatus(codes.Ok, "credentials renewed")
}

func (c *Coordinator) succeed(ctx context.Context, ep *episode, creds credential.Credentials) {
	swapped, err := c.store.SetIf(ep.staleToken, creds)
	if err != nil {
		c.fail(ctx, ep, fmt.Errorf("storing renewed credentials: %w", err))
		return
	}

	if !swapped {
		current, ok := c.store.Get()
		if !ok {
			// logged out while renewing
			c.release(ctx, ep, credential.Credentials{}, apierr.ErrUnauthenticated, Idle, "abandoned")
			return
		}
		// a login replaced the session while renewing; it takes precedence
		creds = current
	}

	log.Info().Str("token", creds.Fingerprint()).Time("expiry", creds.ExpiresAt).Msg("credentials: renewed")
	c.release(ctx, ep, creds, nil, Idle, "success")
}

func (c *Coordinator) fail(ctx context.Context, ep *episode, cause error) {
	err := fmt.Errorf("%w: %w", apierr.ErrSessionExpired, &RefreshError{Reason: ep.reason, Err: cause})

	log.Warn().Err(cause).Stringer("reason", ep.reason).Msg("credentials: renewal failed, ending session")

	// only end the session the renewal was for
	if _, clearErr := c.store.ClearIf(ep.staleToken); clearErr != nil {
		log.Warn().Err(clearErr).Msg("credentials: clearing session failed")
	}

	c.release(ctx, ep, credential.Credentials{}, err, Failed, "failure")

	c.hooksMu.Lock()
	hooks := slices.Clone(c.hooks)
	c.hooksMu.Unlock()

	for _, h := range hooks {
		h.fn(err)
	}

	c.mu.Lock()
	if c.current == nil && c.state == Failed {
		c.state = Idle
	}
	c.mu.Unlock()
}

// release resolves the episode for every waiter.
func (c *Coordinator) release(ctx context.Context, ep *episode, creds credential.Credentials, err error, next State, outcome string) {
	c.mu.Lock()
	ep.creds = creds
	ep.err = err
	waiters := ep.waiters
	c.current = nil
	c.state = next
	if err != nil && errors.Is(err, apierr.ErrSessionExpired) {
		c.lastFailed = ep
	} else {
		c.lastFailed = nil
	}
	close(ep.done)
	c.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("credential.renewal.reason", ep.reason.String()),
		attribute.String("credential.renewal.outcome", outcome),
	)
	if c.renewals != nil {
		c.renewals.Add(ctx, 1, attrs)
	}
	if c.waiters != nil {
		c.waiters.Record(ctx, int64(waiters), attrs)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("credential.renewal.waiters", waiters))
}
