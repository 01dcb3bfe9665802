// Package pipeline executes API requests: it serves queries from the cache,
// deduplicates identical in-flight fetches, injects credentials, and renews
// them once on a 401 before retrying.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/cache"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/carebridge/carebridge-client/internal/refresh"
	"github.com/carebridge/carebridge-client/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/carebridge/carebridge-client/internal/pipeline"

// Kind distinguishes reads, which are cached and deduplicated, from writes,
// which always reach the server.
type Kind int

const (
	Query Kind = iota
	Mutation
)

func (k Kind) String() string {
	if k == Mutation {
		return "mutation"
	}
	return "query"
}

// TagFunc computes tags from a request and its successful response.
type TagFunc func(req transport.Request, resp transport.Response) []cache.Tag

// Tags returns a TagFunc yielding a fixed set of tags.
func Tags(tags ...cache.Tag) TagFunc {
	return func(transport.Request, transport.Response) []cache.Tag {
		return tags
	}
}

// Endpoint describes one API operation. Provides applies to queries: the tags
// the cached result carries. Invalidates applies to mutations: the tags made
// stale by a successful call.
type Endpoint struct {
	Name        string
	Kind        Kind
	Provides    TagFunc
	Invalidates TagFunc
}

func (e Endpoint) tags(f TagFunc, req transport.Request, resp transport.Response) []cache.Tag {
	if f == nil {
		return nil
	}
	return f(req, resp)
}

// CredentialSource reads the current credentials.
type CredentialSource interface {
	Get() (credential.Credentials, bool)
}

// Refresher renews credentials on behalf of a failed request.
type Refresher interface {
	EnsureFresh(ctx context.Context, trigger refresh.Trigger) (credential.Credentials, error)
}

// Cache is the part of the cache engine the pipeline uses.
type Cache interface {
	Read(ctx context.Context, sig cache.Signature) (cache.Entry, bool)
	Generation(sig cache.Signature) (uint64, bool)
	BeginFetch(sig cache.Signature) cache.Ticket
	CompleteFetch(ctx context.Context, t cache.Ticket, payload []byte, tags []cache.Tag) (bool, error)
	AbortFetch(t cache.Ticket)
	Invalidate(ctx context.Context, tags ...cache.Tag) []cache.Signature
}

// Pipeline executes requests against the API.
type Pipeline struct {
	transport transport.Transport
	creds     CredentialSource
	refresher Refresher
	cache     Cache

	group singleflight.Group
	skew  time.Duration
	now   func() time.Time

	requests metric.Int64Counter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExpirySkew renews credentials before sending a request when the access
// token expires within skew. Zero disables proactive renewal.
func WithExpirySkew(skew time.Duration) Option {
	return func(p *Pipeline) {
		p.skew = skew
	}
}

// WithClock replaces time.Now when checking credential expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(tr transport.Transport, creds CredentialSource, refresher Refresher, c Cache, opts ...Option) *Pipeline {
	requests, err := otel.Meter(instrumentationName).Int64Counter(
		"api.requests",
		metric.WithDescription("API requests by endpoint and how they were served"),
	)
	if err != nil {
		otel.Handle(err)
	}

	p := &Pipeline{
		transport: tr,
		creds:     creds,
		refresher: refresher,
		cache:     c,
		now:       time.Now,
		requests:  requests,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs the request for the endpoint.
//
// A query with a Fresh cache entry is answered from the cache without a
// network call. Otherwise identical queries in flight share one fetch, whose
// result is cached under the endpoint's provided tags. A mutation always
// reaches the server and, on success, invalidates the endpoint's tags before
// returning.
//
// Non-2xx responses are returned as *apierr.APIError and network failures as
// *apierr.TransportError. A 401 triggers one credential renewal and one
// retry; if that fails the error wraps apierr.ErrSessionExpired.
func (p *Pipeline) Execute(ctx context.Context, ep Endpoint, req transport.Request) (transport.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "api."+ep.Name, trace.WithAttributes(
		attribute.String("api.endpoint", ep.Name),
		attribute.String("api.kind", ep.Kind.String()),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
	))
	defer span.End()

	var resp transport.Response
	var served string
	var err error
	if ep.Kind == Mutation {
		resp, err = p.mutate(ctx, ep, req)
		served = "network"
	} else {
		resp, served, err = p.query(ctx, ep, req)
	}

	if err != nil {
		served = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	span.SetAttributes(attribute.String("api.served", served))

	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("api.endpoint", ep.Name),
			attribute.String("api.served", served),
		))
	}

	return resp, err
}

// Query executes ep as a query regardless of its declared kind.
func (p *Pipeline) Query(ctx context.Context, ep Endpoint, req transport.Request) (transport.Response, error) {
	ep.Kind = Query
	return p.Execute(ctx, ep, req)
}

// Mutate executes ep as a mutation regardless of its declared kind.
func (p *Pipeline) Mutate(ctx context.Context, ep Endpoint, req transport.Request) (transport.Response, error) {
	ep.Kind = Mutation
	return p.Execute(ctx, ep, req)
}

func (p *Pipeline) query(ctx context.Context, ep Endpoint, req transport.Request) (transport.Response, string, error) {
	sig := cache.SignatureOf(req.Method, req.Path, req.Query, req.Body)

	if entry, ok := p.cache.Read(ctx, sig); ok && entry.Status == cache.Fresh {
		return transport.Response{Status: http.StatusOK, Body: entry.Payload}, "cache", nil
	}

	resp, led, accepted, err := p.join(ctx, ep, req, sig)
	if err != nil {
		return transport.Response{}, "error", err
	}
	if !led && !accepted {
		// the shared fetch was superseded while in flight: its result may
		// predate a change this caller must observe
		log.Debug().Str("endpoint", ep.Name).Msg("api: joined fetch superseded, fetching again")
		resp, _, _, err = p.join(ctx, ep, req, sig)
		if err != nil {
			return transport.Response{}, "error", err
		}
		return resp, "network", nil
	}

	if led {
		return resp, "network", nil
	}
	return resp, "shared", nil
}

type fetchResult struct {
	resp     transport.Response
	accepted bool
}

// join runs the fetch for sig, or joins the identical one in flight. Besides
// the response it reports whether this caller started the fetch and whether
// the cache accepted its result.
func (p *Pipeline) join(ctx context.Context, ep Endpoint, req transport.Request, sig cache.Signature) (transport.Response, bool, bool, error) {
	// A fetch that began before the entry last changed is not joined.
	gen, _ := p.cache.Generation(sig)
	key := fmt.Sprintf("%s@%d", sig, gen)

	// The shared fetch must not be cancelled by whichever caller started it.
	fetchCtx := context.WithoutCancel(ctx)
	var led bool
	ch := p.group.DoChan(key, func() (any, error) {
		led = true
		return p.fetch(fetchCtx, ep, req, sig)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return transport.Response{}, led, false, res.Err
		}
		r := res.Val.(fetchResult)
		return r.resp, led, r.accepted, nil
	case <-ctx.Done():
		return transport.Response{}, false, false, ctx.Err()
	}
}

func (p *Pipeline) fetch(ctx context.Context, ep Endpoint, req transport.Request, sig cache.Signature) (fetchResult, error) {
	ticket := p.cache.BeginFetch(sig)

	resp, err := p.send(ctx, req)
	if err != nil {
		p.cache.AbortFetch(ticket)
		return fetchResult{}, err
	}

	accepted, err := p.cache.CompleteFetch(ctx, ticket, resp.Body, ep.tags(ep.Provides, req, resp))
	if err != nil {
		// not cached, but current: nothing superseded it
		log.Warn().Err(err).Str("endpoint", ep.Name).Msg("api: caching response failed")
		return fetchResult{resp: resp, accepted: true}, nil
	}
	if !accepted {
		log.Debug().Str("endpoint", ep.Name).Msg("api: response superseded while in flight, not cached")
	}

	return fetchResult{resp: resp, accepted: accepted}, nil
}

func (p *Pipeline) mutate(ctx context.Context, ep Endpoint, req transport.Request) (transport.Response, error) {
	resp, err := p.send(ctx, req)
	if err != nil {
		return transport.Response{}, err
	}

	if tags := ep.tags(ep.Invalidates, req, resp); len(tags) > 0 {
		sigs := p.cache.Invalidate(ctx, tags...)
		log.Debug().Str("endpoint", ep.Name).Int("invalidated", len(sigs)).Msg("api: mutation invalidated cached queries")
	}

	return resp, nil
}

// send performs the request with credentials, renewing them at most once.
func (p *Pipeline) send(ctx context.Context, req transport.Request) (transport.Response, error) {
	creds, ok := p.creds.Get()
	if !ok {
		return transport.Response{}, apierr.ErrUnauthenticated
	}

	if p.skew > 0 && creds.ExpiresWithin(p.now(), p.skew) {
		var err error
		creds, err = p.refresher.EnsureFresh(ctx, refresh.Trigger{Reason: refresh.Expired, StaleAccessToken: creds.AccessToken})
		if err != nil {
			return transport.Response{}, err
		}
	}

	resp, err := p.attempt(ctx, req, creds)
	if err != nil {
		return transport.Response{}, err
	}

	if resp.Status == http.StatusUnauthorized {
		log.Debug().Str("path", req.Path).Msg("api: access token rejected, renewing")

		creds, err = p.refresher.EnsureFresh(ctx, refresh.Trigger{Reason: refresh.Unauthorized, StaleAccessToken: creds.AccessToken})
		if err != nil {
			return transport.Response{}, err
		}

		// a second 401 is final: the renewed credential was rejected too
		resp, err = p.attempt(ctx, req, creds)
		if err != nil {
			return transport.Response{}, err
		}
	}

	if !resp.OK() {
		return transport.Response{}, &apierr.APIError{StatusCode: resp.Status, Body: resp.Body}
	}

	return resp, nil
}

func (p *Pipeline) attempt(ctx context.Context, req transport.Request, creds credential.Credentials) (transport.Response, error) {
	return p.transport.Do(ctx, req.WithHeader("Authorization", "Bearer "+creds.AccessToken))
}
