// Package transport performs single HTTP exchanges against the remote API.
// It knows nothing about credentials, retries or caching: those belong to the
// request pipeline.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request describes one call to the API. Path is relative to the configured
// base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Header http.Header
}

// WithHeader returns a copy of the request with the header set. The receiver
// is left untouched so a request can be safely retried with a different
// credential.
func (r Request) WithHeader(key, value string) Request {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(key, value)
	r.Header = header
	return r
}

// JSON builds a request whose body is v encoded as JSON.
func JSON(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encoding %s %s body: %w", method, path, err)
	}

	return Request{
		Method: method,
		Path:   path,
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	}, nil
}

// Response is a completed HTTP exchange. Body is shared between every caller
// of a deduplicated fetch and must be treated as read-only.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the JSON body into T.
func Decode[T any](r Response) (T, error) {
	var v T
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return v, fmt.Errorf("decoding response body: %w", err)
	}
	return v, nil
}

// Transport performs a single request. A returned error means no HTTP
// response was obtained; any status code, including 4xx and 5xx, is a
// successful exchange at this level.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Do(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
