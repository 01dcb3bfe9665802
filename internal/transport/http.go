package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader correlates client calls with server logs. Every attempt,
// including a retry after renewal, gets its own ID.
const RequestIDHeader = "X-Request-ID"

// maxResponseBytes bounds the body read for a single response.
const maxResponseBytes = 10 << 20 // 10 MB

// HTTP is the Transport backed by net/http.
type HTTP struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
}

// NewHTTP creates a transport for the configured API. The round tripper is
// usually the telemetry-wrapped transport from the observe package.
func NewHTTP(cfg config.APIConfig, rt http.RoundTripper) (*HTTP, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse API base URL: %w", err)
	}

	if rt == nil {
		rt = http.DefaultTransport
	}

	return &HTTP{
		baseURL: u,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout(),
		},
		userAgent: cfg.UserAgent,
	}, nil
}

// ConfigureHTTPTransport clones the default transport with the configured
// connection limits.
func ConfigureHTTPTransport(cfg config.APIConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost

	return transport
}

func (h *HTTP) Do(ctx context.Context, req Request) (Response, error) {
	httpReq, err := h.newRequest(ctx, req)
	if err != nil {
		return Response{}, &apierr.TransportError{Method: req.Method, Path: req.Path, Err: err}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, &apierr.TransportError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return Response{}, &apierr.TransportError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("reading response body: %w", err)}
	}
	if len(body) > maxResponseBytes {
		return Response{}, &apierr.TransportError{Method: req.Method, Path: req.Path, Err: errors.New("response body exceeds size limit")}
	}

	log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Str("request_id", httpReq.Header.Get(RequestIDHeader)).
		Msg("api: response received")

	return Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (h *HTTP) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := *h.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(req.Path, "/")
	u.RawPath = ""
	u.RawQuery = req.Query.Encode()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get(RequestIDHeader) == "" {
		httpReq.Header.Set(RequestIDHeader, uuid.NewString())
	}
	if h.userAgent != "" {
		httpReq.Header.Set("User-Agent", h.userAgent)
	}

	return httpReq, nil
}
