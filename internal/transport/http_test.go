package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/carebridge/carebridge-client/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_Do(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte

	router := http.NewServeMux()
	router.HandleFunc("POST /v1/appointments/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"7","status":"confirmed"}`))
	})

	svr := httptest.NewServer(router)
	defer svr.Close()

	tr := newTransport(t, svr.URL+"/v1/")

	req := transport.Request{
		Method: http.MethodPost,
		Path:   "/appointments/7/confirm",
		Query:  url.Values{"notify": []string{"sms"}},
		Body:   []byte(`{"slot":"09:00"}`),
	}.WithHeader("Authorization", "Bearer token-1")

	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.True(t, resp.OK())
	assert.JSONEq(t, `{"id":"7","status":"confirmed"}`, string(resp.Body))

	require.NotNil(t, captured)
	assert.Equal(t, "7", captured.PathValue("id"))
	assert.Equal(t, "sms", captured.URL.Query().Get("notify"))
	assert.Equal(t, "Bearer token-1", captured.Header.Get("Authorization"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "carebridge-test", captured.Header.Get("User-Agent"))
	assert.Equal(t, `{"slot":"09:00"}`, string(capturedBody))

	_, err = uuid.Parse(captured.Header.Get(transport.RequestIDHeader))
	assert.NoError(t, err, "each request carries a generated request ID")
}

func TestHTTP_NonSuccessStatusIsNotAnError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token expired"}`))
	}))
	defer svr.Close()

	resp, err := newTransport(t, svr.URL).Do(context.Background(), transport.Request{Method: http.MethodGet, Path: "/profile"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.False(t, resp.OK())
}

func TestHTTP_TransportError(t *testing.T) {
	svr := httptest.NewServer(http.NotFoundHandler())
	tr := newTransport(t, svr.URL)
	svr.Close() // nothing is listening anymore

	_, err := tr.Do(context.Background(), transport.Request{Method: http.MethodGet, Path: "/appointments"})

	var transportErr *apierr.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "/appointments", transportErr.Path)
	assert.True(t, apierr.Retryable(err))
}

func TestHTTP_CancelledContext(t *testing.T) {
	svr := httptest.NewServer(http.NotFoundHandler())
	defer svr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTransport(t, svr.URL).Do(ctx, transport.Request{Method: http.MethodGet, Path: "/"})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode(t *testing.T) {
	type appointment struct {
		ID     string `json:"id"`
		Doctor string `json:"doctor"`
	}

	v, err := transport.Decode[appointment](transport.Response{Body: []byte(`{"id":"7","doctor":"Okafor"}`)})
	require.NoError(t, err)
	assert.Equal(t, appointment{ID: "7", Doctor: "Okafor"}, v)

	_, err = transport.Decode[appointment](transport.Response{Body: []byte(`not json`)})
	assert.ErrorContains(t, err, "decoding response body")
}

func TestJSON(t *testing.T) {
	req, err := transport.JSON(http.MethodPut, "/appointments/7", map[string]string{"note": "late"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, req.Method)
	assert.JSONEq(t, `{"note":"late"}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestRequest_WithHeaderCopies(t *testing.T) {
	original := transport.Request{Header: http.Header{"X-Trace": []string{"1"}}}

	modified := original.WithHeader("Authorization", "Bearer new")

	assert.Empty(t, original.Header.Get("Authorization"))
	assert.Equal(t, "Bearer new", modified.Header.Get("Authorization"))
	assert.Equal(t, "1", modified.Header.Get("X-Trace"))
}

func newTransport(t *testing.T, baseURL string) *transport.HTTP {
	t.Helper()

	cfg := config.APIConfig{
		BaseURL:        baseURL,
		UserAgent:      "carebridge-test",
		TimeoutSeconds: 5,
	}
	tr, err := transport.NewHTTP(cfg, transport.ConfigureHTTPTransport(cfg))
	require.NoError(t, err)

	return tr
}
