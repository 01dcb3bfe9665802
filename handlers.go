package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/cache"
	"github.com/carebridge/carebridge-client/internal/client"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/rs/zerolog/log"
)

// agent is the part of the client the debug routes inspect.
type agent interface {
	Session() (credential.Credentials, bool)
	Status() client.Status
	Invalidate(ctx context.Context, tags ...cache.Tag) []cache.Signature
}

// sessionResponse describes the session without exposing token values.
type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	Token         string     `json:"token,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	ExpiresIn     int64      `json:"expires_in_seconds,omitempty"`
	Refresh       string     `json:"refresh"`
	Realtime      string     `json:"realtime"`
}

func handleSession(a agent, now func() time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		status := a.Status()
		resp := sessionResponse{
			Refresh:  status.Refresh,
			Realtime: status.Realtime,
		}

		if creds, ok := a.Session(); ok {
			resp.Authenticated = true
			resp.Token = creds.Fingerprint()
			if !creds.ExpiresAt.IsZero() {
				expiry := creds.ExpiresAt.UTC()
				resp.ExpiresAt = &expiry
				resp.ExpiresIn = int64(creds.ExpiresAt.Sub(now()).Seconds())
			}
		}

		writeJSON(w, http.StatusOK, resp)
	})
}

func handleCacheSnapshot(a agent) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		writeJSON(w, http.StatusOK, a.Status().Cache)
	})
}

type invalidateRequest struct {
	Tags []cache.Tag `json:"tags"`
}

type invalidateResponse struct {
	Invalidated []cache.Signature `json:"invalidated"`
}

// handleInvalidate marks cached queries stale by tag, as a mutation or a
// server event would.
func handleInvalidate(a agent) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req invalidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Info().Err(err).Msg("invalid invalidation request")
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}
		if len(req.Tags) == 0 {
			writeJSONError(w, http.StatusBadRequest, "at least one tag is required")
			return
		}

		sigs := a.Invalidate(r.Context(), req.Tags...)
		if sigs == nil {
			sigs = []cache.Signature{}
		}

		log.Info().Int("tags", len(req.Tags)).Int("invalidated", len(sigs)).Msg("cache invalidated through debug route")
		writeJSON(w, http.StatusOK, invalidateResponse{Invalidated: sigs})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		// the status is already written: only logging is possible
		log.Info().Msgf("failed to write response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// errorStatus extracts HTTP status code and message from an error. Oversized
// bodies map to 413, other decoding failures to 400.
func errorStatus(err error) (int, string) {
	var statuser apierr.HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)
	}

	return http.StatusBadRequest, http.StatusText(http.StatusBadRequest)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
