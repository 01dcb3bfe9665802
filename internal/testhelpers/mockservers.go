package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	TestUsername = "clinic-agent"
	TestPassword = "s3cret"
)

// Appointment is the resource served by MockAPIServer.
type Appointment struct {
	ID      string `json:"id"`
	Patient string `json:"patient"`
	Status  string `json:"status"`
}

// MockAPIServer is an appointment API with token authentication. Access
// tokens are HS256 JWTs carrying an expiry; refresh tokens are opaque and
// single use.
type MockAPIServer struct {
	Server *httptest.Server

	// TokenTTL is the lifetime of issued access tokens.
	TokenTTL time.Duration

	mu            sync.Mutex
	signingKey    []byte
	access        map[string]bool
	refresh       map[string]bool
	refreshFails  bool
	refreshDelay  time.Duration
	appointments  map[string]Appointment
	requests      map[string]int
	renewals      int
	lastAuthToken string
}

// SetupMockAPIServer starts the API with two appointments, "7" and "8". The
// server is closed when the test ends.
func SetupMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()

	mock := &MockAPIServer{
		TokenTTL:   15 * time.Minute,
		signingKey: []byte(uuid.NewString()),
		access:     map[string]bool{},
		refresh:    map[string]bool{},
		appointments: map[string]Appointment{
			"7": {ID: "7", Patient: "p-1", Status: "booked"},
			"8": {ID: "8", Patient: "p-2", Status: "booked"},
		},
		requests: map[string]int{},
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /auth/login", mock.handleLogin)
	router.HandleFunc("POST /auth/refresh", mock.handleRefresh)
	router.Handle("GET /appointments", mock.authenticated(mock.listAppointments))
	router.Handle("GET /appointments/{id}", mock.authenticated(mock.getAppointment))
	router.Handle("PUT /appointments/{id}", mock.authenticated(mock.putAppointment))

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests[r.Method+" "+r.URL.Path]++
		mock.mu.Unlock()

		router.ServeHTTP(w, r)
	}))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the base URL of the server.
func (m *MockAPIServer) URL() string {
	return m.Server.URL
}

// Requests returns how many requests were made for "METHOD /path".
func (m *MockAPIServer) Requests(route string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[route]
}

// Renewals returns the number of successful refresh calls.
func (m *MockAPIServer) Renewals() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.renewals
}

// LastAccessToken is the bearer token of the most recent authenticated
// request.
func (m *MockAPIServer) LastAccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastAuthToken
}

// ExpireAccessTokens revokes every access token issued so far, so the next
// authenticated request is answered with 401.
func (m *MockAPIServer) ExpireAccessTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.access)
}

// FailRefresh makes every refresh call answer 401.
func (m *MockAPIServer) FailRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshFails = true
}

// SlowRefresh delays refresh responses by d.
func (m *MockAPIServer) SlowRefresh(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshDelay = d
}

// Issue creates a valid token pair without a login round trip.
func (m *MockAPIServer) Issue(t *testing.T) (access, refresh string) {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	access, refresh, err := m.issueLocked()
	require.NoError(t, err)
	return access, refresh
}

func (m *MockAPIServer) issueLocked() (string, string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   TestUsername,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.TokenTTL)),
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", "", err
	}
	refresh := uuid.NewString()

	m.access[access] = true
	m.refresh[refresh] = true

	return access, refresh, nil
}

func (m *MockAPIServer) writeTokens(w http.ResponseWriter) {
	m.mu.Lock()
	access, refresh, err := m.issueLocked()
	ttl := m.TokenTTL
	m.mu.Unlock()

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	WriteJSON(w, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(ttl.Seconds()),
	})
}

func (m *MockAPIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Username != TestUsername || body.Password != TestPassword {
		http.Error(w, "invalid login", http.StatusUnauthorized)
		return
	}

	m.writeTokens(w)
}

func (m *MockAPIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	delay := m.refreshDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	valid := !m.refreshFails && m.refresh[body.RefreshToken]
	if valid {
		delete(m.refresh, body.RefreshToken)
		m.renewals++
	}
	m.mu.Unlock()

	if !valid {
		http.Error(w, "refresh token rejected", http.StatusUnauthorized)
		return
	}

	m.writeTokens(w)
}

func (m *MockAPIServer) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		m.mu.Lock()
		m.lastAuthToken = token
		valid := ok && m.access[token]
		m.mu.Unlock()

		if !valid {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	})
}

func (m *MockAPIServer) listAppointments(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	list := make([]Appointment, 0, len(m.appointments))
	for _, id := range []string{"7", "8"} {
		if a, ok := m.appointments[id]; ok {
			list = append(list, a)
		}
	}
	m.mu.Unlock()

	WriteJSON(w, list)
}

func (m *MockAPIServer) getAppointment(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	a, ok := m.appointments[r.PathValue("id")]
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	WriteJSON(w, a)
}

func (m *MockAPIServer) putAppointment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var a Appointment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.ID = id

	m.mu.Lock()
	_, ok := m.appointments[id]
	if ok {
		m.appointments[id] = a
	}
	m.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	WriteJSON(w, a)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
