package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carebridge/carebridge-client/internal/apierr"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	credsA = credential.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"}
	credsB = credential.Credentials{AccessToken: "access-b", RefreshToken: "refresh-b"}
)

// gatedRenewer blocks every renewal until release is closed.
type gatedRenewer struct {
	calls   atomic.Int32
	release chan struct{}
	creds   credential.Credentials
	err     error
	tokens  []string
	mu      sync.Mutex
}

func newGatedRenewer(creds credential.Credentials, err error) *gatedRenewer {
	return &gatedRenewer{release: make(chan struct{}), creds: creds, err: err}
}

func (r *gatedRenewer) Renew(ctx context.Context, refreshToken string) (credential.Credentials, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.tokens = append(r.tokens, refreshToken)
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-ctx.Done():
		return credential.Credentials{}, ctx.Err()
	}
	return r.creds, r.err
}

func newStoreWith(t *testing.T, creds credential.Credentials) *credential.Store {
	t.Helper()

	store := credential.NewStore()
	require.NoError(t, store.Set(creds))
	return store
}

func waitForWaiters(t *testing.T, c *Coordinator, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.current != nil && c.current.waiters == n
	}, 2*time.Second, time.Millisecond)
}

type result struct {
	creds credential.Credentials
	err   error
}

func triggerConcurrently(c *Coordinator, n int, trigger Trigger) (*sync.WaitGroup, []result) {
	results := make([]result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := c.EnsureFresh(context.Background(), trigger)
			results[i] = result{creds, err}
		}(i)
	}
	return &wg, results
}

func TestEnsureFresh_ConcurrentCallersShareOneRenewal(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credsB, nil)
	c := NewCoordinator(store, renewer, time.Second)

	const callers = 50
	wg, results := triggerConcurrently(c, callers, Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})

	waitForWaiters(t, c, callers)
	assert.Equal(t, Refreshing, c.State())

	close(renewer.release)
	wg.Wait()

	assert.Equal(t, int32(1), renewer.calls.Load())
	assert.Equal(t, []string{"refresh-a"}, renewer.tokens)
	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, credsB, r.creds)
	}

	stored, ok := store.Get()
	require.True(t, ok)
	assert.Equal(t, credsB, stored)
	assert.Equal(t, Idle, c.State())
}

func TestEnsureFresh_FailureReachesEveryCallerIdentically(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credential.Credentials{}, ErrRenewalRejected)
	c := NewCoordinator(store, renewer, time.Second)

	hookStates := make(chan State, 4)
	c.OnSessionExpired(func(err error) {
		assert.ErrorIs(t, err, apierr.ErrSessionExpired)
		hookStates <- c.State()
	})

	var cleared atomic.Bool
	store.Subscribe(func(_ credential.Credentials, present bool) {
		cleared.Store(!present)
	})

	const callers = 20
	wg, results := triggerConcurrently(c, callers, Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	waitForWaiters(t, c, callers)

	close(renewer.release)
	wg.Wait()

	first := results[0].err
	require.ErrorIs(t, first, apierr.ErrSessionExpired)
	for _, r := range results {
		assert.Same(t, first, r.err, "all callers receive the same failure")
		assert.Equal(t, credential.Credentials{}, r.creds)
	}

	var refreshErr *RefreshError
	require.ErrorAs(t, first, &refreshErr)
	assert.Equal(t, Unauthorized, refreshErr.Reason)
	assert.ErrorIs(t, first, ErrRenewalRejected)

	_, ok := store.Get()
	assert.False(t, ok, "credentials are cleared")
	assert.True(t, cleared.Load())

	select {
	case state := <-hookStates:
		assert.Equal(t, Failed, state)
	case <-time.After(2 * time.Second):
		t.Fatal("session expired hook was not called")
	}
	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, time.Millisecond)
	assert.Empty(t, hookStates, "the hook runs once per failed renewal")

	// a 401 for the same credential that arrives after the episode ended
	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	assert.Same(t, first, err)
	assert.Equal(t, int32(1), renewer.calls.Load())
}

func TestEnsureFresh_StaleTokenReturnsCurrentCredentials(t *testing.T) {
	store := newStoreWith(t, credsB)
	renewer := newGatedRenewer(credential.Credentials{}, errors.New("must not be called"))
	c := NewCoordinator(store, renewer, time.Second)

	creds, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})

	require.NoError(t, err)
	assert.Equal(t, credsB, creds)
	assert.Zero(t, renewer.calls.Load())
}

func TestEnsureFresh_NoCredentials(t *testing.T) {
	renewer := newGatedRenewer(credsB, nil)
	c := NewCoordinator(credential.NewStore(), renewer, time.Second)

	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: "whatever"})

	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
	assert.Zero(t, renewer.calls.Load())
}

func TestEnsureFresh_CancelledWaiterLeavesOthersUnaffected(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credsB, nil)
	c := NewCoordinator(store, renewer, time.Second)

	wg, results := triggerConcurrently(c, 3, Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	waitForWaiters(t, c, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.EnsureFresh(ctx, Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
		cancelled <- err
	}()
	waitForWaiters(t, c, 4)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	waitForWaiters(t, c, 3)

	close(renewer.release)
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, credsB, r.creds)
	}
	assert.Equal(t, int32(1), renewer.calls.Load())
}

func TestEnsureFresh_RenewalOutlivesTriggeringCaller(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credsB, nil)
	c := NewCoordinator(store, renewer, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.EnsureFresh(ctx, Trigger{Reason: Expired, StaleAccessToken: credsA.AccessToken})
		done <- err
	}()
	waitForWaiters(t, c, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(renewer.release)
	require.Eventually(t, func() bool {
		stored, _ := store.Get()
		return stored == credsB
	}, time.Second, time.Millisecond)
}

func TestEnsureFresh_NewSessionAfterFailure(t *testing.T) {
	store := newStoreWith(t, credsA)
	failing := RenewerFunc(func(context.Context, string) (credential.Credentials, error) {
		return credential.Credentials{}, ErrRenewalRejected
	})
	c := NewCoordinator(store, failing, time.Second)

	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	require.ErrorIs(t, err, apierr.ErrSessionExpired)

	// log in again, then the next renewal starts a fresh episode
	require.NoError(t, store.Set(credsB))

	calls := 0
	c.renewer = RenewerFunc(func(_ context.Context, refreshToken string) (credential.Credentials, error) {
		calls++
		assert.Equal(t, "refresh-b", refreshToken)
		return credential.Credentials{AccessToken: "access-c", RefreshToken: "refresh-c"}, nil
	})

	creds, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsB.AccessToken})
	require.NoError(t, err)
	assert.Equal(t, "access-c", creds.AccessToken)
	assert.Equal(t, 1, calls)
}

func TestEnsureFresh_LoginDuringRenewalTakesPrecedence(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credential.Credentials{AccessToken: "renewed", RefreshToken: "renewed"}, nil)
	c := NewCoordinator(store, renewer, time.Second)

	wg, results := triggerConcurrently(c, 1, Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	waitForWaiters(t, c, 1)

	require.NoError(t, store.Set(credsB))
	close(renewer.release)
	wg.Wait()

	require.NoError(t, results[0].err)
	assert.Equal(t, credsB, results[0].creds)

	stored, _ := store.Get()
	assert.Equal(t, credsB, stored)
}

// loginAtSwapStore replaces the session just before the renewed credentials
// are stored, as a concurrent login would.
type loginAtSwapStore struct {
	*credential.Store
	login credential.Credentials
}

func (s *loginAtSwapStore) SetIf(expectedAccess string, creds credential.Credentials) (bool, error) {
	if err := s.Store.Set(s.login); err != nil {
		return false, err
	}
	return s.Store.SetIf(expectedAccess, creds)
}

func TestEnsureFresh_LoginAtStoreTimeIsNotOverwritten(t *testing.T) {
	store := &loginAtSwapStore{Store: newStoreWith(t, credsA), login: credsB}
	renewed := credential.Credentials{AccessToken: "renewed", RefreshToken: "renewed"}
	c := NewCoordinator(store, RenewerFunc(func(context.Context, string) (credential.Credentials, error) {
		return renewed, nil
	}), time.Second)

	creds, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})

	require.NoError(t, err)
	assert.Equal(t, credsB, creds)

	stored, _ := store.Get()
	assert.Equal(t, credsB, stored, "the renewed credentials of the old session are dropped")
}

func TestEnsureFresh_InvalidRenewalResponseFails(t *testing.T) {
	store := newStoreWith(t, credsA)
	partial := RenewerFunc(func(context.Context, string) (credential.Credentials, error) {
		return credential.Credentials{AccessToken: "only-access"}, nil
	})
	c := NewCoordinator(store, partial, time.Second)

	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})

	assert.ErrorIs(t, err, apierr.ErrSessionExpired)
	assert.ErrorIs(t, err, credential.ErrPartialCredentials)
	_, ok := store.Get()
	assert.False(t, ok)
}

func TestEnsureFresh_RenewalTimeout(t *testing.T) {
	store := newStoreWith(t, credsA)
	renewer := newGatedRenewer(credsB, nil) // never released
	c := NewCoordinator(store, renewer, 20*time.Millisecond)

	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})

	assert.ErrorIs(t, err, apierr.ErrSessionExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnSessionExpired_Unsubscribe(t *testing.T) {
	store := newStoreWith(t, credsA)
	c := NewCoordinator(store, RenewerFunc(func(context.Context, string) (credential.Credentials, error) {
		return credential.Credentials{}, ErrRenewalRejected
	}), time.Second)

	calls := 0
	unsubscribe := c.OnSessionExpired(func(error) { calls++ })
	unsubscribe()

	_, err := c.EnsureFresh(context.Background(), Trigger{Reason: Unauthorized, StaleAccessToken: credsA.AccessToken})
	require.Error(t, err)
	assert.Zero(t, calls)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "unauthorized", Unauthorized.String())
	assert.Equal(t, "expired", Expired.String())
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "refreshing", Refreshing.String())
	assert.Equal(t, "failed", Failed.String())
}
