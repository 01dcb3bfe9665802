package credential_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetEmpty(t *testing.T) {
	store := credential.NewStore()

	creds, present := store.Get()
	assert.False(t, present)
	assert.Equal(t, credential.Credentials{}, creds)
}

func TestStore_SetAndGet(t *testing.T) {
	store := credential.NewStore()
	expected := credential.Credentials{AccessToken: "access", RefreshToken: "refresh"}

	require.NoError(t, store.Set(expected))

	creds, present := store.Get()
	assert.True(t, present)
	assert.Equal(t, expected, creds)
}

func TestStore_RejectsPartialCredentials(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))

	err := store.Set(credential.Credentials{AccessToken: "only-access"})
	assert.ErrorIs(t, err, credential.ErrPartialCredentials)

	creds, present := store.Get()
	assert.True(t, present)
	assert.Equal(t, "a", creds.AccessToken, "rejected write must leave the stored pair untouched")
}

func TestStore_Clear(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, store.Clear())

	_, present := store.Get()
	assert.False(t, present)
}

func TestStore_SetZeroClears(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))

	require.NoError(t, store.Set(credential.Credentials{}))

	_, present := store.Get()
	assert.False(t, present)
}

func TestStore_ListenersSeeCommittedValue(t *testing.T) {
	store := credential.NewStore()

	var observed []string
	store.Subscribe(func(creds credential.Credentials, present bool) {
		// the value must already be readable when the listener runs
		current, currentPresent := store.Get()
		assert.Equal(t, present, currentPresent)
		assert.Equal(t, creds, current)
		observed = append(observed, fmt.Sprintf("%t:%s", present, creds.AccessToken))
	})

	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a2", RefreshToken: "r2"}))
	require.NoError(t, store.Clear())

	assert.Equal(t, []string{"true:a1", "true:a2", "false:"}, observed)
}

func TestStore_ClearWhenEmptyDoesNotNotify(t *testing.T) {
	store := credential.NewStore()

	calls := 0
	store.Subscribe(func(credential.Credentials, bool) { calls++ })

	require.NoError(t, store.Clear())
	assert.Equal(t, 0, calls)
}

func TestStore_Unsubscribe(t *testing.T) {
	store := credential.NewStore()

	var first, second int
	unsubscribe := store.Subscribe(func(credential.Credentials, bool) { first++ })
	store.Subscribe(func(credential.Credentials, bool) { second++ })

	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))
	unsubscribe()
	unsubscribe() // idempotent
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "b", RefreshToken: "s"}))

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestStore_ConcurrentReadersNeverSeePartialPair(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a-0", RefreshToken: "r-0"}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				creds, present := store.Get()
				if present {
					// the pair is written together, so suffixes always agree
					assert.Equal(t, creds.AccessToken[2:], creds.RefreshToken[2:])
				}
			}
		}()
	}

	for i := range 500 {
		require.NoError(t, store.Set(credential.Credentials{
			AccessToken:  fmt.Sprintf("a-%d", i),
			RefreshToken: fmt.Sprintf("r-%d", i),
		}))
	}
	close(stop)
	wg.Wait()
}

func TestStore_PersistsAndLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	expected := credential.Credentials{AccessToken: "access", RefreshToken: "refresh"}

	first := credential.NewStore(credential.WithPersister(credential.NewFilePersister(path)))
	require.NoError(t, first.Set(expected))

	second := credential.NewStore(credential.WithPersister(credential.NewFilePersister(path)))
	notified := false
	second.Subscribe(func(credential.Credentials, bool) { notified = true })

	found, err := second.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, notified)

	creds, present := second.Get()
	assert.True(t, present)
	assert.Equal(t, expected, creds)
}

func TestStore_ClearRemovesPersistedSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	persister := credential.NewFilePersister(path)
	store := credential.NewStore(credential.WithPersister(persister))

	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, store.Clear())

	_, found, err := persister.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PersistFailureKeepsMemoryValue(t *testing.T) {
	store := credential.NewStore(credential.WithPersister(failingPersister{}))

	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))

	_, present := store.Get()
	assert.True(t, present)
}

func TestStore_LoadWithoutPersister(t *testing.T) {
	found, err := credential.NewStore().Load()
	assert.NoError(t, err)
	assert.False(t, found)
}

type failingPersister struct{}

func (failingPersister) Load() (credential.Credentials, bool, error) {
	return credential.Credentials{}, false, errors.New("disk unavailable")
}

func (failingPersister) Save(credential.Credentials) error { return errors.New("disk unavailable") }

func (failingPersister) Remove() error { return errors.New("disk unavailable") }

func TestStore_SetIf(t *testing.T) {
	credsA := credential.Credentials{AccessToken: "access-a", RefreshToken: "refresh-a"}
	credsB := credential.Credentials{AccessToken: "access-b", RefreshToken: "refresh-b"}
	renewed := credential.Credentials{AccessToken: "access-renewed", RefreshToken: "refresh-renewed"}

	tests := []struct {
		name     string
		initial  *credential.Credentials
		expected string
		swapped  bool
		final    credential.Credentials
	}{
		{name: "current session", initial: &credsA, expected: "access-a", swapped: true, final: renewed},
		{name: "replaced session", initial: &credsB, expected: "access-a", swapped: false, final: credsB},
		{name: "no session", expected: "access-a", swapped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := credential.NewStore()
			if tt.initial != nil {
				require.NoError(t, store.Set(*tt.initial))
			}

			var notified int
			store.Subscribe(func(credential.Credentials, bool) { notified++ })

			swapped, err := store.SetIf(tt.expected, renewed)
			require.NoError(t, err)
			assert.Equal(t, tt.swapped, swapped)

			creds, _ := store.Get()
			assert.Equal(t, tt.final, creds)
			if tt.swapped {
				assert.Equal(t, 1, notified)
			} else {
				assert.Zero(t, notified)
			}
		})
	}
}

func TestStore_SetIfRejectsPartialCredentials(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "a", RefreshToken: "r"}))

	swapped, err := store.SetIf("a", credential.Credentials{AccessToken: "only-access"})
	assert.ErrorIs(t, err, credential.ErrPartialCredentials)
	assert.False(t, swapped)

	creds, _ := store.Get()
	assert.Equal(t, "a", creds.AccessToken)
}

func TestStore_ClearIf(t *testing.T) {
	store := credential.NewStore()
	require.NoError(t, store.Set(credential.Credentials{AccessToken: "access-b", RefreshToken: "refresh-b"}))

	cleared, err := store.ClearIf("access-a")
	require.NoError(t, err)
	assert.False(t, cleared, "a newer session is kept")
	_, present := store.Get()
	assert.True(t, present)

	cleared, err = store.ClearIf("access-b")
	require.NoError(t, err)
	assert.True(t, cleared)
	_, present = store.Get()
	assert.False(t, present)
}
