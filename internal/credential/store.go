// Package credential holds the single owned copy of the session credentials
// and notifies dependents when they change.
package credential

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener is notified after every credential change. present is false once
// the credentials have been cleared.
type Listener func(creds Credentials, present bool)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the credential store. Reads never observe a half-written pair.
//
// Set and Clear are serialised and notify listeners synchronously, in
// registration order, after the new value is visible to Get. Listeners must
// not call Set or Clear.
type Store struct {
	mu      sync.RWMutex
	creds   Credentials
	present bool

	// writeMu orders writes together with their notifications, so listeners
	// observe changes in the order they were made.
	writeMu   sync.Mutex
	persister Persister

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister records every change through p so a session survives a
// restart.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current credentials, if any.
func (s *Store) Get() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.creds, s.present
}

// Set replaces the stored credentials. Zero credentials are equivalent to
// Clear; partial credentials are rejected.
func (s *Store) Set(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if creds.IsZero() {
		return s.Clear()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.setLocked(creds)
	return nil
}

// SetIf replaces the stored credentials only while the session holding
// expectedAccess is current. It reports whether the credentials were
// replaced.
func (s *Store) SetIf(expectedAccess string, creds Credentials) (bool, error) {
	if err := creds.Validate(); err != nil {
		return false, err
	}
	if creds.IsZero() {
		return s.ClearIf(expectedAccess)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.holds(expectedAccess) {
		return false, nil
	}

	s.setLocked(creds)
	return true, nil
}

// setLocked records and announces creds. writeMu must be held.
func (s *Store) setLocked(creds Credentials) {
	s.mu.Lock()
	s.creds = creds
	s.present = true
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Save(creds); err != nil {
			// the in-memory value stays authoritative; the session just won't
			// survive a restart
			log.Warn().Err(err).Msg("credentials: persisting session failed")
		}
	}

	log.Debug().Str("token", creds.Fingerprint()).Time("expiry", creds.ExpiresAt).Msg("credentials: updated")
	s.notify(creds, true)
}

func (s *Store) holds(access string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.present && s.creds.AccessToken == access
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.clearLocked()
	return nil
}

// ClearIf removes the stored credentials only while the session holding
// expectedAccess is current. It reports whether they were removed.
func (s *Store) ClearIf(expectedAccess string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.holds(expectedAccess) {
		return false, nil
	}

	s.clearLocked()
	return true, nil
}

func (s *Store) clearLocked() {
	s.mu.Lock()
	wasPresent := s.present
	s.creds = Credentials{}
	s.present = false
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Remove(); err != nil {
			log.Warn().Err(err).Msg("credentials: removing persisted session failed")
		}
	}

	if wasPresent {
		log.Debug().Msg("credentials: cleared")
		s.notify(Credentials{}, false)
	}
}

// Load restores persisted credentials, if a persister is configured and holds
// a session. Listeners are notified as for Set.
func (s *Store) Load() (bool, error) {
	if s.persister == nil {
		return false, nil
	}

	creds, found, err := s.persister.Load()
	if err != nil || !found {
		return false, err
	}

	return true, s.Set(creds)
}

// Subscribe registers fn for change notifications. The returned function
// removes the registration.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()

			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(creds Credentials, present bool) {
	s.listenersMu.Lock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(creds, present)
	}
}
