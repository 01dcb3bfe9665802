// Package cache holds server-derived records keyed by request signature and
// keeps them consistent through tag invalidation. Entries have no TTL: they
// become stale only when a mutation or a server event invalidates one of
// their tags.
package cache

import (
	"cmp"
	"context"
	"crypto/sha256"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is the derived state of a cache entry.
type Status int

const (
	// Invalidated entries still hold their last payload, but it must not be
	// served as current.
	Invalidated Status = iota
	Fetching
	Fresh
)

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Fetching:
		return "fetching"
	default:
		return "invalidated"
	}
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Signature   Signature `json:"signature"`
	Payload     []byte    `json:"-"`
	Tags        []Tag     `json:"tags"`
	Status      Status    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Generation  uint64    `json:"generation"`
}

// Ticket is taken when a fetch begins. The fetch result is only accepted if
// nothing touching the entry happened after the ticket was issued.
type Ticket struct {
	Signature  Signature
	entry      *entry
	generation uint64
	seq        uint64
}

// PatchFunc transforms a cached payload in place. Returning an error leaves
// the entry unchanged.
type PatchFunc func(payload []byte) ([]byte, error)

type entry struct {
	mu sync.Mutex

	sig        Signature
	tags       map[Tag]struct{}
	fresh      bool
	hasPayload bool
	digest     [sha256.Size]byte
	generation uint64
	inflight   int
	updated    time.Time
}

func (e *entry) status() Status {
	switch {
	case e.fresh:
		return Fresh
	case e.inflight > 0:
		return Fetching
	default:
		return Invalidated
	}
}

func (e *entry) sortedTags() []Tag {
	tags := slices.Collect(maps.Keys(e.tags))
	slices.SortFunc(tags, func(a, b Tag) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})
	return tags
}

type invalidateListener struct {
	id uint64
	fn func([]Signature)
}

// Engine is the cache and invalidation engine.
//
// Locks are always taken in the order entry.mu, entriesMu, indexMu, and
// entriesMu is never held while waiting for an entry. Transitions of one
// signature are serialised by its entry mutex, different signatures proceed
// concurrently.
type Engine struct {
	store Store[[]byte]
	now   func() time.Time

	entriesMu sync.Mutex
	entries   map[Signature]*entry

	indexMu sync.Mutex
	index   map[Tag]map[Signature]struct{}
	// seq counts invalidations. tagSeq records the seq of the last
	// invalidation of each tag; it is only needed while tickets are
	// outstanding and is dropped when none are.
	seq      uint64
	resetSeq uint64
	tagSeq   map[Tag]uint64
	tickets  int

	listenersMu    sync.Mutex
	listeners      []invalidateListener
	nextListenerID uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now for LastUpdated stamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine holding payloads in store.
func NewEngine(store Store[[]byte], opts ...EngineOption) *Engine {
	initMetrics()

	e := &Engine{
		store:   store,
		now:     time.Now,
		entries: map[Signature]*entry{},
		index:   map[Tag]map[Signature]struct{}{},
		tagSeq:  map[Tag]uint64{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockEntry returns the entry for sig locked, creating it when create is
// set. A nil return means no entry exists.
func (e *Engine) lockEntry(sig Signature, create bool) *entry {
	for {
		e.entriesMu.Lock()
		ent, ok := e.entries[sig]
		if !ok {
			if !create {
				e.entriesMu.Unlock()
				return nil
			}
			ent = &entry{
				sig:  sig,
				tags: map[Tag]struct{}{},
			}
			e.entries[sig] = ent
		}
		e.entriesMu.Unlock()

		ent.mu.Lock()
		if e.live(ent) {
			return ent
		}
		// removed or reset while waiting
		ent.mu.Unlock()
	}
}

// live reports whether ent is still the entry for its signature.
func (e *Engine) live(ent *entry) bool {
	e.entriesMu.Lock()
	defer e.entriesMu.Unlock()

	return e.entries[ent.sig] == ent
}

// Read returns the entry for sig. Invalidated entries are returned with their
// stale payload; callers decide whether stale data is acceptable. An entry
// whose payload was evicted from the store reads as absent.
func (e *Engine) Read(ctx context.Context, sig Signature) (Entry, bool) {
	ent := e.lockEntry(sig, false)
	if ent == nil {
		return Entry{}, false
	}

	if !ent.hasPayload {
		ent.mu.Unlock()
		return Entry{}, false
	}

	payload, found, err := e.store.Get(ctx, string(sig))
	if err != nil || !found {
		if err != nil {
			log.Warn().Err(err).Str("signature", sig.Short()).Msg("cache: reading payload failed")
		}
		e.forgetPayload(ctx, ent)
		ent.mu.Unlock()
		e.dropIfEmpty(sig)
		return Entry{}, false
	}

	snapshot := Entry{
		Signature:   sig,
		Payload:     payload,
		Tags:        ent.sortedTags(),
		Status:      ent.status(),
		LastUpdated: ent.updated,
		Generation:  ent.generation,
	}
	ent.mu.Unlock()

	return snapshot, true
}

// Generation returns the current generation of sig. It changes on every
// invalidation, write, patch and accepted fetch of the entry. Absent entries
// report zero,
// the generation a new entry starts with.
func (e *Engine) Generation(sig Signature) (uint64, bool) {
	ent := e.lockEntry(sig, false)
	if ent == nil {
		return 0, false
	}
	defer ent.mu.Unlock()

	return ent.generation, true
}

// Epoch counts invalidations and resets across the whole engine.
func (e *Engine) Epoch() uint64 {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	return e.seq
}

// BeginFetch records that a fetch for sig is starting. Every ticket must be
// finished with exactly one CompleteFetch or AbortFetch.
func (e *Engine) BeginFetch(sig Signature) Ticket {
	ent := e.lockEntry(sig, true)
	defer ent.mu.Unlock()

	ent.inflight++

	e.indexMu.Lock()
	e.tickets++
	seq := e.seq
	e.indexMu.Unlock()

	return Ticket{Signature: sig, entry: ent, generation: ent.generation, seq: seq}
}

// CompleteFetch stores the fetch result and marks the entry Fresh, unless the
// entry was invalidated, written or patched after BeginFetch, or one of its
// old or new tags was invalidated since then. A rejected result is discarded
// and the entry keeps its previous payload and status. It reports whether the
// result was accepted.
func (e *Engine) CompleteFetch(ctx context.Context, t Ticket, payload []byte, tags []Tag) (bool, error) {
	ent, live := e.lockTicketEntry(t)
	ent.inflight--

	if !live {
		// reset while the fetch was in flight
		ent.mu.Unlock()
		e.releaseTicket()
		recordCompletion(ctx, false)
		return false, nil
	}

	if !e.acceptable(ent, t, tags) {
		ent.mu.Unlock()
		log.Debug().Str("signature", t.Signature.Short()).Msg("cache: discarding fetch result invalidated in flight")
		recordCompletion(ctx, false)
		e.dropIfEmpty(t.Signature)
		return false, nil
	}
	defer ent.mu.Unlock()

	if err := e.store.Set(ctx, string(t.Signature), payload); err != nil {
		recordCompletion(ctx, false)
		return false, fmt.Errorf("storing payload: %w", err)
	}

	e.commit(ent, payload, tags)
	recordCompletion(ctx, true)

	return true, nil
}

// acceptable decides, under the entry lock, whether a ticket is still
// current. It releases the ticket in the same critical section as the tag
// check so tagSeq cannot be dropped between the two.
func (e *Engine) acceptable(ent *entry, t Ticket, tags []Tag) bool {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	defer e.releaseTicketLocked()

	if ent.generation != t.generation || t.seq < e.resetSeq {
		return false
	}

	for _, tag := range tags {
		if e.tagSeq[tag] > t.seq {
			return false
		}
	}
	for tag := range ent.tags {
		if e.tagSeq[tag] > t.seq {
			return false
		}
	}

	return true
}

// AbortFetch finishes a ticket whose fetch failed. Entries that never held a
// payload are forgotten once no fetch is in flight.
func (e *Engine) AbortFetch(t Ticket) {
	e.releaseTicket()

	ent := t.entry
	ent.mu.Lock()
	defer ent.mu.Unlock()

	ent.inflight--
	if !ent.hasPayload && ent.inflight == 0 {
		e.removeLocked(ent)
	}
}

// lockTicketEntry locks the entry a ticket was issued for and reports whether
// it is still the live entry for its signature.
func (e *Engine) lockTicketEntry(t Ticket) (*entry, bool) {
	t.entry.mu.Lock()
	return t.entry, e.live(t.entry)
}

// Write stores payload under sig as Fresh data. Writing the payload and tags
// a Fresh entry already holds is a no-op. It reports whether the entry
// changed.
func (e *Engine) Write(ctx context.Context, sig Signature, payload []byte, tags []Tag) (bool, error) {
	ent := e.lockEntry(sig, true)
	defer ent.mu.Unlock()

	if ent.fresh && ent.hasPayload && ent.digest == sha256.Sum256(payload) && sameTags(ent.tags, tags) {
		return false, nil
	}

	if err := e.store.Set(ctx, string(sig), payload); err != nil {
		return false, fmt.Errorf("storing payload: %w", err)
	}

	e.commit(ent, payload, tags)

	return true, nil
}

// commit records a stored payload. The generation moves on so any fetch still
// in flight for the entry, having started earlier, cannot overwrite it. The
// entry lock must be held.
func (e *Engine) commit(ent *entry, payload []byte, tags []Tag) {
	newTags := make(map[Tag]struct{}, len(tags))
	for _, tag := range tags {
		newTags[tag] = struct{}{}
	}

	e.indexMu.Lock()
	for tag := range ent.tags {
		if _, keep := newTags[tag]; !keep {
			e.removeFromIndexLocked(tag, ent.sig)
		}
	}
	for tag := range newTags {
		sigs, ok := e.index[tag]
		if !ok {
			sigs = map[Signature]struct{}{}
			e.index[tag] = sigs
		}
		sigs[ent.sig] = struct{}{}
	}
	e.indexMu.Unlock()

	ent.generation++
	ent.tags = newTags
	ent.fresh = true
	ent.hasPayload = true
	ent.digest = sha256.Sum256(payload)
	ent.updated = e.now()
}

// Invalidate marks every entry carrying one of tags as Invalidated and
// returns their signatures. Invalidation listeners receive the same
// signatures; refetching is up to them.
func (e *Engine) Invalidate(ctx context.Context, tags ...Tag) []Signature {
	if len(tags) == 0 {
		return nil
	}

	e.indexMu.Lock()
	e.seq++
	seq := e.seq
	candidates := map[Signature]struct{}{}
	for _, tag := range tags {
		if e.tickets > 0 {
			e.tagSeq[tag] = seq
		}
		for sig := range e.index[tag] {
			candidates[sig] = struct{}{}
		}
	}
	e.indexMu.Unlock()

	var affected []Signature
	for sig := range candidates {
		ent := e.lockEntry(sig, false)
		if ent == nil {
			continue
		}
		if hasAnyTag(ent.tags, tags) {
			ent.fresh = false
			ent.generation++
			affected = append(affected, sig)
		}
		ent.mu.Unlock()
	}
	slices.Sort(affected)

	log.Debug().
		Stringers("tags", tagStringers(tags)).
		Int("entries", len(affected)).
		Msg("cache: tags invalidated")

	recordInvalidations(ctx, len(affected))
	e.notify(affected)

	return affected
}

// Patch applies fn to the payload of a Fresh entry and reports whether it was
// applied. An entry that is not Fresh cannot be patched reliably: its
// generation is bumped so an in-flight fetch that predates the change is
// discarded, and invalidation listeners are told to refetch it.
func (e *Engine) Patch(ctx context.Context, sig Signature, fn PatchFunc) (bool, error) {
	ent := e.lockEntry(sig, false)
	if ent == nil {
		return false, nil
	}

	var payload []byte
	fresh := ent.fresh && ent.hasPayload
	if fresh {
		var found bool
		var err error
		payload, found, err = e.store.Get(ctx, string(sig))
		if err != nil {
			ent.mu.Unlock()
			return false, fmt.Errorf("reading payload: %w", err)
		}
		if !found {
			e.forgetPayload(ctx, ent)
			fresh = false
		}
	}

	if !fresh {
		ent.fresh = false
		ent.generation++
		ent.mu.Unlock()
		e.notify([]Signature{sig})
		return false, nil
	}
	defer ent.mu.Unlock()

	patched, err := fn(payload)
	if err != nil {
		return false, fmt.Errorf("patching %s: %w", sig.Short(), err)
	}

	if err := e.store.Set(ctx, string(sig), patched); err != nil {
		return false, fmt.Errorf("storing payload: %w", err)
	}

	ent.generation++
	ent.digest = sha256.Sum256(patched)
	ent.updated = e.now()

	return true, nil
}

// OnInvalidate registers fn to receive the signatures affected by each
// invalidation. fn runs synchronously on the invalidating goroutine, outside
// all engine locks. The returned function removes the registration.
func (e *Engine) OnInvalidate(fn func([]Signature)) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.nextListenerID++
	id := e.nextListenerID
	e.listeners = append(e.listeners, invalidateListener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			defer e.listenersMu.Unlock()

			e.listeners = slices.DeleteFunc(e.listeners, func(l invalidateListener) bool {
				return l.id == id
			})
		})
	}
}

func (e *Engine) notify(sigs []Signature) {
	if len(sigs) == 0 {
		return
	}

	e.listenersMu.Lock()
	listeners := slices.Clone(e.listeners)
	e.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(sigs)
	}
}

// Reset drops every entry. Fetches in flight across a reset are discarded on
// completion.
func (e *Engine) Reset(ctx context.Context) {
	e.entriesMu.Lock()
	entries := e.entries
	e.entries = map[Signature]*entry{}
	e.entriesMu.Unlock()

	e.indexMu.Lock()
	e.seq++
	e.resetSeq = e.seq
	e.index = map[Tag]map[Signature]struct{}{}
	e.indexMu.Unlock()

	for sig := range entries {
		if err := e.store.Invalidate(ctx, string(sig)); err != nil {
			log.Warn().Err(err).Str("signature", sig.Short()).Msg("cache: removing payload failed")
		}
	}

	log.Info().Int("entries", len(entries)).Msg("cache: reset")
}

// Snapshot lists the metadata of every entry, without payloads, ordered by
// signature.
func (e *Engine) Snapshot() []Entry {
	e.entriesMu.Lock()
	entries := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		entries = append(entries, ent)
	}
	e.entriesMu.Unlock()

	snapshot := make([]Entry, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		if e.live(ent) {
			snapshot = append(snapshot, Entry{
				Signature:   ent.sig,
				Tags:        ent.sortedTags(),
				Status:      ent.status(),
				LastUpdated: ent.updated,
				Generation:  ent.generation,
			})
		}
		ent.mu.Unlock()
	}

	slices.SortFunc(snapshot, func(a, b Entry) int {
		return cmp.Compare(a.Signature, b.Signature)
	})

	return snapshot
}

// Close releases the payload store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// forgetPayload handles a payload that disappeared from the store. The entry
// lock must be held.
func (e *Engine) forgetPayload(ctx context.Context, ent *entry) {
	log.Debug().Str("signature", ent.sig.Short()).Msg("cache: payload evicted")
	_ = e.store.Invalidate(ctx, string(ent.sig))
	ent.hasPayload = false
	ent.fresh = false
	ent.generation++
}

func (e *Engine) dropIfEmpty(sig Signature) {
	ent := e.lockEntry(sig, false)
	if ent == nil {
		return
	}
	defer ent.mu.Unlock()

	if !ent.hasPayload && ent.inflight == 0 {
		e.removeLocked(ent)
	}
}

// removeLocked forgets ent if it is still the live entry for its signature.
// The entry lock must be held.
func (e *Engine) removeLocked(ent *entry) {
	e.entriesMu.Lock()
	live := e.entries[ent.sig] == ent
	if live {
		delete(e.entries, ent.sig)
	}
	e.entriesMu.Unlock()

	if live {
		e.unindex(ent)
	}
}

// unindex removes an entry's tags from the index. The entry lock must be
// held.
func (e *Engine) unindex(ent *entry) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	for tag := range ent.tags {
		e.removeFromIndexLocked(tag, ent.sig)
	}
	ent.tags = map[Tag]struct{}{}
}

func (e *Engine) removeFromIndexLocked(tag Tag, sig Signature) {
	sigs, ok := e.index[tag]
	if !ok {
		return
	}
	delete(sigs, sig)
	if len(sigs) == 0 {
		delete(e.index, tag)
	}
}

func (e *Engine) releaseTicket() {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	e.releaseTicketLocked()
}

func (e *Engine) releaseTicketLocked() {
	e.tickets--
	if e.tickets <= 0 {
		e.tickets = 0
		clear(e.tagSeq)
	}
}

func sameTags(current map[Tag]struct{}, tags []Tag) bool {
	if len(current) > len(tags) {
		return false
	}
	seen := make(map[Tag]struct{}, len(tags))
	for _, tag := range tags {
		if _, ok := current[tag]; !ok {
			return false
		}
		seen[tag] = struct{}{}
	}
	return len(seen) == len(current)
}

func hasAnyTag(current map[Tag]struct{}, tags []Tag) bool {
	for _, tag := range tags {
		if _, ok := current[tag]; ok {
			return true
		}
	}
	return false
}

func tagStringers(tags []Tag) []fmt.Stringer {
	s := make([]fmt.Stringer, len(tags))
	for i, tag := range tags {
		s[i] = tag
	}
	return s
}
