// Package session owns the local record of one signed-in user and wires the
// clock tracker, scheduler, fetch coordinator, change merger and mutation guard
// around it.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/empire/go/internal/fetch"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/optimistic"
	"github.com/rs/zerolog/log"
)

// SourceAdvance tags merges of advance-state responses
const SourceAdvance = "advance"

// Status is the loading and error state rendered next to the record
type Status struct {
	Loading bool
	// FetchErr is the terminal fetch failure, nil once a fetch succeeds
	FetchErr       error
	MutationErrors map[string]error
}

// Snapshot is a consistent copy of everything the shell renders
type Snapshot struct {
	UserID        uuid.UUID
	Present       bool
	Fields        models.Fields // record with overlays applied
	LastUpdate    time.Time
	LastConfirmed time.Time
	Profile       *models.Profile
	Overlays      int
	Status        Status
}

// Store is the single local record of a session. Every merge source writes through
// it; it implements fetch.Sink, realtime.Sink and optimistic.Target.
type Store struct {
	now func() time.Time

	mu            sync.Mutex
	userID        uuid.UUID
	record        *models.UserRecord
	profile       *models.Profile
	overlays      optimistic.State
	loading       bool
	fetchErr      error
	mutationErrs  map[string]error
	lastConfirmed time.Time

	watchMu  sync.Mutex
	watchers map[int]func(Snapshot)
	nextID   int
}

// NewStore creates an empty store. now returns server-aligned time and stamps
// merges that carry no update time of their own.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:          now,
		mutationErrs: map[string]error{},
		watchers:     map[int]func(Snapshot){},
	}
}

// Begin points the store at userID, dropping local state if the user changed
func (s *Store) Begin(userID uuid.UUID) {
	s.mu.Lock()
	changed := s.userID != userID
	if changed {
		s.resetLocked()
		s.userID = userID
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Reset drops the record and all status. Used on sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.userID = uuid.Nil
	s.mu.Unlock()
	s.notify()
}

func (s *Store) resetLocked() {
	s.record = nil
	s.profile = nil
	s.overlays = optimistic.Reduce(s.overlays, optimistic.Reset{})
	s.loading = false
	s.fetchErr = nil
	s.mutationErrs = map[string]error{}
	s.lastConfirmed = time.Time{}
}

// MergeFields shallow-merges fields from source into the record
func (s *Store) MergeFields(source string, fields models.Fields) {
	if len(fields) == 0 {
		return
	}

	s.mu.Lock()
	s.ensureRecordLocked()
	s.record.Merge(fields)
	// ranking is derived data and does not confirm the accruing fields
	if source != fetch.SourceRanking {
		s.confirmLocked(s.now())
		s.confirmLocked(s.record.LastUpdateTime)
	}
	s.mu.Unlock()
	s.notify()
}

// MergeEvent merges a push event, taking the confirmation time from the event
// itself when it carries one. An event stamped before the record's last update is
// a replay and is dropped.
func (s *Store) MergeEvent(ev models.ChangeEvent) {
	if len(ev.Fields) == 0 {
		return
	}

	s.mu.Lock()
	s.ensureRecordLocked()
	ts, stamped := ev.UpdateTime()
	if stamped && s.record.Older(ts) {
		last := s.record.LastUpdateTime
		s.mu.Unlock()
		log.Debug().
			Str("event_id", ev.ID).
			Time("event_time", ts).
			Time("last_update", last).
			Msg("dropping change older than record")
		return
	}
	s.record.Merge(ev.Fields)
	if stamped {
		s.record.Touch(ts)
		s.confirmLocked(ts)
	} else {
		s.confirmLocked(s.now())
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) ensureRecordLocked() {
	if s.record == nil {
		s.record = models.NewUserRecord(s.userID, nil)
	}
}

func (s *Store) confirmLocked(t time.Time) {
	if t.After(s.lastConfirmed) {
		s.lastConfirmed = t
	}
}

// SetProfile stores the profile read alongside the state
func (s *Store) SetProfile(profile *models.Profile) {
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()
	s.notify()
}

// SetLoading sets the loading indicator
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
	s.notify()
}

// SetFetchError sets or clears the terminal fetch error
func (s *Store) SetFetchError(err error) {
	s.mu.Lock()
	s.fetchErr = err
	s.mu.Unlock()
	s.notify()
}

// SetMutationError sets or clears the inline error of field
func (s *Store) SetMutationError(field string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.mutationErrs, field)
	} else {
		s.mutationErrs[field] = err
	}
	s.mu.Unlock()
	s.notify()
}

// Dispatch applies an overlay event and returns the resulting state
func (s *Store) Dispatch(ev optimistic.Event) optimistic.State {
	s.mu.Lock()
	s.overlays = optimistic.Reduce(s.overlays, ev)
	state := s.overlays
	s.mu.Unlock()
	s.notify()
	return state
}

// View returns the rendered fields: the record with overlays applied
func (s *Store) View() models.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() models.Fields {
	var fields models.Fields
	if s.record != nil {
		fields = s.record.Fields
	}
	return s.overlays.Apply(fields)
}

// Record returns a copy of the authoritative record, nil when absent
func (s *Store) Record() *models.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// UserID returns the user the store currently holds
func (s *Store) UserID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// LastConfirmed returns the server-aligned time of the last authoritative update
func (s *Store) LastConfirmed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfirmed
}

// Snapshot returns a consistent copy of the rendered state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		UserID:        s.userID,
		Present:       s.record != nil,
		Fields:        s.viewLocked(),
		LastConfirmed: s.lastConfirmed,
		Profile:       s.profile,
		Overlays:      s.overlays.Len(),
		Status: Status{
			Loading:        s.loading,
			FetchErr:       s.fetchErr,
			MutationErrors: make(map[string]error, len(s.mutationErrs)),
		},
	}
	if s.record != nil {
		snap.LastUpdate = s.record.LastUpdateTime
	}
	for k, v := range s.mutationErrs {
		snap.Status.MutationErrors[k] = v
	}
	return snap
}

// Watch registers fn to receive a snapshot after every change. Callbacks run
// synchronously on the writing goroutine and must not call back into Watch.
func (s *Store) Watch(fn func(Snapshot)) (unsubscribe func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.watchMu.Lock()
	if len(s.watchers) == 0 {
		s.watchMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
