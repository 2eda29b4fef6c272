// Package session binds session ids to a persistent execution context and
// the worker currently running on it.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/interp"
	"github.com/jkaninda/runbox/internal/worker"
)

var (
	// ErrNotFound is returned for ids the store does not hold.
	ErrNotFound = errors.New("session not found")
	// ErrRetired is returned when launching on a record that was replaced or removed.
	ErrRetired = errors.New("session record retired")
)

// StartFunc launches a worker against a copy of the session context.
type StartFunc func(ctx *interp.Context, flag *worker.Flag) (*worker.Handle, error)

// Session is one record in the store. Its worker slot is guarded by the
// record's own mutex so check, reclaim and attach happen atomically.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	ctx     *interp.Context
	flag    *worker.Flag
	pending *worker.Handle
	retired bool
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		ctx:       interp.Build(),
		flag:      worker.NewFlag(),
	}
}

// Context returns a copy of the session's bindings.
func (s *Session) Context() *interp.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Clone()
}

// Flag returns the cancellation flag of the current or last worker.
func (s *Session) Flag() *worker.Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flag
}

// Pending returns the attached worker, if any.
func (s *Session) Pending() *worker.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Launch attaches a new worker started by start, with a fresh cancellation
// flag. If a live worker is already attached it is returned as busy and
// nothing is started.
func (s *Session) Launch(start StartFunc) (h, busy *worker.Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return nil, nil, ErrRetired
	}
	if s.pending != nil && s.pending.Alive() {
		return nil, s.pending, nil
	}

	flag := worker.NewFlag()
	h, err = start(s.ctx.Clone(), flag)
	if err != nil {
		return nil, nil, err
	}
	s.pending = h
	s.flag = flag
	return h, nil, nil
}

// Commit detaches h and, when ctx is non-nil, installs ctx as the session's
// bindings. It does nothing if h is no longer the attached worker.
func (s *Session) Commit(h *worker.Handle, ctx *interp.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != h {
		return false
	}
	s.pending = nil
	if ctx != nil {
		s.ctx = ctx
	}
	return true
}

// Detach drops h from the session if it is still attached.
func (s *Session) Detach(h *worker.Handle) {
	s.Commit(h, nil)
}

// Retired reports whether the record was replaced or removed.
func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// Retire marks the record as unusable. Get stops returning it and Launch
// fails with ErrRetired, while it stays under its id until removed.
func (s *Session) Retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

// Store is the process-wide session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create installs a fresh session under a new UUIDv4.
func (st *Store) Create() *Session {
	s := newSession(uuid.NewString())
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get returns the session for id or ErrNotFound. Retired records are not found.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok || s.Retired() {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes id. Deleting a missing id is a no-op.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.Retire()
	}
}

// Replace installs a fresh record with empty bindings under id, retiring
// stale. If stale was already replaced the current record is returned as is.
func (st *Store) Replace(id string, stale *Session) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur != stale {
		return cur, nil
	}
	fresh := newSession(id)
	st.sessions[id] = fresh
	stale.Retire()
	return fresh, nil
}

// Remove deletes s only if it is still the record stored under its id.
func (st *Store) Remove(s *Session) bool {
	st.mu.Lock()
	cur, ok := st.sessions[s.ID]
	removed := ok && cur == s
	if removed {
		delete(st.sessions, s.ID)
	}
	st.mu.Unlock()
	s.Retire()
	return removed
}

// Len returns the number of sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List returns all sessions.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		result = append(result, s)
	}
	return result
}
