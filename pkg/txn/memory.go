package txn

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

type memoryRecord struct {
	value   any
	version uint64
}

type memoryKey struct {
	tenant string
	key    string
}

// MemoryStore is an in-process key/value store with optimistic concurrency.
// A session records the version of every key it reads; Commit fails with
// ErrStorageConflict when any of them changed since.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]memoryRecord
	opened  int
	commits int
	aborts  int

	// conflicts forces the next N commits to fail with a conflict.
	conflicts int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]memoryRecord)}
}

// Open starts a session. Read-only sessions reject Put.
func (s *MemoryStore) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	return &MemorySession{
		store:        s,
		opts:         opts,
		ContextStack: NewContextStack(opts.Context),
		reads:        make(map[string]uint64),
		writes:       make(map[string]any),
	}, nil
}

// Seed writes a committed value directly.
func (s *MemoryStore) Seed(tenant, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{tenant: tenant, key: key}
	s.records[k] = memoryRecord{value: value, version: s.records[k].version + 1}
}

// Value returns the committed value of key.
func (s *MemoryStore) Value(tenant, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[memoryKey{tenant: tenant, key: key}]
	return r.value, ok
}

// FailNextCommits makes the next n commits fail with a storage conflict.
func (s *MemoryStore) FailNextCommits(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

// MemoryStats counts session outcomes.
type MemoryStats struct {
	Opened    int
	Commits   int
	Rollbacks int
}

func (s *MemoryStore) Stats() MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MemoryStats{Opened: s.opened, Commits: s.commits, Rollbacks: s.aborts}
}

func (s *MemoryStore) commit(sess *MemorySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflicts > 0 {
		s.conflicts--
		s.aborts++
		return Conflict("commit", fmt.Errorf("injected conflict for tenant %q", sess.opts.TenantID))
	}

	for key, seen := range sess.reads {
		if s.records[memoryKey{tenant: sess.opts.TenantID, key: key}].version != seen {
			s.aborts++
			return Conflict("commit", fmt.Errorf("key %q modified concurrently", key))
		}
	}

	for key, v := range sess.writes {
		k := memoryKey{tenant: sess.opts.TenantID, key: key}
		s.records[k] = memoryRecord{value: v, version: s.records[k].version + 1}
	}
	s.commits++
	return nil
}

func (s *MemoryStore) rollback() {
	s.mu.Lock()
	s.aborts++
	s.mu.Unlock()
}

// MemorySession is a session of MemoryStore. Writes are staged until Commit.
type MemorySession struct {
	ContextStack

	store  *MemoryStore
	opts   Options
	reads  map[string]uint64
	writes map[string]any
	closed bool
}

func (s *MemorySession) TenantID() string { return s.opts.TenantID }
func (s *MemorySession) UserID() string   { return s.opts.UserID }
func (s *MemorySession) ReadOnly() bool   { return s.opts.ReadOnly }

// Get returns the staged value of key, falling back to the committed one.
func (s *MemorySession) Get(key string) (any, bool, error) {
	if s.closed {
		return nil, false, ErrSessionClosed
	}
	if v, ok := s.writes[key]; ok {
		return v, true, nil
	}

	s.store.mu.Lock()
	r, ok := s.store.records[memoryKey{tenant: s.opts.TenantID, key: key}]
	s.store.mu.Unlock()

	if _, seen := s.reads[key]; !seen {
		s.reads[key] = r.version
	}
	return r.value, ok, nil
}

// Put stages a write of key.
func (s *MemorySession) Put(key string, value any) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}
	s.writes[key] = value
	return nil
}

// Pending returns a copy of the staged writes.
func (s *MemorySession) Pending() map[string]any {
	return maps.Clone(s.writes)
}

func (s *MemorySession) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.closed = true
	return s.store.commit(s)
}

func (s *MemorySession) Rollback(_ context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.writes = nil
	s.store.rollback()
	return nil
}
