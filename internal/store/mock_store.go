// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	nextID      int64
	entries     map[int64]*StackEntry // keyed by entry ID
	quarantined []*QuarantinedEntry
	locks       map[string]mockLock
	hosts       map[string]*Host

	// PushErr, when set, is returned by PushCleanupDelegate.
	PushErr error
	// PopErr, when set, is returned by PopCleanupDelegate.
	PopErr error
}

type mockLock struct {
	owner   string
	expires time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		entries: make(map[int64]*StackEntry),
		locks:   make(map[string]mockLock),
		hosts:   make(map[string]*Host),
	}
}

// PushCleanupDelegate stores a copy of entry.
func (m *MockStore) PushCleanupDelegate(ctx context.Context, entry *StackEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PushErr != nil {
		return 0, m.PushErr
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	m.nextID++
	entry.ID = m.nextID
	e := *entry
	m.entries[e.ID] = &e
	return e.ID, nil
}

// PopCleanupDelegate removes the highest-seq entry of (msid, contextID).
func (m *MockStore) PopCleanupDelegate(ctx context.Context, msid int64, contextID string) (*StackEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PopErr != nil {
		return nil, m.PopErr
	}

	var top *StackEntry
	for _, e := range m.entries {
		if e.MSID != msid || e.ContextID != contextID {
			continue
		}
		if top == nil || e.Seq > top.Seq {
			top = e
		}
	}
	if top == nil {
		return nil, ErrStackEmpty
	}
	delete(m.entries, top.ID)
	e := *top
	return &e, nil
}

// ClearStack deletes every entry owned by msid.
func (m *MockStore) ClearStack(ctx context.Context, msid int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.entries {
		if e.MSID == msid {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// ClearContext deletes every entry of one operation stack.
func (m *MockStore) ClearContext(ctx context.Context, msid int64, contextID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.entries {
		if e.MSID == msid && e.ContextID == contextID {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// ListLeftoversByMSID returns msid's entries ordered by (msid, context_id, seq desc).
func (m *MockStore) ListLeftoversByMSID(ctx context.Context, msid int64) ([]*StackEntry, error) {
	return m.filter(func(e *StackEntry) bool { return e.MSID == msid }), nil
}

// ListLeftoversByCutTime returns entries created before cut.
func (m *MockStore) ListLeftoversByCutTime(ctx context.Context, cut time.Time) ([]*StackEntry, error) {
	return m.filter(func(e *StackEntry) bool { return e.CreatedAt.Before(cut) }), nil
}

func (m *MockStore) filter(keep func(*StackEntry) bool) []*StackEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StackEntry
	for _, e := range m.entries {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MSID != b.MSID {
			return a.MSID < b.MSID
		}
		if a.ContextID != b.ContextID {
			return a.ContextID < b.ContextID
		}
		return a.Seq > b.Seq
	})
	return out
}

// DeleteCleanupDelegate removes a single entry by id.
func (m *MockStore) DeleteCleanupDelegate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, id)
	return nil
}

// QuarantineCleanupDelegate moves an entry to quarantine.
func (m *MockStore) QuarantineCleanupDelegate(ctx context.Context, entry *StackEntry, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, entry.ID)
	m.quarantined = append(m.quarantined, &QuarantinedEntry{
		StackEntry:    *entry,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
	})
	return nil
}

// ListQuarantined returns quarantined entries, newest first.
func (m *MockStore) ListQuarantined(ctx context.Context, limit int) ([]*QuarantinedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*QuarantinedEntry, 0, len(m.quarantined))
	for i := len(m.quarantined) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		q := *m.quarantined[i]
		out = append(out, &q)
	}
	return out, nil
}

// AcquireLock takes the named lock if free, expired, or owned by owner.
func (m *MockStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if l, ok := m.locks[name]; ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	m.locks[name] = mockLock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLock frees the named lock if owner holds it.
func (m *MockStore) ReleaseLock(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[name]; ok && l.owner == owner {
		delete(m.locks, name)
	}
	return nil
}

// UpsertHost creates or replaces a host.
func (m *MockStore) UpsertHost(ctx context.Context, host *Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.hosts[host.ID]; ok {
		host.CreatedAt = existing.CreatedAt
		if host.LastSeen == nil {
			host.LastSeen = existing.LastSeen
		}
	} else if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	host.UpdatedAt = now

	h := *host
	m.hosts[h.ID] = &h
	return nil
}

// UpdateHostStatus sets the status and owning msid of a host.
func (m *MockStore) UpdateHostStatus(ctx context.Context, id string, status HostStatus, msid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[id]
	if !ok {
		return ErrNotFound
	}
	h.Status = status
	h.MSID = msid
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// TouchHost records a heartbeat for the host.
func (m *MockStore) TouchHost(ctx context.Context, id string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[id]
	if !ok {
		return ErrNotFound
	}
	t := seen.UTC()
	h.LastSeen = &t
	return nil
}

// GetHost retrieves a host by ID.
func (m *MockStore) GetHost(ctx context.Context, id string) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *h
	return &c, nil
}

// ListHosts returns every host ordered by name.
func (m *MockStore) ListHosts(ctx context.Context) ([]*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Len returns the number of live stack entries.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
