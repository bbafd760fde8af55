// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers cleanup stack ordering, leftovers, quarantine, locks and hosts

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func push(t *testing.T, s StackMaidStore, msid int64, contextID string, seq int64, delegate string) int64 {
	t.Helper()
	id, err := s.PushCleanupDelegate(context.Background(), &StackEntry{
		MSID:      msid,
		ContextID: contextID,
		Seq:       seq,
		Delegate:  delegate,
		Context:   []byte(delegate),
	})
	require.NoError(t, err)
	return id
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestOpen_ReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	push(t, s, 1, "ctx", 1, "release-ip")
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	left, err := s.ListLeftoversByMSID(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "release-ip", left[0].Delegate)
}

func TestPopCleanupDelegate_LIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	push(t, s, 1, "op-1", 1, "A")
	push(t, s, 1, "op-1", 2, "B")
	push(t, s, 1, "op-1", 3, "C")
	push(t, s, 1, "op-2", 1, "other")

	for _, want := range []string{"C", "B", "A"} {
		e, err := s.PopCleanupDelegate(ctx, 1, "op-1")
		require.NoError(t, err)
		assert.Equal(t, want, e.Delegate)
		assert.Equal(t, []byte(want), e.Context)
	}

	_, err := s.PopCleanupDelegate(ctx, 1, "op-1")
	assert.ErrorIs(t, err, ErrStackEmpty)

	left, err := s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "op-2", left[0].ContextID)
}

func TestPushCleanupDelegate_DuplicateSeqRejected(t *testing.T) {
	s := newTestStore(t)

	push(t, s, 1, "op", 1, "A")
	_, err := s.PushCleanupDelegate(context.Background(), &StackEntry{MSID: 1, ContextID: "op", Seq: 1, Delegate: "B"})
	assert.Error(t, err)
}

func TestClearStack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	push(t, s, 1, "a", 1, "x")
	push(t, s, 1, "b", 1, "y")
	push(t, s, 2, "c", 1, "z")

	n, err := s.ClearStack(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.ClearStack(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	left, err := s.ListLeftoversByMSID(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestClearContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	push(t, s, 1, "a", 1, "x")
	push(t, s, 1, "a", 2, "x")
	push(t, s, 1, "b", 1, "y")

	n, err := s.ClearContext(ctx, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].ContextID)
}

func TestListLeftovers_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	push(t, s, 1, "b", 1, "b1")
	push(t, s, 1, "a", 1, "a1")
	push(t, s, 1, "b", 2, "b2")
	push(t, s, 1, "a", 2, "a2")

	left, err := s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)

	got := make([]string, 0, len(left))
	for _, e := range left {
		got = append(got, e.Delegate)
	}
	assert.Equal(t, []string{"a2", "a1", "b2", "b1"}, got)
}

func TestListLeftoversByCutTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.PushCleanupDelegate(ctx, &StackEntry{MSID: 7, ContextID: "old", Seq: 1, Delegate: "old", CreatedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = s.PushCleanupDelegate(ctx, &StackEntry{MSID: 8, ContextID: "fresh", Seq: 1, Delegate: "fresh", CreatedAt: now.Add(-10 * time.Minute)})
	require.NoError(t, err)

	left, err := s.ListLeftoversByCutTime(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "old", left[0].Delegate)
	assert.WithinDuration(t, now.Add(-2*time.Hour), left[0].CreatedAt, time.Millisecond)
}

func TestDeleteCleanupDelegate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := push(t, s, 1, "op", 1, "A")
	require.NoError(t, s.DeleteCleanupDelegate(ctx, id))
	require.NoError(t, s.DeleteCleanupDelegate(ctx, id))

	left, err := s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestQuarantineCleanupDelegate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	push(t, s, 1, "op", 1, "A")
	left, err := s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)
	require.Len(t, left, 1)

	require.NoError(t, s.QuarantineCleanupDelegate(ctx, left[0], "unknown delegate"))

	left, err = s.ListLeftoversByMSID(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, left)

	q, err := s.ListQuarantined(ctx, 0)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "A", q[0].Delegate)
	assert.Equal(t, "unknown delegate", q[0].Reason)
}

func TestAcquireLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "gc", "ms-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "gc", "ms-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock held by another owner")

	ok, err = s.AcquireLock(ctx, "gc", "ms-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner re-acquires")

	require.NoError(t, s.ReleaseLock(ctx, "gc", "ms-2"))
	ok, err = s.AcquireLock(ctx, "gc", "ms-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-owner is ignored")

	require.NoError(t, s.ReleaseLock(ctx, "gc", "ms-1"))
	ok, err = s.AcquireLock(ctx, "gc", "ms-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLock_Expired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "gc", "ms-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = s.AcquireLock(ctx, "gc", "ms-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetHost(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateHostStatus(ctx, "h1", HostStatusUp, 1), ErrNotFound)

	require.NoError(t, s.UpsertHost(ctx, &Host{ID: "h1", Name: "kvm-01", Hypervisor: "KVM", Status: HostStatusConnecting, MSID: 1}))
	require.NoError(t, s.UpdateHostStatus(ctx, "h1", HostStatusUp, 1))

	seen := time.Now().UTC()
	require.NoError(t, s.TouchHost(ctx, "h1", seen))

	h, err := s.GetHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, HostStatusUp, h.Status)
	assert.Equal(t, "KVM", h.Hypervisor)
	require.NotNil(t, h.LastSeen)
	assert.WithinDuration(t, seen, *h.LastSeen, time.Millisecond)

	// upsert without LastSeen keeps the recorded heartbeat
	require.NoError(t, s.UpsertHost(ctx, &Host{ID: "h1", Name: "kvm-01", Status: HostStatusDisconnected}))
	h, err = s.GetHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, HostStatusDisconnected, h.Status)
	assert.NotNil(t, h.LastSeen)

	require.NoError(t, s.UpsertHost(ctx, &Host{ID: "h0", Name: "a-host", Status: HostStatusUp}))
	hosts, err := s.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "h0", hosts[0].ID)
}
