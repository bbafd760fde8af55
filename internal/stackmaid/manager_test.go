// ABOUTME: Tests for StackMaid recovery, GC sweeps and lifecycle
// ABOUTME: Uses MockStore for unit cases and SQLite for end-to-end recovery

package stackmaid

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/cloudstack-sub185/internal/store"
)

func seed(t *testing.T, s store.StackMaidStore, msid int64, contextID string, seq int64, delegate string, created time.Time) {
	t.Helper()
	_, err := s.PushCleanupDelegate(context.Background(), &store.StackEntry{
		MSID:      msid,
		ContextID: contextID,
		Seq:       seq,
		Delegate:  delegate,
		CreatedAt: created,
	})
	require.NoError(t, err)
}

// orderRecorder records delegate names per context so concurrent stacks can be checked independently.
type orderRecorder struct {
	mu  sync.Mutex
	ran map[string][]string
}

func (o *orderRecorder) delegate(name string) Delegate {
	return func(ctx context.Context, data map[string]any) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		stack, _ := data["stack"].(string)
		o.ran[stack] = append(o.ran[stack], name)
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Registry: NewRegistry()})
	assert.Error(t, err)

	_, err = New(Config{Store: store.NewMockStore()})
	assert.Error(t, err)

	m, err := New(Config{Store: store.NewMockStore(), Registry: NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, DefaultGCInterval, m.gcInterval)
	assert.Equal(t, DefaultLockWait, m.lockWait)
	assert.Equal(t, DefaultLockRenew, m.lockRenew)
	assert.Equal(t, DefaultCutWindow, m.cutWindow)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t, store.NewMockStore(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, m.Stop(), ErrInvalidState)

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrInvalidState)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), ErrInvalidState)
	assert.ErrorIs(t, m.Start(ctx), ErrInvalidState)
}

func TestManager_StartRecoversOwnLeftovers(t *testing.T) {
	ms := store.NewMockStore()
	var mu sync.Mutex
	var ran []string
	record := func(name string) Delegate {
		return func(context.Context, map[string]any) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, name)
			return nil
		}
	}
	m := newTestManager(t, ms, func(r *Registry) {
		r.MustRegister("A", record("A"))
		r.MustRegister("B", record("B"))
	})

	now := time.Now()
	seed(t, ms, 1, "op", 1, "A", now)
	seed(t, ms, 1, "op", 2, "B", now)
	seed(t, ms, 2, "other-node", 1, "A", now)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, []string{"B", "A"}, ran)

	left, err := ms.ListLeftoversByMSID(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, left)

	left, err = ms.ListLeftoversByMSID(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, left, 1, "another node's fresh leftovers are not touched")

	res, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total(), "second recovery finds nothing")
	assert.Len(t, ran, 2, "no delegate ran twice")
}

func TestManager_StartFailsWhenListingFails(t *testing.T) {
	m := newTestManager(t, failingStore{store.NewMockStore()}, nil)

	err := m.Start(context.Background())
	assert.Error(t, err)

	m.store = store.NewMockStore()
	require.NoError(t, m.Start(context.Background()), "start can be retried")
	require.NoError(t, m.Stop())
}

type failingStore struct {
	*store.MockStore
}

func (failingStore) ListLeftoversByMSID(context.Context, int64) ([]*store.StackEntry, error) {
	return nil, errors.New("connection refused")
}

func TestManager_DrainRunsStacksInnermostFirst(t *testing.T) {
	ms := store.NewMockStore()
	rec := &orderRecorder{ran: make(map[string][]string)}
	m := newTestManager(t, ms, func(r *Registry) {
		for _, name := range []string{"1", "2", "3"} {
			r.MustRegister(name, rec.delegate(name))
		}
	})

	ctx := context.Background()
	for _, op := range []string{"x", "y", "z"} {
		blob, err := EncodeContext(map[string]any{"stack": op})
		require.NoError(t, err)
		for i, name := range []string{"1", "2", "3"} {
			_, err := ms.PushCleanupDelegate(ctx, &store.StackEntry{
				MSID: 1, ContextID: op, Seq: int64(i + 1), Delegate: name, Context: blob,
			})
			require.NoError(t, err)
		}
	}

	res, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Executed)

	for _, op := range []string{"x", "y", "z"} {
		assert.Equal(t, []string{"3", "2", "1"}, rec.ran[op], "stack %s", op)
	}
}

func TestManager_GCCutTime(t *testing.T) {
	ms := store.NewMockStore()
	rec := &recorder{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reg := NewRegistry()
	reg.MustRegister("old", rec.delegate("old", nil))
	reg.MustRegister("fresh", rec.delegate("fresh", nil))
	m, err := New(Config{MSID: 1, Store: ms, Registry: reg, Now: func() time.Time { return now }})
	require.NoError(t, err)

	seed(t, ms, 7, "a", 1, "old", now.Add(-61*time.Minute))
	seed(t, ms, 8, "b", 1, "fresh", now.Add(-30*time.Minute))

	res, acquired, err := m.GC(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, []string{"old"}, rec.Calls())
	assert.Equal(t, 1, ms.Len())
}

func TestManager_GCSkipsWhenLockBusy(t *testing.T) {
	ms := store.NewMockStore()
	locker := NewMemoryLocker()
	rec := &recorder{}

	reg := NewRegistry()
	reg.MustRegister("A", rec.delegate("A", nil))
	m, err := New(Config{MSID: 1, Store: ms, Registry: reg, Locker: locker, LockWait: 20 * time.Millisecond})
	require.NoError(t, err)

	seed(t, ms, 1, "a", 1, "A", time.Now().Add(-2*time.Hour))

	ok, err := locker.Acquire(context.Background(), GCLockName, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, acquired, err := m.GC(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Empty(t, rec.Calls())

	require.NoError(t, locker.Release(context.Background(), GCLockName))
	_, acquired, err = m.GC(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, []string{"A"}, rec.Calls())
}

func TestManager_FailureClassification(t *testing.T) {
	ms := store.NewMockStore()
	transient := errors.New("agent busy")

	reg := NewRegistry()
	reg.MustRegister("flaky", func(context.Context, map[string]any) error { return transient })
	reg.MustRegister("gone", func(context.Context, map[string]any) error { return Permanent(errors.New("vm destroyed")) })
	reg.MustRegister("crash", func(context.Context, map[string]any) error { panic("nil host") })
	reg.MustRegister("outer", func(context.Context, map[string]any) error { return nil })
	m, err := New(Config{MSID: 1, Store: ms, Registry: reg})
	require.NoError(t, err)

	now := time.Now()
	seed(t, ms, 1, "retry", 1, "outer", now)
	seed(t, ms, 1, "retry", 2, "flaky", now)
	seed(t, ms, 1, "perm", 1, "gone", now)
	seed(t, ms, 1, "missing", 1, "no-such-delegate", now)
	seed(t, ms, 1, "panic", 1, "crash", now)

	res, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Quarantined)
	assert.Equal(t, 2, res.Retained, "flaky entry and the outer entry it holds back")
	assert.Zero(t, res.Executed)

	left, err := ms.ListLeftoversByMSID(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "flaky", left[0].Delegate)
	assert.Equal(t, "outer", left[1].Delegate)

	q, err := ms.ListQuarantined(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, q, 3)
}

func TestManager_PeriodicGC(t *testing.T) {
	ms := store.NewMockStore()
	rec := &recorder{}

	reg := NewRegistry()
	reg.MustRegister("A", rec.delegate("A", nil))
	m, err := New(Config{
		MSID:       1,
		Store:      ms,
		Registry:   reg,
		GCInterval: 10 * time.Millisecond,
		CutWindow:  time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	seed(t, ms, 9, "crashed-node-op", 1, "A", time.Now().Add(-2*time.Minute))

	require.Eventually(t, func() bool { return ms.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"A"}, rec.Calls())
}

func TestManager_ClearStack(t *testing.T) {
	ms := store.NewMockStore()
	m := newTestManager(t, ms, nil)

	seed(t, ms, 1, "a", 1, "x", time.Now())
	seed(t, ms, 1, "b", 1, "x", time.Now())
	seed(t, ms, 2, "c", 1, "x", time.Now())

	n, err := m.ClearStack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, ms.Len())
}

func TestManager_SQLiteRecoveryAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mgmt.db")
	rec := &recorder{}
	setup := func(r *Registry) {
		r.MustRegister("release-ip", rec.delegate("release-ip", nil))
		r.MustRegister("destroy-volume", rec.delegate("destroy-volume", nil))
	}

	// first process pushes and "crashes" without cleanup
	s1, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	m1 := newTestManager(t, s1, setup)
	ctx, stack := m1.Begin(context.Background())
	require.NoError(t, stack.Push(ctx, "release-ip", map[string]any{"ip": "10.0.0.9"}))
	require.NoError(t, stack.Push(ctx, "destroy-volume", map[string]any{"volume": "vol-1"}))
	require.NoError(t, s1.Close())

	s2, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	m2 := newTestManager(t, s2, setup)

	require.NoError(t, m2.Start(context.Background()))
	defer m2.Stop()

	assert.Equal(t, []string{"destroy-volume", "release-ip"}, rec.Calls())
	assert.Equal(t, "vol-1", rec.data[0]["volume"])

	res, err := m2.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestSQLLocker(t *testing.T) {
	ms := store.NewMockStore()
	a := NewSQLLocker(ms, "ms-1", time.Minute)
	b := NewSQLLocker(ms, "ms-2", time.Minute)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, GCLockName, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	ok, err = b.Acquire(ctx, GCLockName, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Release(ctx, GCLockName)
	}()
	ok, err = b.Acquire(ctx, GCLockName, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_ReleaseWakesWaiter(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, _ := l.Acquire(ctx, "x", 0)
	require.True(t, ok)

	got := make(chan bool, 1)
	go func() {
		ok, _ := l.Acquire(ctx, "x", time.Second)
		got <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Release(ctx, "x"))

	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestMemoryLocker_ContextCancel(t *testing.T) {
	l := NewMemoryLocker()
	ok, _ := l.Acquire(context.Background(), "x", 0)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := l.Acquire(ctx, "x", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_GCRenewsLockDuringLongSweep(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mgmt.db")
	var runs atomic.Int32
	slow := func(ctx context.Context, _ map[string]any) error {
		runs.Add(1)
		select {
		case <-time.After(600 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	node := func(msid int64, owner string) *Manager {
		s, err := store.NewSQLiteStore(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		reg := NewRegistry()
		reg.MustRegister("slow", slow)
		m, err := New(Config{
			MSID:      msid,
			Store:     s,
			Registry:  reg,
			Locker:    NewSQLLocker(s, owner, 200*time.Millisecond),
			LockWait:  10 * time.Millisecond,
			LockRenew: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		if msid == 1 {
			seed(t, s, 9, "crashed-op", 1, "slow", time.Now().Add(-2*time.Hour))
		}
		return m
	}
	first := node(1, "ms-1")
	second := node(2, "ms-2")

	done := make(chan error, 1)
	go func() {
		_, _, err := first.GC(context.Background())
		done <- err
	}()

	time.Sleep(350 * time.Millisecond)
	_, acquired, err := second.GC(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired, "lease expired while the first sweep was running")

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

// losingLocker grants the lock but fails every refresh.
type losingLocker struct {
	*MemoryLocker
}

func (losingLocker) Refresh(context.Context, string) (bool, error) { return false, nil }

func TestManager_GCAbortsWhenLockLost(t *testing.T) {
	ms := store.NewMockStore()
	reg := NewRegistry()
	reg.MustRegister("wait", func(ctx context.Context, _ map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m, err := New(Config{
		MSID:      1,
		Store:     ms,
		Registry:  reg,
		Locker:    losingLocker{NewMemoryLocker()},
		LockRenew: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	seed(t, ms, 1, "op", 1, "wait", time.Now().Add(-2*time.Hour))

	res, acquired, err := m.GC(context.Background())
	assert.True(t, acquired)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, 1, res.Retained)
	assert.Equal(t, 1, ms.Len(), "entry is left for the next lock holder")
}

func TestMemoryLocker_Refresh(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, err := l.Refresh(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = l.Acquire(ctx, "x", 0)
	require.True(t, ok)
	ok, err = l.Refresh(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_RecoverStaleSkipsEntriesPushedAfterStart(t *testing.T) {
	ms := store.NewMockStore()
	var calls atomic.Int32
	var mu sync.Mutex
	var ran []string
	m := newTestManager(t, ms, func(r *Registry) {
		r.MustRegister("stop-vm", func(_ context.Context, data map[string]any) error {
			if calls.Add(1) == 1 {
				return errors.New("agent unavailable")
			}
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, data["vm"].(string))
			return nil
		})
	})

	res, acquired, err := m.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired, "nothing to do before Start")
	assert.Zero(t, res.Total())

	data, err := EncodeContext(map[string]any{"vm": "crashed"})
	require.NoError(t, err)
	_, err = ms.PushCleanupDelegate(context.Background(), &store.StackEntry{
		MSID: 1, ContextID: "old", Seq: 1, Delegate: "stop-vm", Context: data, CreatedAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	require.Equal(t, 1, ms.Len(), "first attempt fails and the entry is retained")

	ctx, stack := m.Begin(context.Background())
	require.NoError(t, stack.Push(ctx, "stop-vm", map[string]any{"vm": "running-op"}))

	res, acquired, err = m.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, []string{"crashed"}, ran)

	left, err := ms.ListLeftoversByMSID(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, stack.ContextID(), left[0].ContextID)
}
