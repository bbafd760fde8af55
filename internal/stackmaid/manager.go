// ABOUTME: StackMaid manager: crash recovery at start and periodic GC of leftover cleanup delegates
// ABOUTME: Leftovers are drained per operation stack, innermost first, with bounded concurrency

package stackmaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apache/cloudstack-sub185/internal/metrics"
	"github.com/apache/cloudstack-sub185/internal/store"
)

// GCLockName is the cluster lock held while a node sweeps leftovers.
const GCLockName = "stackmaid-gc"

// Defaults for Config fields left zero.
const (
	DefaultGCInterval = 10 * time.Second
	DefaultLockWait   = 3 * time.Second
	DefaultLockRenew  = 20 * time.Second
	DefaultCutWindow  = time.Hour
	DefaultWorkers    = 4
)

// ErrInvalidState is returned for lifecycle calls made out of order.
var ErrInvalidState = errors.New("stackmaid: invalid state")

// ErrLockLost is returned by GC when the cluster lock could not be renewed mid-sweep.
var ErrLockLost = errors.New("stackmaid: gc lock lost")

// ErrStackEmpty is returned by Pop on an operation with no cleanup delegates.
var ErrStackEmpty = store.ErrStackEmpty

// Config configures a Manager.
type Config struct {
	MSID     int64
	Store    store.StackMaidStore
	Locker   Locker
	Registry *Registry
	Logger   *slog.Logger

	GCInterval time.Duration
	LockWait   time.Duration
	CutWindow  time.Duration
	Workers    int

	// LockRenew is how often the GC lock is refreshed during a sweep. It must be
	// shorter than the locker's lease.
	LockRenew time.Duration

	// Now overrides the clock used for cut times.
	Now func() time.Time
}

type state int

const (
	stateConfigured state = iota
	stateStarted
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateConfigured:
		return "configured"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SweepResult counts what happened to the entries of one drain.
type SweepResult struct {
	Executed    int
	Retained    int
	Quarantined int
}

func (r *SweepResult) add(o SweepResult) {
	r.Executed += o.Executed
	r.Retained += o.Retained
	r.Quarantined += o.Quarantined
}

// Total is the number of entries seen.
func (r SweepResult) Total() int {
	return r.Executed + r.Retained + r.Quarantined
}

// Manager owns this node's StackMaid stacks and garbage-collects leftovers cluster-wide.
type Manager struct {
	msid     int64
	store    store.StackMaidStore
	locker   Locker
	registry *Registry
	logger   *slog.Logger

	gcInterval time.Duration
	lockWait   time.Duration
	lockRenew  time.Duration
	cutWindow  time.Duration
	workers    int
	now        func() time.Time

	mu        sync.Mutex
	state     state
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New configures a Manager. It does not touch the store until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("stackmaid: store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("stackmaid: delegate registry is required")
	}

	m := &Manager{
		msid:       cfg.MSID,
		store:      cfg.Store,
		locker:     cfg.Locker,
		registry:   cfg.Registry,
		logger:     cfg.Logger,
		gcInterval: cfg.GCInterval,
		lockWait:   cfg.LockWait,
		lockRenew:  cfg.LockRenew,
		cutWindow:  cfg.CutWindow,
		workers:    cfg.Workers,
		now:        cfg.Now,
		state:      stateConfigured,
	}
	if m.locker == nil {
		m.locker = NewMemoryLocker()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "stackmaid", "msid", cfg.MSID)
	if m.gcInterval <= 0 {
		m.gcInterval = DefaultGCInterval
	}
	if m.lockWait <= 0 {
		m.lockWait = DefaultLockWait
	}
	if m.lockRenew <= 0 {
		m.lockRenew = DefaultLockRenew
	}
	if m.cutWindow <= 0 {
		m.cutWindow = DefaultCutWindow
	}
	if m.workers <= 0 {
		m.workers = DefaultWorkers
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// MSID returns the management server id the manager is bound to.
func (m *Manager) MSID() int64 {
	return m.msid
}

// Registry returns the delegate registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start recovers this node's leftovers synchronously and then begins periodic GC.
// If recovery cannot list leftovers the manager stays configured and Start may be retried.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != stateConfigured {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, st)
	}
	m.state = stateStarted
	m.startedAt = time.Now()
	m.mu.Unlock()

	res, err := m.Recover(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = stateConfigured
		m.startedAt = time.Time{}
		m.mu.Unlock()
		return fmt.Errorf("recovering leftovers: %w", err)
	}
	m.logger.Info("recovered leftovers",
		"executed", res.Executed, "retained", res.Retained, "quarantined", res.Quarantined)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.gcLoop(loopCtx, done)

	m.logger.Info("stackmaid started", "gc_interval", m.gcInterval, "cut_window", m.cutWindow)
	return nil
}

// Stop ends periodic GC and waits for an in-flight sweep.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != stateStarted || m.cancel == nil {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, st)
	}
	m.state = stateStopped
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.logger.Info("stackmaid stopped")
	return nil
}

func (m *Manager) gcLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.GC(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("gc sweep failed", "error", err)
			}
		}
	}
}

// GC runs one sweep if the cluster lock can be taken within the lock wait.
// It reports whether the lock was acquired; a busy lock is not an error.
// The lock is refreshed while the sweep runs; if a refresh fails the sweep is
// cancelled and GC returns ErrLockLost.
func (m *Manager) GC(ctx context.Context) (SweepResult, bool, error) {
	start := time.Now()
	cut := m.now().Add(-m.cutWindow)

	res, acquired, err := m.withGCLock(ctx, func(ctx context.Context) ([]*store.StackEntry, error) {
		entries, err := m.store.ListLeftoversByCutTime(ctx, cut)
		if err != nil {
			return nil, fmt.Errorf("listing leftovers before cut: %w", err)
		}
		return entries, nil
	})
	switch {
	case !acquired && err == nil:
		metrics.GCSweeps.WithLabelValues("skipped").Inc()
		m.logger.Debug("gc lock busy, skipping sweep")
		return res, false, nil
	case err != nil:
		metrics.GCSweeps.WithLabelValues("failed").Inc()
		return res, acquired, err
	}
	metrics.GCSweeps.WithLabelValues("swept").Inc()
	metrics.GCDuration.Observe(time.Since(start).Seconds())

	if res.Total() > 0 {
		m.logger.Info("gc sweep finished",
			"cut", cut, "executed", res.Executed, "retained", res.Retained, "quarantined", res.Quarantined)
	}
	return res, true, nil
}

// RecoverStale drains again this node's leftovers created before Start, under the GC
// lock. Entries pushed by operations running since Start are not touched. It is a
// no-op before Start.
func (m *Manager) RecoverStale(ctx context.Context) (SweepResult, bool, error) {
	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()
	if startedAt.IsZero() {
		return SweepResult{}, false, nil
	}

	res, acquired, err := m.withGCLock(ctx, func(ctx context.Context) ([]*store.StackEntry, error) {
		entries, err := m.store.ListLeftoversByMSID(ctx, m.msid)
		if err != nil {
			return nil, err
		}
		stale := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.Before(startedAt) {
				stale = append(stale, e)
			}
		}
		return stale, nil
	})
	if err == nil && res.Total() > 0 {
		m.logger.Info("recovered stale leftovers",
			"executed", res.Executed, "retained", res.Retained, "quarantined", res.Quarantined)
	}
	return res, acquired, err
}

// withGCLock takes the cluster lock, drains the entries list returns and releases the lock.
func (m *Manager) withGCLock(ctx context.Context, list func(context.Context) ([]*store.StackEntry, error)) (SweepResult, bool, error) {
	ok, err := m.locker.Acquire(ctx, GCLockName, m.lockWait)
	if err != nil {
		return SweepResult{}, false, fmt.Errorf("acquiring %s lock: %w", GCLockName, err)
	}
	if !ok {
		return SweepResult{}, false, nil
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		m.keepLock(sweepCtx, func() {
			lost.Store(true)
			cancel()
		})
	}()
	defer func() {
		cancel()
		<-renewed
		if lost.Load() {
			return
		}
		if err := m.locker.Release(context.WithoutCancel(ctx), GCLockName); err != nil {
			m.logger.Warn("failed to release gc lock", "error", err)
		}
	}()

	entries, err := list(sweepCtx)
	if err != nil {
		return SweepResult{}, true, err
	}
	res := m.drain(sweepCtx, entries)
	if lost.Load() {
		return res, true, ErrLockLost
	}
	return res, true, nil
}

// keepLock refreshes the GC lock every lockRenew until ctx is done. It calls lost
// and returns when a refresh fails.
func (m *Manager) keepLock(ctx context.Context, lost func()) {
	ticker := time.NewTicker(m.lockRenew)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.locker.Refresh(ctx, GCLockName)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				m.logger.Error("gc lock lost, cancelling sweep", "error", err)
				lost()
				return
			}
		}
	}
}

// Recover drains every leftover owned by this node's msid.
func (m *Manager) Recover(ctx context.Context) (SweepResult, error) {
	entries, err := m.store.ListLeftoversByMSID(ctx, m.msid)
	if err != nil {
		return SweepResult{}, err
	}
	return m.drain(ctx, entries), nil
}

// ClearStack deletes every entry this node owns without running them.
func (m *Manager) ClearStack(ctx context.Context) (int64, error) {
	n, err := m.store.ClearStack(ctx, m.msid)
	if err != nil {
		return 0, err
	}
	m.logger.Info("cleared stack", "entries", n)
	return n, nil
}

// Leftovers lists this node's persisted entries.
func (m *Manager) Leftovers(ctx context.Context) ([]*store.StackEntry, error) {
	return m.store.ListLeftoversByMSID(ctx, m.msid)
}

type stackKey struct {
	msid      int64
	contextID string
}

// drain runs entries grouped by operation stack. Input order must be
// (msid, context_id, seq desc); groups run concurrently, entries within a group in order.
func (m *Manager) drain(ctx context.Context, entries []*store.StackEntry) SweepResult {
	if len(entries) == 0 {
		return SweepResult{}
	}

	var groups [][]*store.StackEntry
	var last stackKey
	for i, e := range entries {
		key := stackKey{e.MSID, e.ContextID}
		if i == 0 || key != last {
			groups = append(groups, nil)
			last = key
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], e)
	}

	var (
		mu    sync.Mutex
		total SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, group := range groups {
		g.Go(func() error {
			res := m.drainStack(gctx, group)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return total
}

// drainStack runs one operation's entries innermost first. A retried entry holds
// back the outer entries of its stack until a later sweep.
func (m *Manager) drainStack(ctx context.Context, entries []*store.StackEntry) SweepResult {
	var res SweepResult
	for i, e := range entries {
		if ctx.Err() != nil {
			res.Retained += len(entries) - i
			return res
		}

		err := m.run(ctx, e)
		switch m.settle(ctx, e, err, false) {
		case metrics.OutcomeExecuted:
			res.Executed++
		case metrics.OutcomeQuarantined:
			res.Quarantined++
		default:
			res.Retained += len(entries) - i
			return res
		}
	}
	return res
}

// run resolves, decodes and invokes the delegate of e.
func (m *Manager) run(ctx context.Context, e *store.StackEntry) (err error) {
	d, err := m.registry.Lookup(e.Delegate)
	if err != nil {
		return err
	}
	data, err := DecodeContext(e.Context)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("delegate %s panicked: %v", e.Delegate, r))
		}
	}()
	return d(ctx, data)
}

// settle records the outcome of running e. For rows still in the table (popped=false)
// success deletes the row; for popped entries a transient failure pushes the row back.
func (m *Manager) settle(ctx context.Context, e *store.StackEntry, runErr error, popped bool) string {
	log := m.logger.With("id", e.ID, "entry_msid", e.MSID, "context_id", e.ContextID, "seq", e.Seq, "delegate", e.Delegate)

	outcome := metrics.OutcomeRetained
	defer func() { metrics.CleanupDelegates.WithLabelValues(outcome).Inc() }()

	switch {
	case runErr == nil:
		if !popped {
			if err := m.store.DeleteCleanupDelegate(ctx, e.ID); err != nil {
				log.Error("delegate ran but row was not deleted", "error", err)
				return outcome
			}
		}
		outcome = metrics.OutcomeExecuted
		log.Debug("cleanup delegate executed")

	case IsPermanent(runErr):
		if err := m.store.QuarantineCleanupDelegate(ctx, e, runErr.Error()); err != nil {
			log.Error("failed to quarantine cleanup delegate", "run_error", runErr, "error", err)
			if popped {
				m.restore(ctx, e, log)
			}
			return outcome
		}
		outcome = metrics.OutcomeQuarantined

	default:
		log.Warn("cleanup delegate failed, will retry", "error", runErr)
		if popped {
			m.restore(ctx, e, log)
		}
	}
	return outcome
}

// restore puts a popped entry back so a later sweep retries it.
func (m *Manager) restore(ctx context.Context, e *store.StackEntry, log *slog.Logger) {
	back := *e
	back.ID = 0
	if _, err := m.store.PushCleanupDelegate(context.WithoutCancel(ctx), &back); err != nil {
		log.Error("failed to restore cleanup delegate, resource may leak", "error", err)
	}
}
