// ABOUTME: Per-operation cleanup stack carried through context.Context
// ABOUTME: Push registers a durable delegate; Pop, PopAndRun and Unwind release innermost first

package stackmaid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/apache/cloudstack-sub185/internal/store"
)

// Entry is a popped cleanup delegate.
type Entry struct {
	Seq      int64
	Delegate string
	Data     map[string]any
}

// Stack is the cleanup stack of one operation, keyed by (msid, context id).
type Stack struct {
	m         *Manager
	contextID string

	mu  sync.Mutex
	seq int64
}

type ctxKey struct{}

// Begin opens a new operation stack and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Stack) {
	s := &Stack{m: m, contextID: uuid.NewString()}
	return context.WithValue(ctx, ctxKey{}, s), s
}

// FromContext returns the operation stack opened by Begin, if any.
func FromContext(ctx context.Context) (*Stack, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Stack)
	return s, ok
}

// ContextID returns the operation context id that keys this stack's rows.
func (s *Stack) ContextID() string {
	return s.contextID
}

// Push durably records a cleanup delegate. It returns once the row is committed.
// The delegate must be registered so a sweep on any node can run it.
func (s *Stack) Push(ctx context.Context, delegate string, data map[string]any) error {
	if _, err := s.m.registry.Lookup(delegate); err != nil {
		return err
	}
	blob, err := EncodeContext(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	_, err = s.m.store.PushCleanupDelegate(ctx, &store.StackEntry{
		MSID:      s.m.msid,
		ContextID: s.contextID,
		Seq:       seq,
		Delegate:  delegate,
		Context:   blob,
	})
	if err != nil {
		s.m.logger.Error("failed to push cleanup delegate", "context_id", s.contextID, "delegate", delegate, "error", err)
		return fmt.Errorf("pushing %s: %w", delegate, err)
	}
	s.seq = seq
	return nil
}

// Pop removes the most recently pushed delegate without running it.
// Returns ErrStackEmpty when nothing is left.
func (s *Stack) Pop(ctx context.Context) (*Entry, error) {
	e, err := s.pop(ctx)
	if err != nil {
		return nil, err
	}
	data, err := DecodeContext(e.Context)
	if err != nil {
		return nil, err
	}
	return &Entry{Seq: e.Seq, Delegate: e.Delegate, Data: data}, nil
}

func (s *Stack) pop(ctx context.Context) (*store.StackEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.m.store.PopCleanupDelegate(ctx, s.m.msid, s.contextID)
	if err != nil {
		if !errors.Is(err, store.ErrStackEmpty) {
			s.m.logger.Error("failed to pop cleanup delegate", "context_id", s.contextID, "error", err)
		}
		return nil, err
	}
	return e, nil
}

// PopAndRun pops the most recent delegate and runs it. A transient failure puts the
// entry back for the GC sweep; a permanent one quarantines it.
func (s *Stack) PopAndRun(ctx context.Context) error {
	e, err := s.pop(ctx)
	if err != nil {
		return err
	}
	runErr := s.m.run(ctx, e)
	s.m.settle(ctx, e, runErr, true)
	return runErr
}

// Unwind runs every remaining delegate innermost first. Failures do not stop the
// unwind; failed entries are left for the GC sweep and their errors joined.
func (s *Stack) Unwind(ctx context.Context) error {
	var (
		errs   []error
		failed []*store.StackEntry
	)
	for {
		e, err := s.pop(ctx)
		if errors.Is(err, store.ErrStackEmpty) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			break
		}

		runErr := s.m.run(ctx, e)
		if runErr == nil {
			s.m.settle(ctx, e, nil, true)
			continue
		}
		errs = append(errs, fmt.Errorf("%s (seq %d): %w", e.Delegate, e.Seq, runErr))
		if IsPermanent(runErr) {
			s.m.settle(ctx, e, runErr, true)
			continue
		}
		// restored after the loop so the next pop does not return it again
		failed = append(failed, e)
	}

	for _, e := range failed {
		s.m.settle(ctx, e, errRetryLater, true)
	}
	return errors.Join(errs...)
}

var errRetryLater = errors.New("retry later")

// Discard drops the remaining delegates without running them. Call it when the
// operation completed and nothing needs releasing.
func (s *Stack) Discard(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.m.store.ClearContext(ctx, s.m.msid, s.contextID); err != nil {
		return fmt.Errorf("discarding stack %s: %w", s.contextID, err)
	}
	return nil
}
