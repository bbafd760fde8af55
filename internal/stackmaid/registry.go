// ABOUTME: Named cleanup delegates and the error classification used by sweeps
// ABOUTME: Unknown names and Permanent errors quarantine an entry; anything else is retried

package stackmaid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownDelegate is returned when a persisted entry names no registered delegate.
	ErrUnknownDelegate = errors.New("unknown cleanup delegate")

	// ErrDuplicateDelegate is returned when a name is registered twice.
	ErrDuplicateDelegate = errors.New("cleanup delegate already registered")
)

// Delegate releases a resource described by data.
// It may run in a different process than the one that pushed it, so data is all it gets.
type Delegate func(ctx context.Context, data map[string]any) error

// Registry maps delegate names to handlers. Construct one per process and pass it to the Manager.
type Registry struct {
	mu        sync.RWMutex
	delegates map[string]Delegate
}

// NewRegistry creates an empty delegate registry.
func NewRegistry() *Registry {
	return &Registry{delegates: make(map[string]Delegate)}
}

// Register adds a delegate under name.
func (r *Registry) Register(name string, d Delegate) error {
	if name == "" {
		return errors.New("delegate name is required")
	}
	if d == nil {
		return fmt.Errorf("delegate %s: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.delegates[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDelegate, name)
	}
	r.delegates[name] = d
	return nil
}

// MustRegister is Register for process setup; it panics on error.
func (r *Registry) MustRegister(name string, d Delegate) {
	if err := r.Register(name, d); err != nil {
		panic(err)
	}
}

// Lookup returns the delegate registered under name.
func (r *Registry) Lookup(name string) (Delegate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.delegates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelegate, name)
	}
	return d, nil
}

// Names returns the registered delegate names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.delegates))
	for name := range r.delegates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delegate failure as not worth retrying. The entry is quarantined.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a delegate failure should quarantine its entry.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, ErrUnknownDelegate) || errors.Is(err, ErrInvalidContext)
}
