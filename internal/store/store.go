// ABOUTME: Store interfaces and data types for management-server persistence
// ABOUTME: Defines StackMaid entries, cluster locks and host records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStackEmpty is returned when popping from an operation stack with no entries
var ErrStackEmpty = errors.New("cleanup stack empty")

// StackEntry is one persisted cleanup delegate on an operation's StackMaid stack.
type StackEntry struct {
	ID        int64
	MSID      int64  // owning management server
	ContextID string // owning operation context
	Seq       int64  // position on the operation's stack
	Delegate  string // name of the cleanup handler
	Context   []byte // serialized delegate context
	CreatedAt time.Time
}

// QuarantinedEntry is a cleanup delegate that failed permanently and is no longer retried.
type QuarantinedEntry struct {
	StackEntry
	Reason        string
	QuarantinedAt time.Time
}

// HostStatus is the connection state of an agent host
type HostStatus string

const (
	HostStatusConnecting   HostStatus = "connecting"
	HostStatusUp           HostStatus = "up"
	HostStatusAlert        HostStatus = "alert"
	HostStatusDisconnected HostStatus = "disconnected"
	HostStatusMaintenance  HostStatus = "maintenance"
)

// Host is the persisted view of an agent host
type Host struct {
	ID         string
	Name       string
	Hypervisor string
	Status     HostStatus
	MSID       int64 // management server currently owning the agent connection
	Details    string
	LastSeen   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StackMaidStore persists the StackMaid cleanup stacks.
type StackMaidStore interface {
	// PushCleanupDelegate durably appends an entry and returns its id.
	PushCleanupDelegate(ctx context.Context, entry *StackEntry) (int64, error)

	// PopCleanupDelegate removes and returns the highest-seq entry of (msid, contextID).
	// Returns ErrStackEmpty if the stack has no entries.
	PopCleanupDelegate(ctx context.Context, msid int64, contextID string) (*StackEntry, error)

	// ClearStack deletes every entry owned by msid.
	ClearStack(ctx context.Context, msid int64) (int64, error)

	// ClearContext deletes every entry of one operation stack.
	ClearContext(ctx context.Context, msid int64, contextID string) (int64, error)

	// ListLeftoversByMSID returns msid's entries ordered by (msid, context_id, seq desc).
	ListLeftoversByMSID(ctx context.Context, msid int64) ([]*StackEntry, error)

	// ListLeftoversByCutTime returns entries created before cut, same ordering.
	ListLeftoversByCutTime(ctx context.Context, cut time.Time) ([]*StackEntry, error)

	// DeleteCleanupDelegate removes a single entry by id.
	DeleteCleanupDelegate(ctx context.Context, id int64) error

	// QuarantineCleanupDelegate moves an entry to the quarantine table.
	QuarantineCleanupDelegate(ctx context.Context, entry *StackEntry, reason string) error

	// ListQuarantined returns quarantined entries, newest first.
	ListQuarantined(ctx context.Context, limit int) ([]*QuarantinedEntry, error)
}

// LockStore provides named, lease-based cluster locks.
type LockStore interface {
	// AcquireLock takes the named lock for owner if it is free, expired, or already owned by owner.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock frees the named lock if owner holds it.
	ReleaseLock(ctx context.Context, name, owner string) error
}

// HostStore persists agent host state.
type HostStore interface {
	UpsertHost(ctx context.Context, host *Host) error
	UpdateHostStatus(ctx context.Context, id string, status HostStatus, msid int64) error
	TouchHost(ctx context.Context, id string, seen time.Time) error
	GetHost(ctx context.Context, id string) (*Host, error)
	ListHosts(ctx context.Context) ([]*Host, error)
}

// Store combines every persistence interface used by the management server
type Store interface {
	StackMaidStore
	LockStore
	HostStore

	// Close releases any resources held by the store
	Close() error
}
