// ABOUTME: Lease-based named locks shared by management servers through the database
// ABOUTME: A lock is free when absent, expired, or already held by the requesting owner

package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes the named lock for owner. It reports false when another owner holds an unexpired lease.
// Re-acquiring an owned lock extends its lease.
func (s *SQLiteStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	nowStr := formatTime(now)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_locks (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE cluster_locks.expires_at < ? OR cluster_locks.owner = ?
	`, name, owner, nowStr, formatTime(now.Add(ttl)), nowStr, owner)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	return n > 0, nil
}

// ReleaseLock frees the named lock if owner holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cluster_locks WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}
