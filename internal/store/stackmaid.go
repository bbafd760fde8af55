// ABOUTME: SQLite persistence for StackMaid cleanup stacks
// ABOUTME: Push, pop, clear, leftover listing and quarantine of cleanup delegates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const stackColumns = `id, msid, context_id, seq, delegate, context, created_at`

// PushCleanupDelegate durably appends an entry and returns its id.
// A zero CreatedAt is set to now.
func (s *SQLiteStore) PushCleanupDelegate(ctx context.Context, entry *StackEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stack_maid (msid, context_id, seq, delegate, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.MSID, entry.ContextID, entry.Seq, entry.Delegate, entry.Context, formatTime(entry.CreatedAt))
	if err != nil {
		s.logger.Error("failed to push cleanup delegate",
			"msid", entry.MSID, "context_id", entry.ContextID, "delegate", entry.Delegate, "error", err)
		return 0, fmt.Errorf("pushing cleanup delegate: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// PopCleanupDelegate removes and returns the highest-seq entry of (msid, contextID).
func (s *SQLiteStore) PopCleanupDelegate(ctx context.Context, msid int64, contextID string) (*StackEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+stackColumns+`
		FROM stack_maid
		WHERE msid = ? AND context_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, msid, contextID)

	entry, err := scanStackEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStackEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("selecting top of stack: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stack_maid WHERE id = ?`, entry.ID); err != nil {
		s.logger.Error("failed to pop cleanup delegate", "msid", msid, "context_id", contextID, "error", err)
		return nil, fmt.Errorf("deleting top of stack: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pop: %w", err)
	}
	return entry, nil
}

// ClearStack deletes every entry owned by msid and reports how many were removed.
func (s *SQLiteStore) ClearStack(ctx context.Context, msid int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stack_maid WHERE msid = ?`, msid)
	if err != nil {
		return 0, fmt.Errorf("clearing stack for msid %d: %w", msid, err)
	}
	return res.RowsAffected()
}

// ClearContext deletes every entry of one operation stack.
func (s *SQLiteStore) ClearContext(ctx context.Context, msid int64, contextID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stack_maid WHERE msid = ? AND context_id = ?`, msid, contextID)
	if err != nil {
		return 0, fmt.Errorf("clearing context %s: %w", contextID, err)
	}
	return res.RowsAffected()
}

// ListLeftoversByMSID returns msid's entries ordered by (msid, context_id, seq desc).
func (s *SQLiteStore) ListLeftoversByMSID(ctx context.Context, msid int64) ([]*StackEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stackColumns+`
		FROM stack_maid
		WHERE msid = ?
		ORDER BY msid, context_id, seq DESC
	`, msid)
	if err != nil {
		return nil, fmt.Errorf("listing leftovers for msid %d: %w", msid, err)
	}
	return collectStackEntries(rows)
}

// ListLeftoversByCutTime returns entries created strictly before cut, ordered by (msid, context_id, seq desc).
func (s *SQLiteStore) ListLeftoversByCutTime(ctx context.Context, cut time.Time) ([]*StackEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stackColumns+`
		FROM stack_maid
		WHERE created_at < ?
		ORDER BY msid, context_id, seq DESC
	`, formatTime(cut))
	if err != nil {
		return nil, fmt.Errorf("listing leftovers before %s: %w", cut.Format(time.RFC3339), err)
	}
	return collectStackEntries(rows)
}

// DeleteCleanupDelegate removes a single entry by id. Deleting a missing entry is not an error.
func (s *SQLiteStore) DeleteCleanupDelegate(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stack_maid WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting cleanup delegate %d: %w", id, err)
	}
	return nil
}

// QuarantineCleanupDelegate moves an entry to the quarantine table in one transaction.
func (s *SQLiteStore) QuarantineCleanupDelegate(ctx context.Context, entry *StackEntry, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO stack_maid_quarantine
			(id, msid, context_id, seq, delegate, context, created_at, reason, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.MSID, entry.ContextID, entry.Seq, entry.Delegate, entry.Context,
		formatTime(entry.CreatedAt), reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("quarantining cleanup delegate %d: %w", entry.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stack_maid WHERE id = ?`, entry.ID); err != nil {
		return fmt.Errorf("removing quarantined delegate %d: %w", entry.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing quarantine: %w", err)
	}

	s.logger.Warn("cleanup delegate quarantined",
		"id", entry.ID, "msid", entry.MSID, "context_id", entry.ContextID, "delegate", entry.Delegate, "reason", reason)
	return nil
}

// ListQuarantined returns quarantined entries, newest first. A non-positive limit defaults to 100.
func (s *SQLiteStore) ListQuarantined(ctx context.Context, limit int) ([]*QuarantinedEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stackColumns+`, reason, quarantined_at
		FROM stack_maid_quarantine
		ORDER BY quarantined_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing quarantined delegates: %w", err)
	}
	defer rows.Close()

	var out []*QuarantinedEntry
	for rows.Next() {
		var (
			q             QuarantinedEntry
			createdAt     string
			quarantinedAt string
		)
		if err := rows.Scan(&q.ID, &q.MSID, &q.ContextID, &q.Seq, &q.Delegate, &q.Context,
			&createdAt, &q.Reason, &quarantinedAt); err != nil {
			return nil, fmt.Errorf("scanning quarantined delegate: %w", err)
		}
		if q.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if q.QuarantinedAt, err = parseTime(quarantinedAt); err != nil {
			return nil, fmt.Errorf("parsing quarantined_at: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStackEntry(row rowScanner) (*StackEntry, error) {
	var (
		e         StackEntry
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.MSID, &e.ContextID, &e.Seq, &e.Delegate, &e.Context, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return &e, nil
}

func collectStackEntries(rows *sql.Rows) ([]*StackEntry, error) {
	defer rows.Close()

	var out []*StackEntry
	for rows.Next() {
		e, err := scanStackEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cleanup delegate: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
