// ABOUTME: SQLite persistence for agent host records
// ABOUTME: Tracks connection status, owning management server, and last heartbeat

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertHost creates or replaces the host record, keeping the original creation time.
func (s *SQLiteStore) UpsertHost(ctx context.Context, host *Host) error {
	now := time.Now().UTC()
	if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	host.UpdatedAt = now

	var lastSeen any
	if host.LastSeen != nil {
		lastSeen = formatTime(*host.LastSeen)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, name, hypervisor, status, msid, details, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hypervisor = excluded.hypervisor,
			status = excluded.status,
			msid = excluded.msid,
			details = excluded.details,
			last_seen = COALESCE(excluded.last_seen, hosts.last_seen),
			updated_at = excluded.updated_at
	`, host.ID, host.Name, host.Hypervisor, string(host.Status), host.MSID, host.Details, lastSeen,
		formatTime(host.CreatedAt), formatTime(host.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting host %s: %w", host.ID, err)
	}
	return nil
}

// UpdateHostStatus sets the status and owning msid of a host.
// Returns ErrNotFound if the host does not exist.
func (s *SQLiteStore) UpdateHostStatus(ctx context.Context, id string, status HostStatus, msid int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET status = ?, msid = ?, updated_at = ? WHERE id = ?
	`, string(status), msid, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating host %s status: %w", id, err)
	}
	return requireAffected(res)
}

// TouchHost records a heartbeat for the host.
func (s *SQLiteStore) TouchHost(ctx context.Context, id string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen = ? WHERE id = ?`, formatTime(seen), id)
	if err != nil {
		return fmt.Errorf("touching host %s: %w", id, err)
	}
	return requireAffected(res)
}

// GetHost retrieves a host by ID.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, hypervisor, status, msid, details, last_seen, created_at, updated_at
		FROM hosts WHERE id = ?
	`, id)

	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting host %s: %w", id, err)
	}
	return h, nil
}

// ListHosts returns every host ordered by name.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, hypervisor, status, msid, details, last_seen, created_at, updated_at
		FROM hosts ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func scanHost(row rowScanner) (*Host, error) {
	var (
		h         Host
		status    string
		details   sql.NullString
		lastSeen  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Hypervisor, &status, &h.MSID, &details, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	h.Details = details.String

	var err error
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		h.LastSeen = &t
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &h, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
