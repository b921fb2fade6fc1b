package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditStore persists session lifecycle records. The registry treats writes
// as best-effort; a failed insert never affects the live session table.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// SessionCreated records a newly registered session.
func (r *AuditStore) SessionCreated(ctx context.Context, id, peerID string, at time.Time) error {
	query := `
		INSERT INTO session_audit (id, peer_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, id, peerID, at)
	if err != nil {
		return fmt.Errorf("failed to record session created: %w", err)
	}
	return nil
}

// SessionClosed marks a session's audit row with its close time and reason.
func (r *AuditStore) SessionClosed(ctx context.Context, id, reason string, at time.Time) error {
	query := `
		UPDATE session_audit
		SET closed_at = $1, close_reason = $2
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, at, reason, id)
	if err != nil {
		return fmt.Errorf("failed to record session closed: %w", err)
	}
	return nil
}

// ListOpen returns audit rows for sessions that never recorded a close,
// useful after a crash to see what was cut off.
func (r *AuditStore) ListOpen(ctx context.Context) ([]AuditRow, error) {
	query := `
		SELECT id, peer_id, created_at
		FROM session_audit
		WHERE closed_at IS NULL
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		if err := rows.Scan(&row.ID, &row.PeerID, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AuditRow is one session's audit record.
type AuditRow struct {
	ID        string
	PeerID    string
	CreatedAt time.Time
	ClosedAt  *time.Time
	Reason    *string
}
