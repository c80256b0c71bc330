package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one persisted terminal approval request.
type AuditEntry struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Arguments   string    `json:"arguments,omitempty"`
	Specialist  string    `json:"specialist,omitempty"`
	Risk        string    `json:"risk"`
	Reason      string    `json:"reason"`
	Status      Status    `json:"status"`
	RequesterID string    `json:"requester_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Store persists terminal approval requests for audit and review. It
// shares a database connection with the other stores and creates its
// own table on initialization.
type Store struct {
	db *sql.DB
}

// NewStore creates the approval audit store, migrating its schema if
// needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("approval store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approvals (
			id           TEXT PRIMARY KEY,
			tool         TEXT NOT NULL,
			arguments    TEXT,
			specialist   TEXT,
			risk         TEXT NOT NULL,
			reason       TEXT NOT NULL,
			status       TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			thread_id    TEXT,
			resolved_by  TEXT,
			requested_at TEXT NOT NULL,
			resolved_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_requester
			ON approvals(requester_id, requested_at DESC);
		CREATE INDEX IF NOT EXISTS idx_approvals_status
			ON approvals(status, requested_at DESC);
	`)
	return err
}

// Record persists a terminal request. Pending requests are never
// written — only outcomes are auditable.
func (s *Store) Record(req *Request, resolvedBy string, resolvedAt time.Time) error {
	if req.Status == StatusPending {
		return fmt.Errorf("refusing to record pending approval %s", req.ID)
	}

	args := ""
	if len(req.Invocation.Arguments) > 0 {
		b, err := json.Marshal(req.Invocation.Arguments)
		if err == nil {
			args = string(b)
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO approvals
			(id, tool, arguments, specialist, risk, reason, status,
			 requester_id, thread_id, resolved_by, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.Invocation.Tool,
		args,
		req.Invocation.Specialist,
		req.Risk.String(),
		req.Reason,
		string(req.Status),
		req.RequesterID,
		req.ThreadID,
		resolvedBy,
		req.RequestedAt.UTC().Format(time.RFC3339Nano),
		resolvedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the most recent terminal requests, newest first.
func (s *Store) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, tool, arguments, specialist, risk, reason, status,
		       requester_id, thread_id, resolved_by, requested_at, resolved_at
		FROM approvals
		ORDER BY requested_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var requestedAt, resolvedAt string
		if err := rows.Scan(&e.ID, &e.Tool, &e.Arguments, &e.Specialist,
			&e.Risk, &e.Reason, &e.Status, &e.RequesterID, &e.ThreadID,
			&e.ResolvedBy, &requestedAt, &resolvedAt); err != nil {
			return nil, err
		}
		e.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
		e.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
