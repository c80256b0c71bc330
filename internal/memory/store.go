// Package memory provides the long-term facts store behind the memory
// specialist's remember and recall tools.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fact is one remembered statement.
type Fact struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a SQLite-backed facts store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the facts database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(subject);
	CREATE INDEX IF NOT EXISTS idx_facts_updated ON facts(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember stores a new fact. A fact with the same subject and content
// already present is refreshed instead of duplicated.
func (s *Store) Remember(ctx context.Context, subject, content, source string) (*Fact, error) {
	subject = strings.TrimSpace(subject)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory: fact content is required")
	}
	if subject == "" {
		subject = "general"
	}

	now := time.Now().UTC()

	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM facts WHERE subject = ? AND content = ?
	`, subject, content).Scan(&existing)
	if err == nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE facts SET updated_at = ? WHERE id = ?
		`, now, existing); err != nil {
			return nil, fmt.Errorf("refresh fact: %w", err)
		}
		return s.Get(ctx, existing)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup fact: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate fact id: %w", err)
	}

	fact := &Fact{
		ID:        id.String(),
		Subject:   subject,
		Content:   content,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facts (id, subject, content, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fact.ID, fact.Subject, fact.Content, fact.Source, fact.CreatedAt, fact.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}
	return fact, nil
}

// Recall returns facts matching the query against subject or content,
// newest first. An empty query returns the most recent facts.
func (s *Store) Recall(ctx context.Context, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	query = strings.TrimSpace(query)
	if query == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, subject, content, source, created_at, updated_at
			FROM facts ORDER BY updated_at DESC LIMIT ?
		`, limit)
	} else {
		like := "%" + query + "%"
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, subject, content, source, created_at, updated_at
			FROM facts
			WHERE subject LIKE ? OR content LIKE ?
			ORDER BY updated_at DESC LIMIT ?
		`, like, like, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	return scanFacts(rows)
}

// Get returns a single fact by id.
func (s *Store) Get(ctx context.Context, id string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, content, source, created_at, updated_at
		FROM facts WHERE id = ?
	`, id)

	var f Fact
	var source sql.NullString
	if err := row.Scan(&f.ID, &f.Subject, &f.Content, &source, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("fact %s not found", id)
		}
		return nil, fmt.Errorf("get fact: %w", err)
	}
	f.Source = source.String
	return &f, nil
}

// Forget deletes a fact by id. Deleting an unknown id is an error so
// the caller can report it.
func (s *Store) Forget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("fact %s not found", id)
	}
	return nil
}

// Stats returns facts store statistics.
func (s *Store) Stats() map[string]any {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM facts`).Scan(&count)

	subjects := make(map[string]int)
	rows, err := s.db.Query(`SELECT subject, COUNT(*) FROM facts GROUP BY subject`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var subject string
			var n int
			if err := rows.Scan(&subject, &n); err != nil {
				continue
			}
			subjects[subject] = n
		}
	}

	return map[string]any{
		"facts":    count,
		"subjects": subjects,
		"storage":  "sqlite",
	}
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		var f Fact
		var source sql.NullString
		if err := rows.Scan(&f.ID, &f.Subject, &f.Content, &source, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Source = source.String
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
