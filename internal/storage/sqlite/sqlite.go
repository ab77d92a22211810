// Package sqlite is an embedded program registry and session store for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	id TEXT NOT NULL,
	version INTEGER NOT NULL,
	kind TEXT,
	node_count INTEGER NOT NULL,
	body BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	doc BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store persists programs and sessions in one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}
	// One writer keeps optimistic updates serialized inside the process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutProgram(ctx context.Context, p *program.Program) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite store marshal program: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO programs (id, version, kind, node_count, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id, version) DO UPDATE SET kind = excluded.kind, node_count = excluded.node_count, body = excluded.body`,
		p.ID, p.Version, p.Kind, len(p.Nodes), body, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite store put program: %w", err)
	}
	return nil
}

func (s *Store) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM programs WHERE id = ? ORDER BY version DESC LIMIT 1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", program.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store get program: %w", err)
	}
	return program.Parse(body)
}

func (s *Store) GetProgramVersion(ctx context.Context, id string, version int) (*program.Program, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM programs WHERE id = ? AND version = ?`, id, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", program.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store get program version: %w", err)
	}
	return program.Parse(body)
}

func (s *Store) ListPrograms(ctx context.Context) ([]program.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.version, COALESCE(p.kind, ''), p.node_count
FROM programs p
WHERE p.version = (SELECT MAX(version) FROM programs WHERE id = p.id)
ORDER BY p.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list programs: %w", err)
	}
	defer rows.Close()

	var out []program.Summary
	for rows.Next() {
		var sum program.Summary
		if err := rows.Scan(&sum.ID, &sum.Version, &sum.Kind, &sum.Nodes); err != nil {
			return nil, fmt.Errorf("sqlite store scan program: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Load(ctx context.Context, sessionID string) (*session.Document, error) {
	var version int64
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, doc FROM sessions WHERE id = ?`, sessionID).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store load session: %w", err)
	}
	doc, err := session.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	doc.Version = version
	return doc, nil
}

// Save writes doc when the stored version still equals doc.Version and bumps
// it; otherwise session.ErrConflict is returned.
func (s *Store) Save(ctx context.Context, doc *session.Document) error {
	prev := doc.Version
	doc.Version = prev + 1
	body, err := json.Marshal(doc)
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("sqlite store marshal session: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	if prev == 0 {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, version, doc, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`, doc.ID, doc.Version, body, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET version = ?, doc = ?, updated_at = ?
WHERE id = ? AND version = ?`, doc.Version, body, now, doc.ID, prev)
	}
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("sqlite store save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("sqlite store save session: %w", err)
	}
	if n == 0 {
		doc.Version = prev
		return fmt.Errorf("%w: %s at version %d", session.ErrConflict, doc.ID, prev)
	}
	return nil
}
