// Package postgres persists programs, session documents and the event log.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/AaronLay10/SentientNarrative/internal/config"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// EventRow represents an event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	SessionID *string                `json:"session_id,omitempty"`
}

// Client manages the Postgres connection.
type Client struct {
	db *sql.DB
}

// New creates a new Postgres client using the PG* environment variables.
// PGPASSWORD may come from a file via PGPASSWORD_FILE.
func New() (*Client, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "narrative")
	dbname := getEnv("PGDATABASE", "narrative")
	password, err := config.ResolveSecret("PGPASSWORD")
	if err != nil {
		return nil, err
	}

	var connStr string
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		connStr = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			host, port, user, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{db: db}
	if err := client.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return client, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS events (
			event_id   BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			level      TEXT NOT NULL,
			event      TEXT NOT NULL,
			msg        TEXT,
			fields     JSONB,
			session_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);

		CREATE TABLE IF NOT EXISTS programs (
			id         TEXT NOT NULL,
			version    INTEGER NOT NULL,
			kind       TEXT,
			body       JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`
	_, err := c.db.Exec(query)
	return err
}

// Append inserts an event into the database.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}

	var sessionPtr *string
	if sessionID != "" {
		sessionPtr = &sessionID
	}

	query := `
		INSERT INTO events (ts, level, event, msg, fields, session_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = c.db.Exec(query, ts, level, event, msgPtr, fieldsJSON, sessionPtr)
	return err
}

// Query returns the last N events in descending timestamp order. A non-empty
// sessionID restricts the result to that session.
func (c *Client) Query(limit int, sessionID string) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT event_id, ts, level, event, msg, fields, session_id
		FROM events
		WHERE ($1 = '' OR session_id = $1)
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := c.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, sid sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &sid); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if sid.Valid {
			e.SessionID = &sid.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

// PutProgram stores p under (id, version), replacing an existing row.
func (c *Client) PutProgram(ctx context.Context, p *program.Program) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal program: %w", err)
	}
	query := `
		INSERT INTO programs (id, version, kind, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, version) DO UPDATE SET kind = EXCLUDED.kind, body = EXCLUDED.body
	`
	_, err = c.db.ExecContext(ctx, query, p.ID, p.Version, p.Kind, body)
	return err
}

// GetProgram returns the highest stored version of id.
func (c *Client) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	var body []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT body FROM programs WHERE id = $1 ORDER BY version DESC LIMIT 1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", program.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query program: %w", err)
	}
	return program.Parse(body)
}

// GetProgramVersion returns exactly (id, version).
func (c *Client) GetProgramVersion(ctx context.Context, id string, version int) (*program.Program, error) {
	var body []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT body FROM programs WHERE id = $1 AND version = $2`, id, version).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", program.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query program version: %w", err)
	}
	return program.Parse(body)
}

// ListPrograms returns the latest version of every program.
func (c *Client) ListPrograms(ctx context.Context) ([]program.Summary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT ON (id) id, version, COALESCE(kind, ''), jsonb_array_length(body->'nodes')
		FROM programs
		ORDER BY id, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	var out []program.Summary
	for rows.Next() {
		var s program.Summary
		if err := rows.Scan(&s.ID, &s.Version, &s.Kind, &s.Nodes); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Load returns the stored session document, or session.ErrNotFound.
func (c *Client) Load(ctx context.Context, sessionID string) (*session.Document, error) {
	var version int64
	var body []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT version, doc FROM sessions WHERE id = $1`, sessionID).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	doc, err := session.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	doc.Version = version
	return doc, nil
}

// Save writes doc with optimistic concurrency: the row is only written when
// its version still equals doc.Version (no row for version 0). On success
// doc.Version is bumped; otherwise session.ErrConflict is returned.
func (c *Client) Save(ctx context.Context, doc *session.Document) error {
	prev := doc.Version
	doc.Version = prev + 1
	body, err := json.Marshal(doc)
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var res sql.Result
	if prev == 0 {
		res, err = c.db.ExecContext(ctx, `
			INSERT INTO sessions (id, version, doc, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (id) DO NOTHING
		`, doc.ID, doc.Version, body)
	} else {
		res, err = c.db.ExecContext(ctx, `
			UPDATE sessions SET version = $2, doc = $3, updated_at = now()
			WHERE id = $1 AND version = $4
		`, doc.ID, doc.Version, body, prev)
	}
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("failed to save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		doc.Version = prev
		return fmt.Errorf("failed to save session: %w", err)
	}
	if n == 0 {
		doc.Version = prev
		return fmt.Errorf("%w: %s at version %d", session.ErrConflict, doc.ID, prev)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
