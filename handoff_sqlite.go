//go:build sqlite
// +build sqlite

package mailjobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHandoff keeps handoff entries in a SQLite table.
type SQLiteHandoff struct {
	db       *sql.DB
	ttl      time.Duration
	maxBytes int
}

// NewSQLiteHandoff opens (or creates) the database file at dbPath.
func NewSQLiteHandoff(dbPath string, ttl time.Duration, maxBytes int) (*SQLiteHandoff, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	h := &SQLiteHandoff{db: db, ttl: ttl, maxBytes: maxBytes}
	if err := h.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *SQLiteHandoff) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS handoff_entries (
		token TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_handoff_expires_at ON handoff_entries(expires_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

func (h *SQLiteHandoff) Store(ctx context.Context, token string, ids []string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}
	encoded, err := encodeIDs(ids, h.maxBytes)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO handoff_entries (token, payload, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at
	`, token, encoded, time.Now().Add(h.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store handoff: %w", err)
	}
	return nil
}

func (h *SQLiteHandoff) Load(ctx context.Context, token string) ([]string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var encoded string
	err = h.db.QueryRowContext(ctx, `
		SELECT payload FROM handoff_entries WHERE token = ? AND expires_at > ?
	`, token, time.Now().UnixMilli()).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff: %w", err)
	}
	return decodeIDs(encoded), nil
}

func (h *SQLiteHandoff) Delete(ctx context.Context, token string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `DELETE FROM handoff_entries WHERE token = ?`, token)
	return err
}

// Purge deletes expired rows.
func (h *SQLiteHandoff) Purge() int {
	res, err := h.db.Exec(`DELETE FROM handoff_entries WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

func (h *SQLiteHandoff) Close() error {
	return h.db.Close()
}

func newSQLiteHandoff(dbPath string, ttl time.Duration, maxBytes int) (Handoff, error) {
	h, err := NewSQLiteHandoff(dbPath, ttl, maxBytes)
	if err != nil {
		return nil, err
	}
	return h, nil
}
