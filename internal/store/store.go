// Package store exports session row logs to SQLite.
//
// The telemetry_data table has one REAL column per schema channel, in schema
// order, named by the channel name. Downstream tools rely on that order.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/shaunagostinho/racetelem/internal/channel"
	"github.com/shaunagostinho/racetelem/internal/history"
)

// Session describes one exported recording.
type Session struct {
	ID      uuid.UUID `json:"id"`
	Started time.Time `json:"started"`
	Source  string    `json:"source"`
	Rows    int       `json:"rows"`
}

var now = time.Now

// DB is an open export database.
type DB struct {
	db   *sql.DB
	path string
}

// FileName returns the export path for session id exported at t.
func FileName(dir string, t time.Time, id uuid.UUID) string {
	return filepath.Join(dir, fmt.Sprintf("telemetry_data_%s_%s.db",
		t.Format("20060102_150405"), id.String()[:8]))
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columns() []string {
	names := channel.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection keeps the file lock simple.
	db.SetMaxOpenConns(1)

	cols := columns()
	for i := range cols {
		cols[i] += " REAL"
	}
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS telemetry_data (%s)`, strings.Join(cols, ", ")),
		`CREATE TABLE IF NOT EXISTS session (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			row_count INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init %s: %w", path, err)
		}
	}
	return &DB{db: db, path: path}, nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error { return d.db.Close() }

// WriteSession bulk-inserts rows in one transaction and records the session.
// A zero session ID is replaced by a new one.
func (d *DB) WriteSession(ctx context.Context, s Session, rows []history.Row) (Session, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Rows = len(rows)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return s, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	marks := strings.TrimSuffix(strings.Repeat("?, ", channel.Count), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO telemetry_data (%s) VALUES (%s)`, strings.Join(columns(), ", "), marks))
	if err != nil {
		return s, fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	args := make([]any, channel.Count)
	for i := range rows {
		for c := range rows[i] {
			args[c] = rows[i][c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return s, fmt.Errorf("store: insert row %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session (id, started_at, source, row_count) VALUES (?, ?, ?, ?)`,
		s.ID.String(), s.Started.UnixMilli(), s.Source, s.Rows); err != nil {
		return s, fmt.Errorf("store: insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return s, fmt.Errorf("store: commit: %w", err)
	}
	log.Printf("[store] wrote %d rows to %s (session %s)", s.Rows, d.path, s.ID)
	return s, nil
}

// Sessions lists the recorded sessions, oldest first.
func (d *DB) Sessions(ctx context.Context) ([]Session, error) {
	rs, err := d.db.QueryContext(ctx, `SELECT id, started_at, source, row_count FROM session ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rs.Close()

	var out []Session
	for rs.Next() {
		var (
			id      string
			started int64
			s       Session
		)
		if err := rs.Scan(&id, &started, &s.Source, &s.Rows); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: session id %q: %w", id, err)
		}
		s.Started = time.UnixMilli(started)
		out = append(out, s)
	}
	return out, rs.Err()
}

// LoadRows reads back every row in insertion order.
func (d *DB) LoadRows(ctx context.Context) ([]history.Row, error) {
	rs, err := d.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM telemetry_data ORDER BY rowid`, strings.Join(columns(), ", ")))
	if err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	defer rs.Close()

	var out []history.Row
	dest := make([]any, channel.Count)
	for rs.Next() {
		var r history.Row
		for i := range r {
			dest[i] = &r[i]
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

// Export writes rows to a new database file under dir and returns its path.
// The file must not exist yet; every call produces its own file.
func Export(ctx context.Context, dir string, s Session, rows []history.Row) (string, Session, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", s, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	path := FileName(dir, now(), s.ID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", s, fmt.Errorf("store: create %s: %w", path, err)
	}
	f.Close()

	d, err := Open(ctx, path)
	if err != nil {
		return "", s, err
	}
	defer d.Close()
	s, err = d.WriteSession(ctx, s, rows)
	return path, s, err
}
