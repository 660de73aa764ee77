// Package ledger keeps the local SQLite history of upload attempts. It lets
// the scanner recognize a file that was uploaded but could not be moved or
// deleted afterwards, and backs the history and reset-history commands.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// StatusUploaded means the upload succeeded and the source is still in
	// place, either because disposal is pending or because it failed.
	StatusUploaded = "UPLOADED"
	// StatusDisposed means the upload succeeded and the source was moved or
	// removed. A new file at the same path is a new document.
	StatusDisposed   = "DISPOSED"
	StatusFailed     = "FAILED"
	StatusLocalError = "LOCAL_ERROR"
)

// Entry is one row of file_log.
type Entry struct {
	Path        string
	Dir         string
	Size        int64
	ModTime     int64 // unix nanoseconds
	Status      string
	DocID       string
	Disposition string // where the file went afterwards, empty if removed
	Error       string
	Attempts    int
	UpdatedAt   time.Time
}

// Ledger wraps the SQLite handle.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema when missing.
func Open(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	// One writer at a time keeps SQLite out of SQLITE_BUSY under the pool.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS file_log (
		file_path TEXT PRIMARY KEY,
		scan_dir TEXT,
		file_size INTEGER,
		mod_time INTEGER,
		status TEXT,
		doc_id TEXT,
		disposition TEXT,
		last_error TEXT,
		attempts INTEGER DEFAULT 0,
		updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS file_log_updated ON file_log(updated_at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record upserts the latest attempt for e.Path.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO file_log (file_path, scan_dir, file_size, mod_time, status, doc_id, disposition, last_error, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			scan_dir = excluded.scan_dir,
			file_size = excluded.file_size,
			mod_time = excluded.mod_time,
			status = excluded.status,
			doc_id = excluded.doc_id,
			disposition = excluded.disposition,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, e.Path, e.Dir, e.Size, e.ModTime, e.Status, e.DocID, e.Disposition, e.Error, e.Attempts, l.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Path, err)
	}
	return nil
}

// Lookup returns the row for path, if any.
func (l *Ledger) Lookup(ctx context.Context, path string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT file_path, scan_dir, file_size, mod_time, status, doc_id, disposition, last_error, attempts, updated_at
		FROM file_log WHERE file_path = ?`, path)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", path, err)
	}
	return e, true, nil
}

// AlreadyUploaded reports whether path was uploaded with exactly this size and
// modification time and the source was left behind afterwards. Rows whose
// source was disposed of never match.
func (l *Ledger) AlreadyUploaded(ctx context.Context, path string, size, modTime int64) (Entry, bool) {
	e, ok, err := l.Lookup(ctx, path)
	if err != nil || !ok {
		return Entry{}, false
	}
	return e, e.Status == StatusUploaded && e.Size == size && e.ModTime == modTime
}

// Recent lists the latest rows, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT file_path, scan_dir, file_size, mod_time, status, doc_id, disposition, last_error, attempts, updated_at
		FROM file_log ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reset deletes the row for path, or every row when path is empty.
func (l *Ledger) Reset(ctx context.Context, path string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if path != "" {
		res, err = l.db.ExecContext(ctx, "DELETE FROM file_log WHERE file_path = ?", path)
	} else {
		res, err = l.db.ExecContext(ctx, "DELETE FROM file_log")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Entry, error) {
	var (
		e                                  Entry
		dir, docID, disposition, lastError sql.NullString
		updated                            sql.NullInt64
	)
	err := s.Scan(&e.Path, &dir, &e.Size, &e.ModTime, &e.Status, &docID, &disposition, &lastError, &e.Attempts, &updated)
	if err != nil {
		return Entry{}, err
	}
	e.Dir = dir.String
	e.DocID = docID.String
	e.Disposition = disposition.String
	e.Error = lastError.String
	if updated.Valid {
		e.UpdatedAt = time.Unix(0, updated.Int64)
	}
	return e, nil
}
