// Package store keeps the (vector, label) records an index is built from in a
// SQLite table. Records are read back in insertion order (the seq column), so
// rebuilding from an unchanged table assigns the same position to every record.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"unicode/utf8"

	pkgerrors "imagesearch/pkg/errors"
	"imagesearch/pkg/logger"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is one embedding and the label it is published under.
type Record struct {
	Seq    int64
	Vector []float32
	Label  string
}

type Store struct {
	db    *sql.DB
	path  string
	table string
}

// Open opens (creating if needed) the SQLite database at path and ensures the
// records table exists.
func Open(path, table string) (*Store, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == MemoryPath {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, path: path, table: table}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Opened record store", "path", path, "table", table)
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if s.path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    label TEXT NOT NULL,
    embedding BLOB NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch appends records in one transaction and returns how many were
// written. Record.Seq is ignored; the store assigns it.
func (s *Store) InsertBatch(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s(label, embedding) VALUES(?, ?)`, s.table))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, r := range records {
		if len(r.Vector) == 0 {
			return 0, fmt.Errorf("%w: record %d has an empty vector", pkgerrors.ErrInvalidRecord, i)
		}
		if !utf8.ValidString(r.Label) {
			return 0, fmt.Errorf("%w: record %d label is not valid UTF-8", pkgerrors.ErrInvalidRecord, i)
		}
		if _, err := stmt.ExecContext(ctx, r.Label, EncodeEmbedding(r.Vector)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Scan streams every record to fn in seq order without materializing the table.
// An error from fn stops the scan and is returned unchanged.
func (s *Store) Scan(ctx context.Context, fn func(Record) error) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT seq, label, embedding FROM %s ORDER BY seq`, s.table))
	if err != nil {
		return fmt.Errorf("store: scan %s: %w", s.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r    Record
			blob []byte
		)
		if err := rows.Scan(&r.Seq, &r.Label, &blob); err != nil {
			return err
		}
		r.Vector, err = DecodeEmbedding(blob)
		if err != nil {
			return fmt.Errorf("record seq %d: %w", r.Seq, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

// Drop removes the records table. The next InsertBatch recreates it.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("store: drop %s: %w", s.table, err)
	}
	logger.Info("Dropped record table", "table", s.table)
	return nil
}
