package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"

	"github.com/lazypower/cogmem/internal/memerr"
)

// Primary SQLite result codes that indicate a damaged database file.
const (
	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

// DB wraps a sql.DB connection to the cogmem SQLite database holding graph
// and learning state.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
//
// A file that is not a database fails with a StorageCorruptionError and a nil
// DB. A database that opens but fails its integrity check is returned
// together with a StorageCorruptionError so callers can serve it read-only.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// foreign_keys is per connection, so it goes in the DSN for every pooled one.
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, db.classify(err)
	}
	if err := db.IntegrityCheck(); err != nil {
		return db, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, db.classify(fmt.Errorf("migrate: %w", err))
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// Every connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:"}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// IntegrityCheck runs PRAGMA quick_check and reports any problem as a
// StorageCorruptionError.
func (db *DB) IntegrityCheck() error {
	rows, err := db.Query("PRAGMA quick_check")
	if err != nil {
		return db.classify(fmt.Errorf("quick_check: %w", err))
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return db.classify(fmt.Errorf("scan quick_check: %w", err))
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return db.classify(fmt.Errorf("quick_check: %w", err))
	}
	if len(problems) > 0 {
		return &memerr.StorageCorruptionError{Path: db.Path, Batch: -1, Reason: problems[0]}
	}
	return nil
}

// classify turns SQLite corruption codes into a StorageCorruptionError and
// leaves every other error as is.
func (db *DB) classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteCorrupt, sqliteNotADB:
			return &memerr.StorageCorruptionError{Path: db.Path, Batch: -1, Reason: se.Error()}
		}
	}
	return err
}
