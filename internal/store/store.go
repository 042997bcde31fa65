package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/formdbg/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the layout this build writes, kept in PRAGMA
// user_version. migrations[v] upgrades a store from v to v+1:
//
//	1 - plans indexed by status
//	2 - store_meta records the snapshot hashing scheme
const schemaVersion = 2

var migrations = [schemaVersion]func(*sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status)`)
		return err
	},
	// A store with snapshots keeps the scheme they were sealed under; an
	// empty one adopts the current scheme.
	func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO store_meta (key, value)
			SELECT 'scheme', scheme FROM snapshots ORDER BY seq LIMIT 1`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT OR IGNORE INTO store_meta (key, value) VALUES ('scheme', ?)`, ir.SchemeVersion)
		return err
	},
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// ErrNewerStore is returned by Open for a store whose layout is newer than
// this build understands.
var ErrNewerStore = errors.New("store layout is newer than this build")

// SchemeMismatch is returned by Open when the stored snapshots were sealed
// under a different hashing scheme. None of them would verify.
type SchemeMismatch struct {
	Stored string
	Want   string
}

func (e *SchemeMismatch) Error() string {
	return fmt.Sprintf("store snapshots use scheme %q, this build seals %q", e.Stored, e.Want)
}

// Store persists the snapshot chain and the plan ledger in one SQLite
// file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path, upgrading older layouts in
// place. It refuses stores written by a newer layout or sealed under
// another hashing scheme. ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// A single connection serializes writers and keeps an in-memory
	// store alive for the life of the Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		return err
	}
	return checkScheme(db)
}

// migrate creates missing tables and runs every pending migration, each in
// its own transaction together with its user_version bump.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read layout version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: v%d, expected at most v%d", ErrNewerStore, version, schemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	for v := version; v < schemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := migrations[v](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	return nil
}

func checkScheme(db *sql.DB) error {
	var stored string
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'scheme'`).Scan(&stored)
	if err != nil {
		return fmt.Errorf("read scheme: %w", err)
	}
	if stored != ir.SchemeVersion {
		return &SchemeMismatch{Stored: stored, Want: ir.SchemeVersion}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
