// Package store provides the two persistence mechanisms the server relies
// on: an embedded SQLite database used as a UserId-keyed key-value store for
// O(1) lookup during handshake, and atomic whole-file JSON writing and
// reading for the channel and group collections (see SaveJSON and LoadJSON
// in shadow.go).
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — user_db: the UserId-keyed key-value store (spec §4.H, §6).
	`CREATE TABLE IF NOT EXISTS user_kv (
		uuid BLOB PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
}

// Store wraps a SQLite database and exposes the UserId KV contract.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetUser returns the raw JSON blob stored for uuid. The second return value
// is false when no record exists; an error is only returned for real I/O
// failures.
func (s *Store) GetUser(uuid [32]byte) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM user_kv WHERE uuid = ?`, uuid[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// PutUser upserts the JSON blob stored for uuid.
func (s *Store) PutUser(uuid [32]byte, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO user_kv(uuid, data) VALUES(?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET data = excluded.data, updated_at = unixepoch()`,
		uuid[:], data,
	)
	return err
}

// DeleteUser removes the record for uuid, if any.
func (s *Store) DeleteUser(uuid [32]byte) error {
	_, err := s.db.Exec(`DELETE FROM user_kv WHERE uuid = ?`, uuid[:])
	return err
}

// AllUserIDs returns every uuid currently present in the store.
func (s *Store) AllUserIDs() ([][32]byte, error) {
	rows, err := s.db.Query(`SELECT uuid FROM user_kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var id [32]byte
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserCount returns the number of users currently stored.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM user_kv`).Scan(&n)
	return n, err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
