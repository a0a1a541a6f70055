// Package storage persists host data that must survive restarts:
// conversations and user settings. It is a flat namespaced key/value
// store with save/load semantics and last-write-wins; values are JSON
// documents. MCP server state is never stored here.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key/value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the store at dbPath, creating the schema on first use.
// The parent directory must exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save encodes v as JSON and stores it under namespace/key, replacing
// any previous value.
func (s *Store) Save(namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Load decodes the value stored under namespace/key into v. It reports
// false, leaving v untouched, when nothing is stored.
func (s *Store) Load(namespace, key string, v any) (bool, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s/%s: %w", namespace, key, err)
	}

	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Delete removes a namespace/key entry. Missing keys are not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Clear removes every entry in every namespace.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}
