package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveState stores v as JSON under key, replacing any previous value.
func (db *DB) SaveState(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	_, err = db.Exec(`
		INSERT INTO learning_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(b), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}

// LoadState decodes the value stored under key into v. It reports false
// when the key has never been saved.
func (db *DB) LoadState(key string, v any) (bool, error) {
	var raw string
	err := db.QueryRow(`SELECT value FROM learning_state WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return true, nil
}
