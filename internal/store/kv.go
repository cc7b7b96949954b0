package store

import (
	"database/sql"
	"errors"
	"time"
)

// Entry is one row of the key/value table.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Get returns the value stored under key, or nil if there is none.
func (db *DB) Get(key string) ([]byte, error) {
	var v []byte
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put inserts or replaces the value under key.
func (db *DB) Put(key string, value []byte) error {
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (db *DB) Delete(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// DeletePrefix removes every key starting with prefix.
func (db *DB) DeletePrefix(prefix string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}

// List returns the entries whose key starts with prefix, ordered by key.
func (db *DB) List(prefix string) ([]Entry, error) {
	rows, err := db.Query(`
		SELECT key, value, updated_at FROM kv
		WHERE substr(key, 1, ?) = ?
		ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Key, &e.Value, &ms); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
