package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const MemoryDSN = "file::memory:?cache=shared"

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (or creates) the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = MemoryDSN
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	if filename == MemoryDSN {
		// shared-cache connections lock tables against each other
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache_id, key)
		)`,
		"CREATE INDEX IF NOT EXISTS key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// MustNewSQLiteStorage is like NewSQLiteStorage but panics on error.
func MustNewSQLiteStorage(filename string) SQLiteStorage {
	s, err := NewSQLiteStorage(filename)
	if err != nil {
		panic(err)
	}
	return s
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	var id int64
	if err := s.db.QueryRow("SELECT id FROM caches WHERE name = ?", name).Scan(&id); err != nil {
		return nil, err
	}
	return sqliteStore{s: s, id: id, name: name}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM caches WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var id int64
	err = tx.QueryRow("SELECT id FROM caches WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE cache_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM caches WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s SQLiteStorage) Keys() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT name FROM caches ORDER BY id ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Match(key string) (Entry, bool, error) {
	return s.scanEntry(s.db.QueryRow(`SELECT e.key, e.stored_at, e.bytes
		FROM entries e JOIN caches c ON c.id = e.cache_id
		WHERE e.key = ? ORDER BY c.id ASC LIMIT 1`, key))
}

func (s SQLiteStorage) scanEntry(row *sql.Row) (Entry, bool, error) {
	var entry Entry
	var storedAt int64
	err := row.Scan(&entry.Key, &storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	} else if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

type sqliteStore struct {
	s    SQLiteStorage
	id   int64
	name string
}

func (c sqliteStore) Name() string {
	return c.name
}

func (c sqliteStore) Match(key string) (Entry, bool, error) {
	return c.s.scanEntry(c.s.db.QueryRow(
		"SELECT key, stored_at, bytes FROM entries WHERE cache_id = ? AND key = ?", c.id, key))
}

func (c sqliteStore) Put(entry Entry) error {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	// a handle to a deleted store must not resurrect entries
	_, err := c.s.db.Exec(`INSERT OR REPLACE INTO entries
		(cache_id, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM caches WHERE id = ?)`,
		c.id, entry.Key, entry.StoredAt.Unix(), entry.Bytes, c.id)
	return err
}

func (c sqliteStore) Delete(key string) (bool, error) {
	c.s.writeMutex.Lock()
	defer c.s.writeMutex.Unlock()
	result, err := c.s.db.Exec("DELETE FROM entries WHERE cache_id = ? AND key = ?", c.id, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c sqliteStore) Keys() ([]string, error) {
	keys := make([]string, 0)
	rows, err := c.s.db.Query("SELECT key FROM entries WHERE cache_id = ? ORDER BY key", c.id)
	if err != nil {
		return keys, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
