package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// SQLiteStore is a Store backed by a sqlite database, letting several
// processes on one host share cache entries and locks. Every backend
// failure is reported as ErrUnavailable so callers can distinguish a
// broken cache from a plain miss.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if necessary initializes) the cache
// database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}

	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrUnavailable, err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64

	row := s.db.QueryRow(`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}

	if expiresAt != 0 && expiresAt < time.Now().UnixNano() {
		_, _ = s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}

	return value, true, nil
}

func (s *SQLiteStore) Set(key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	_, err := s.db.Exec(
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrUnavailable, key, err)
	}

	return nil
}

func (s *SQLiteStore) Exists(key string) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) TakeLock(ctx context.Context, name string, wait, hold time.Duration) (Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		acquired, err := s.tryAcquire(name, token, hold)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &sqliteLockHandle{store: s, name: name, token: token}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *SQLiteStore) tryAcquire(name, token string, hold time.Duration) (bool, error) {
	now := time.Now()

	// clear an expired holder first so the insert below can win
	if _, err := s.db.Exec(
		`DELETE FROM cache_locks WHERE name = ? AND expires_at < ?`,
		name, now.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("%w: expire lock %q: %v", ErrUnavailable, name, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO cache_locks (name, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, token, now.Add(hold).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: take lock %q: %v", ErrUnavailable, name, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: take lock %q: %v", ErrUnavailable, name, err)
	}

	return rows == 1, nil
}

type sqliteLockHandle struct {
	store *SQLiteStore
	name  string
	token string
}

func (l *sqliteLockHandle) Release() error {
	_, err := l.store.db.Exec(
		`DELETE FROM cache_locks WHERE name = ? AND token = ?`,
		l.name, l.token,
	)
	if err != nil {
		return fmt.Errorf("%w: release lock %q: %v", ErrUnavailable, l.name, err)
	}

	return nil
}
