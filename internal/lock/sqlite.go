package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS derivative_locks (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLite implements Locker on a lock table in a SQLite database shared by
// every worker process on one host. Rows expire after ttl so a crashed
// holder cannot keep a name locked forever. Every acquisition writes its
// own token, and a name held in this process is never taken over by it.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	held map[string]string
}

// OpenSQLite creates or opens the lock database at path.
func OpenSQLite(path string, ttl time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to lock database: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SQLite{db: db, ttl: ttl, now: time.Now, held: make(map[string]string)}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) TryAcquire(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, mine := s.held[name]; mine {
		return false, nil
	}

	token := uuid.NewString()
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO derivative_locks (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE derivative_locks.expires_at < ?`,
		name, token, now.Add(s.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if n != 1 {
		return false, nil
	}
	s.held[name] = token
	return true, nil
}

func (s *SQLite) Release(ctx context.Context, name string) error {
	s.mu.Lock()
	token, mine := s.held[name]
	delete(s.held, name)
	s.mu.Unlock()
	if !mine {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM derivative_locks WHERE name = ? AND owner = ?`, name, token); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

var _ Locker = (*SQLite)(nil)
