package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rimg/internal/shared/logging"
)

// advisoryConn is the subset of a pooled connection the lock needs.
// Advisory locks are session scoped, so the connection that took the lock
// is kept out of the pool until the lock is released.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// PostgresAdvisory implements Locker with pg_try_advisory_lock so every
// process talking to the same database shares one lock table.
type PostgresAdvisory struct {
	acquire func(context.Context) (advisoryConn, error)
	logger  logging.Logger

	mu   sync.Mutex
	held map[string]advisoryConn
}

// NewPostgresAdvisory uses pool for lock sessions.
func NewPostgresAdvisory(pool *pgxpool.Pool, logger logging.Logger) *PostgresAdvisory {
	return newPostgresAdvisoryWithAcquire(func(ctx context.Context) (advisoryConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, logger)
}

// OpenPostgresAdvisory connects to dsn and returns the locker plus a close
// function for the pool.
func OpenPostgresAdvisory(ctx context.Context, dsn string, logger logging.Logger) (*PostgresAdvisory, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect lock database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping lock database: %w", err)
	}
	return NewPostgresAdvisory(pool, logger), pool.Close, nil
}

func newPostgresAdvisoryWithAcquire(acquire func(context.Context) (advisoryConn, error), logger logging.Logger) *PostgresAdvisory {
	return &PostgresAdvisory{
		acquire: acquire,
		logger:  logging.OrNop(logger),
		held:    make(map[string]advisoryConn),
	}
}

// AdvisoryKey maps a lock name onto the int64 key space of advisory locks.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (p *PostgresAdvisory) TryAcquire(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	_, mine := p.held[name]
	p.mu.Unlock()
	if mine {
		return false, nil
	}

	conn, err := p.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryKey(name)).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, raced := p.held[name]; raced {
		// Lost to another goroutine of this process on a different session.
		_ = p.unlock(ctx, name, conn)
		return false, nil
	}
	p.held[name] = conn
	return true, nil
}

func (p *PostgresAdvisory) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	conn, ok := p.held[name]
	delete(p.held, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.unlock(ctx, name, conn)
}

func (p *PostgresAdvisory) unlock(ctx context.Context, name string, conn advisoryConn) error {
	defer conn.Release()
	var released bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryKey(name)).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %s: %w", name, err)
	}
	if !released {
		p.logger.Warn("advisory lock %s was not held at release", name)
		return errors.New("advisory lock not held")
	}
	return nil
}

var _ Locker = (*PostgresAdvisory)(nil)
