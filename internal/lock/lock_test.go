package lock

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.TryAcquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.Held("a"))

	ok, _ = m.TryAcquire(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.TryAcquire(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, m.Release(ctx, "a"))
	ok, _ = m.TryAcquire(ctx, "a")
	assert.True(t, ok)
}

func TestMemoryLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.TryAcquire(ctx, "key"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
}

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.scanFn == nil {
		return nil
	}
	return r.scanFn(dest...)
}

// fakeServer emulates advisory lock ownership across sessions.
type fakeServer struct {
	mu    sync.Mutex
	owner map[int64]*fakeConn
}

type fakeConn struct {
	server   *fakeServer
	mu       sync.Mutex
	released int
	queryErr error
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(int64)
	return &fakeRow{scanFn: func(dest ...any) error {
		if c.queryErr != nil {
			return c.queryErr
		}
		s := c.server
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case strings.Contains(sql, "pg_try_advisory_lock"):
			holder, held := s.owner[key]
			if held && holder != c {
				*(dest[0].(*bool)) = false
				return nil
			}
			s.owner[key] = c
			*(dest[0].(*bool)) = true
		case strings.Contains(sql, "pg_advisory_unlock"):
			holder, held := s.owner[key]
			ok := held && holder == c
			if ok {
				delete(s.owner, key)
			}
			*(dest[0].(*bool)) = ok
		default:
			return errors.New("unexpected query")
		}
		return nil
	}}
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func TestPostgresAdvisoryAcquireAndRelease(t *testing.T) {
	server := &fakeServer{owner: map[int64]*fakeConn{}}
	var conns []*fakeConn
	newLock := func() *PostgresAdvisory {
		return newPostgresAdvisoryWithAcquire(func(context.Context) (advisoryConn, error) {
			c := &fakeConn{server: server}
			conns = append(conns, c)
			return c, nil
		}, nil)
	}
	a, b := newLock(), newLock()
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "image_style_deliver:r:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, conns[0].released, "holder keeps its session")

	ok, err = b.TryAcquire(ctx, "image_style_deliver:r:abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, conns[1].released)

	ok, _ = a.TryAcquire(ctx, "image_style_deliver:r:abc")
	assert.False(t, ok, "second acquire from the same process is busy")

	require.NoError(t, a.Release(ctx, "image_style_deliver:r:abc"))
	assert.Equal(t, 1, conns[0].released)

	ok, err = b.TryAcquire(ctx, "image_style_deliver:r:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.Release(ctx, "never-held"))
}

func TestPostgresAdvisoryQueryErrorReleasesConn(t *testing.T) {
	conn := &fakeConn{server: &fakeServer{owner: map[int64]*fakeConn{}}, queryErr: errors.New("conn reset")}
	l := newPostgresAdvisoryWithAcquire(func(context.Context) (advisoryConn, error) { return conn, nil }, nil)

	ok, err := l.TryAcquire(context.Background(), "x")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, 1, conn.released)
}

func TestAdvisoryKeyStable(t *testing.T) {
	assert.Equal(t, AdvisoryKey("a"), AdvisoryKey("a"))
	assert.NotEqual(t, AdvisoryKey("a"), AdvisoryKey("b"))
}

func TestSQLiteLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	a, err := OpenSQLite(path, time.Minute)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path, time.Minute)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, "k"), "releasing a foreign lock is a no-op")
	ok, _ = b.TryAcquire(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "k"))
	ok, _ = b.TryAcquire(ctx, "k")
	assert.True(t, ok)
}

func TestSQLiteLockExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	a, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	now := time.Now()
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now.Add(2 * time.Second) }

	ok, _ := a.TryAcquire(ctx, "k")
	require.True(t, ok)
	ok, err = b.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "expired holder is replaced")
}

func TestSQLiteReleaseAfterTakeoverKeepsNewHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	a, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer b.Close()
	c, err := OpenSQLite(path, time.Second)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	now := time.Now()
	a.now = func() time.Time { return now }
	ok, _ := a.TryAcquire(ctx, "k")
	require.True(t, ok)

	a.now = func() time.Time { return now.Add(2 * time.Second) }
	ok, err = a.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "a name held in-process is not taken over by its own process")

	b.now = a.now
	ok, _ = b.TryAcquire(ctx, "k")
	require.True(t, ok)

	require.NoError(t, a.Release(ctx, "k"))
	c.now = a.now
	ok, err = c.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "the stale holder's release must not free the new holder's lock")

	require.NoError(t, b.Release(ctx, "k"))
	ok, _ = c.TryAcquire(ctx, "k")
	assert.True(t, ok)
}
