// Package lock provides non-blocking named locks.
//
// TryAcquire never waits: it reports false immediately when another holder
// owns the name. Callers that get false push the retry to their client.
package lock

import (
	"context"
	"sync"
)

// Locker is a named, advisory, non-blocking mutual-exclusion service.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// Memory is a process-local Locker. It is only correct when every worker
// serving derivatives runs in the same process.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory returns an empty in-process lock table.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryAcquire(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[name]; busy {
		return false, nil
	}
	m.held[name] = struct{}{}
	return true, nil
}

func (m *Memory) Release(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
	return nil
}

// Held reports whether name is currently locked.
func (m *Memory) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

var _ Locker = (*Memory)(nil)
