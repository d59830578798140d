package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"TradeGuard/internal/clock"
)

// Memory is an in-process Cache used by unit tests and single-node dev
// setups. Expiry is evaluated lazily against the injected clock, so tests
// can time-travel with a fake clock instead of sleeping.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clk     clock.Clock

	// Fail, when set, makes every operation return ErrUnavailable.
	// Tests use it to verify fail-closed behavior.
	Fail bool
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		clk:     clk,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return nil, ErrUnavailable
	}
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	m.entries[key] = m.newEntry(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return false, ErrUnavailable
	}
	if e, ok := m.entries[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.entries[key] = m.newEntry(value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrUnavailable
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return 0, ErrUnavailable
	}
	deleted := 0
	for key, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !m.expired(e) {
			n++
		}
	}
	return n
}

func (m *Memory) newEntry(value []byte, ttl time.Duration) memoryEntry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memoryEntry{value: stored}
	if ttl > 0 {
		e.expiresAt = m.clk.Now().Add(ttl)
	}
	return e
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && m.clk.Now().After(e.expiresAt)
}
