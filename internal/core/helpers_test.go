package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memKV is an in-memory KVStore with injectable failures.
type memKV struct {
	mu      sync.Mutex
	data    map[string]string
	getErr  map[string]error
	setErr  map[string]error
	setCall int
}

func newMemKV() *memKV {
	return &memKV{
		data:   make(map[string]string),
		getErr: make(map[string]error),
		setErr: make(map[string]error),
	}
}

func (m *memKV) Get(_ context.Context, slot string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[slot]; err != nil {
		return "", false, err
	}
	v, ok := m.data[slot]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, slot, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCall++
	if err := m.setErr[slot]; err != nil {
		return err
	}
	m.data[slot] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, slot)
	return nil
}

var errBackend = errors.New("backend down")

func testKey(i int) string {
	return fmt.Sprintf("xai-test-%016d", i)
}

func testKeys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = testKey(i)
	}
	return out
}

// newTestPool builds a pool over an in-memory store and loads keys into it.
func newTestPool(clock Clock, keys ...string) *KeyPool {
	store := NewKeyStore(newMemKV(), nil, DefaultKeyFormat, nil)
	pool := NewKeyPool(store, NewUsageTracker(clock), clock, DefaultPoolOptions, nil)
	if len(keys) > 0 {
		if _, err := pool.SetKeys(context.Background(), keys); err != nil {
			panic(err)
		}
	}
	return pool
}
