package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu sync.Mutex
	kv map[string][]byte
}

func newMemStore() *memStore { return &memStore{kv: map[string][]byte{}} }

func (m *memStore) GetState(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[key], nil
}

func (m *memStore) PutState(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func TestTickStrictlyMonotonic(t *testing.T) {
	c, err := Load(newMemStore())
	require.NoError(t, err)

	prev := c.Tick()
	for i := 0; i < 1000; i++ {
		next := c.Tick()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestWitnessAdvancesPastRemote(t *testing.T) {
	c, err := Load(newMemStore())
	require.NoError(t, err)

	c.Tick() // local = 1
	got := c.Witness(100)
	assert.Equal(t, uint64(101), got)

	// witness of an older value still advances
	got = c.Witness(5)
	assert.Equal(t, uint64(102), got)

	// tick after witness exceeds max(local, remote)
	assert.Greater(t, c.Tick(), uint64(102))
}

func TestRestartSkipsUnpersistedTicks(t *testing.T) {
	store := newMemStore()

	c, err := Load(store)
	require.NoError(t, err)
	var last uint64
	for i := 0; i < persistEvery+10; i++ {
		last = c.Tick()
	}

	// simulate crash without Flush: reload must jump past anything emitted
	c2, err := Load(store)
	require.NoError(t, err)
	assert.Greater(t, c2.Tick(), last)
}

func TestFlushPersistsExactCounter(t *testing.T) {
	store := newMemStore()
	c, err := Load(store)
	require.NoError(t, err)

	c.Tick()
	c.Tick()
	require.NoError(t, c.Flush())

	c2, err := Load(store)
	require.NoError(t, err)
	assert.Greater(t, c2.Tick(), uint64(2))
}

func TestConcurrentTicksUnique(t *testing.T) {
	c, err := Load(newMemStore())
	require.NoError(t, err)

	const n = 500
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Tick()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]struct{}{}
	for ts := range seen {
		_, dup := unique[ts]
		assert.False(t, dup, "duplicate timestamp %d", ts)
		unique[ts] = struct{}{}
	}
}
