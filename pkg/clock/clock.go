package clock

import (
	"encoding/binary"
	"sync"
)

// stateKey is the swarm_state key holding the persisted counter.
const stateKey = "lamport_counter"

// persistEvery bounds how many ticks may be lost on a crash. On load the
// counter jumps ahead by this margin so restarted nodes never reuse a
// timestamp they may already have emitted.
const persistEvery = 64

// StateStore is the slice of the durable store the clock needs.
type StateStore interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
}

// Lamport is a persisted Lamport clock. Every mutation to replicated
// state is stamped with a fresh Tick; every received timestamp passes
// through Witness before the local state is touched.
type Lamport struct {
	mu      sync.Mutex
	counter uint64
	dirty   uint64 // ticks since last persist
	store   StateStore
}

// Load restores the clock from the store, skipping past any ticks that
// may have been emitted but not persisted before a crash.
func Load(store StateStore) (*Lamport, error) {
	c := &Lamport{store: store}
	data, err := store.GetState(stateKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 8 {
		c.counter = binary.BigEndian.Uint64(data) + persistEvery
		if err := c.persistLocked(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Tick returns counter+1 and stores it. Strictly monotonic.
func (c *Lamport) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.bumpLocked()
	return c.counter
}

// Witness folds in a remotely observed timestamp: the counter becomes
// max(local, remote)+1, so a subsequent Tick exceeds both.
func (c *Lamport) Witness(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	c.bumpLocked()
	return c.counter
}

// Now returns the current counter without advancing it.
func (c *Lamport) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Flush persists the counter immediately. Called on shutdown.
func (c *Lamport) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *Lamport) bumpLocked() {
	c.dirty++
	if c.dirty >= persistEvery {
		// best effort; a failed persist only widens the restart jump
		_ = c.persistLocked()
	}
}

func (c *Lamport) persistLocked() error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.counter)
	c.dirty = 0
	return c.store.PutState(stateKey, buf)
}
