package dht

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

const (
	// IDBytes is the node ID width (32-hex node ids)
	IDBytes = 16
	// BucketSize is the Kademlia k parameter
	BucketSize = 16
	numBuckets = IDBytes * 8
)

// Record is one known node in the routing table
type Record struct {
	NodeID   string    `json:"node_id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// distance returns the XOR distance between two hex node IDs. Invalid
// IDs compare as maximally distant.
func distance(a, b string) []byte {
	ab, errA := hex.DecodeString(a)
	bb, errB := hex.DecodeString(b)
	d := make([]byte, IDBytes)
	if errA != nil || errB != nil || len(ab) != IDBytes || len(bb) != IDBytes {
		for i := range d {
			d[i] = 0xff
		}
		return d
	}
	for i := 0; i < IDBytes; i++ {
		d[i] = ab[i] ^ bb[i]
	}
	return d
}

// bucketIndex returns the index of the highest set bit of the distance,
// i.e. the length of the shared prefix. Equal IDs map to bucket 0.
func bucketIndex(self, other string) int {
	d := distance(self, other)
	for i, b := range d {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<uint(j)) != 0 {
				return (IDBytes-1-i)*8 + j
			}
		}
	}
	return 0
}

func less(d1, d2 []byte) bool {
	for i := 0; i < IDBytes; i++ {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// Table is a Kademlia routing table: one bucket per distance prefix,
// each holding up to BucketSize records ordered oldest-first.
type Table struct {
	selfID  string
	mu      sync.RWMutex
	buckets [numBuckets][]*Record
}

// NewTable creates a routing table centred on selfID
func NewTable(selfID string) *Table {
	return &Table{selfID: selfID}
}

// Add inserts or refreshes a record. A full bucket keeps its oldest
// entries: long-lived nodes are the most likely to stay reachable.
func (t *Table) Add(r Record) {
	if r.NodeID == t.selfID || r.NodeID == "" {
		return
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now()
	}
	idx := bucketIndex(t.selfID, r.NodeID)

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing.NodeID == r.NodeID {
			// refresh and move to tail
			t.buckets[idx] = append(append(bucket[:i:i], bucket[i+1:]...), &r)
			return
		}
	}
	if len(bucket) >= BucketSize {
		return
	}
	t.buckets[idx] = append(bucket, &r)
}

// Remove drops a record, typically after a failed query
func (t *Table) Remove(nodeID string) {
	idx := bucketIndex(t.selfID, nodeID)
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i, r := range bucket {
		if r.NodeID == nodeID {
			t.buckets[idx] = append(bucket[:i:i], bucket[i+1:]...)
			return
		}
	}
}

// Closest returns up to n known records ordered by XOR distance to target
func (t *Table) Closest(target string, n int) []Record {
	t.mu.RLock()
	var all []Record
	for _, bucket := range t.buckets {
		for _, r := range bucket {
			all = append(all, *r)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return less(distance(all[i].NodeID, target), distance(all[j].NodeID, target))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the number of known records
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}
