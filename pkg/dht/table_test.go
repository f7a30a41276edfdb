package dht

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomID(t *testing.T) string {
	t.Helper()
	buf := make([]byte, IDBytes)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}

func TestBucketIndex(t *testing.T) {
	self := "00000000000000000000000000000000"

	// differing in the lowest bit lands in bucket 0
	assert.Equal(t, 0, bucketIndex(self, "00000000000000000000000000000001"))
	// differing in the highest bit lands in the last bucket
	assert.Equal(t, numBuckets-1, bucketIndex(self, "80000000000000000000000000000000"))
	assert.Equal(t, 0, bucketIndex(self, self))
}

func TestTableAddAndClosest(t *testing.T) {
	self := randomID(t)
	table := NewTable(self)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = randomID(t)
		table.Add(Record{NodeID: ids[i], Addr: "10.0.0.1:7771"})
	}
	// random IDs cluster in the top buckets, so a full bucket may evict;
	// the table holds at most the inserted count and at least one full bucket
	assert.LessOrEqual(t, table.Size(), 50)
	assert.GreaterOrEqual(t, table.Size(), BucketSize)
	for _, bucket := range table.buckets {
		assert.LessOrEqual(t, len(bucket), BucketSize)
	}

	target := randomID(t)
	closest := table.Closest(target, 8)
	require.Len(t, closest, 8)

	// results are ordered by XOR distance
	for i := 1; i < len(closest); i++ {
		prev := distance(closest[i-1].NodeID, target)
		cur := distance(closest[i].NodeID, target)
		assert.False(t, less(cur, prev), "closest results out of order at %d", i)
	}
}

func TestTableIgnoresSelfAndRefreshes(t *testing.T) {
	self := randomID(t)
	table := NewTable(self)

	table.Add(Record{NodeID: self, Addr: "x"})
	assert.Equal(t, 0, table.Size())

	other := randomID(t)
	table.Add(Record{NodeID: other, Addr: "a"})
	table.Add(Record{NodeID: other, Addr: "b"}) // refresh, not duplicate
	assert.Equal(t, 1, table.Size())

	got := table.Closest(other, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Addr)
}

func TestTableRemove(t *testing.T) {
	table := NewTable(randomID(t))
	id := randomID(t)
	table.Add(Record{NodeID: id, Addr: "a"})
	table.Remove(id)
	assert.Equal(t, 0, table.Size())
}

func TestBucketCapacityKeepsOldest(t *testing.T) {
	// all IDs sharing the same top bit relative to self land in one bucket
	self := "00000000000000000000000000000000"
	table := NewTable(self)

	for i := 0; i < BucketSize+5; i++ {
		buf := make([]byte, IDBytes)
		_, err := rand.Read(buf)
		require.NoError(t, err)
		buf[0] |= 0x80
		table.Add(Record{NodeID: hex.EncodeToString(buf), Addr: "x"})
	}
	assert.Equal(t, BucketSize, table.Size())
}
