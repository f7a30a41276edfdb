package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, nodeID string) *Transport {
	t.Helper()
	tr := New(Config{
		NodeID:  nodeID,
		Host:    "127.0.0.1",
		P2PPort: 0,
		Role:    "worker",
	})
	require.NoError(t, tr.Start())
	t.Cleanup(tr.Stop)
	return tr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandshakeAndUnicast(t *testing.T) {
	a := newTestTransport(t, "aaaa")
	b := newTestTransport(t, "bbbb")

	var mu sync.Mutex
	var got []*Message
	b.SetHandler(func(from string, msg *Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	require.NoError(t, a.Connect(b.ListenAddr()))
	waitFor(t, func() bool { return len(a.Peers()) == 1 && len(b.Peers()) == 1 })

	assert.Equal(t, []string{"bbbb"}, a.Peers())
	assert.Equal(t, []string{"aaaa"}, b.Peers())

	msg, err := NewMessage(MsgTaskCreate, "aaaa", 1, map[string]string{"id": "t1"})
	require.NoError(t, err)
	require.NoError(t, a.SendTo("bbbb", msg))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, MsgTaskCreate, got[0].Type)
	assert.Equal(t, "aaaa", got[0].From)
	mu.Unlock()
}

func TestBroadcastWithExclude(t *testing.T) {
	hub := newTestTransport(t, "cccc")
	p1 := newTestTransport(t, "dddd")
	p2 := newTestTransport(t, "eeee")

	counts := map[string]*int{"dddd": new(int), "eeee": new(int)}
	var mu sync.Mutex
	for id, tr := range map[string]*Transport{"dddd": p1, "eeee": p2} {
		id := id
		tr.SetHandler(func(from string, msg *Message) {
			mu.Lock()
			*counts[id]++
			mu.Unlock()
		})
	}

	require.NoError(t, p1.Connect(hub.ListenAddr()))
	require.NoError(t, p2.Connect(hub.ListenAddr()))
	waitFor(t, func() bool { return len(hub.Peers()) == 2 })

	msg, err := NewMessage(MsgTaskUpdate, "cccc", 2, nil)
	require.NoError(t, err)
	hub.Broadcast(msg, "dddd") // exclude dddd to avoid re-flood to sender

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return *counts["eeee"] == 1
	})
	mu.Lock()
	assert.Equal(t, 0, *counts["dddd"])
	mu.Unlock()
}

func TestRejectSelfNodeID(t *testing.T) {
	a := newTestTransport(t, "ffff")

	// a dialing a transport with the same node id must not register a peer
	b := newTestTransport(t, "ffff")
	err := a.Connect(b.ListenAddr())
	assert.Error(t, err)
	assert.Empty(t, a.Peers())
}

func TestDuplicateEdgeCollapses(t *testing.T) {
	a := newTestTransport(t, "1111")
	b := newTestTransport(t, "2222")

	require.NoError(t, a.Connect(b.ListenAddr()))
	waitFor(t, func() bool { return len(a.Peers()) == 1 && len(b.Peers()) == 1 })

	// second edge from the other side must collapse back to one
	_ = b.Connect(a.ListenAddr())
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, a.Peers(), 1)
	assert.Len(t, b.Peers(), 1)
}
