package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

func newTestBroker(t *testing.T, nodeID string) *Broker {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk, err := clock.Load(store)
	require.NoError(t, err)

	return New(Config{NodeID: nodeID, DID: "did:test:" + nodeID, Host: "127.0.0.1", Port: 0}, store, clk)
}

func TestReputationUnknownIsNeutral(t *testing.T) {
	rep := NewReputationTracker()
	assert.Equal(t, 0.5, rep.Score("never-seen"))
}

func TestReputationScoreBounds(t *testing.T) {
	rep := NewReputationTracker()

	// fast, recent, always completes: near-perfect but clamped to 1
	for i := 0; i < 10; i++ {
		rep.Credit("star", 30*time.Second)
	}
	score := rep.Score("star")
	assert.Greater(t, score, 0.9)
	assert.LessOrEqual(t, score, 1.0)

	// only abandons: loses completion and reliability both
	for i := 0; i < 5; i++ {
		rep.Debit("ghost", true)
	}
	ghost := rep.Score("ghost")
	assert.Less(t, ghost, 0.3)
	assert.GreaterOrEqual(t, ghost, 0.0)
}

func TestReputationFailedBeatsAbandoned(t *testing.T) {
	rep := NewReputationTracker()
	rep.Debit("flaky", false)
	rep.Debit("ghost", true)
	// a node that at least answers ranks above one that vanishes
	assert.Greater(t, rep.Score("flaky"), rep.Score("ghost"))
}

func TestMergeProfileLWW(t *testing.T) {
	b := newTestBroker(t, "n1")

	assert.True(t, b.mergeProfile(&types.CapabilityProfile{NodeID: "r1", LamportTS: 10}))
	assert.False(t, b.mergeProfile(&types.CapabilityProfile{NodeID: "r1", LamportTS: 5}))
	assert.True(t, b.mergeProfile(&types.CapabilityProfile{NodeID: "r1", LamportTS: 20}))

	require.Len(t, b.Profiles(), 1)
	assert.Equal(t, uint64(20), b.Profiles()[0].LamportTS)
}

func TestRelayDedup(t *testing.T) {
	b := newTestBroker(t, "n1")
	peer := &brokerPeer{nodeID: "remote", sendCh: make(chan *transport.Message, 8), done: make(chan struct{})}

	bounty := &types.Bounty{ID: "b1", Title: "work", Status: types.BountyOpen, LamportTS: 7}
	raw, err := newRelayMessage(t, "relay-1", KindBounty, bounty)
	require.NoError(t, err)

	b.handle(peer, raw)
	got, err := b.store.GetBounty("b1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// same relay uuid with a newer record is still dropped
	bounty.LamportTS = 99
	replay, err := newRelayMessage(t, "relay-1", KindBounty, bounty)
	require.NoError(t, err)
	b.handle(peer, replay)

	got, err = b.store.GetBounty("b1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.LamportTS)
}

func newRelayMessage(t *testing.T, relayID, kind string, record interface{}) (*transport.Message, error) {
	t.Helper()
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return transport.NewMessage(brokerRelay, "remote", 0, &relayEnvelope{
		RelayID: relayID, Kind: kind, Record: raw,
	})
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	b := newTestBroker(t, "n1")
	peer := &brokerPeer{nodeID: "slow", sendCh: make(chan *transport.Message, 1), done: make(chan struct{})}

	msg, err := transport.NewMessage(brokerPing, "n1", 0, nil)
	require.NoError(t, err)

	b.enqueue(peer, msg)
	b.enqueue(peer, msg) // queue full, must not block
	assert.Equal(t, 1, len(peer.sendCh))
}

func TestEnqueueToClosedPeerIsNoop(t *testing.T) {
	b := newTestBroker(t, "n1")
	peer := &brokerPeer{nodeID: "gone", sendCh: make(chan *transport.Message, 1), done: make(chan struct{})}
	close(peer.done)

	msg, err := transport.NewMessage(brokerPing, "n1", 0, nil)
	require.NoError(t, err)
	b.enqueue(peer, msg)
	assert.Equal(t, 0, len(peer.sendCh))
}

func TestTwoBrokerFederation(t *testing.T) {
	b1 := newTestBroker(t, "swarm-a")
	b2 := newTestBroker(t, "swarm-b")
	require.NoError(t, b1.Start())
	require.NoError(t, b2.Start())
	t.Cleanup(b1.Stop)
	t.Cleanup(b2.Stop)

	require.NoError(t, b2.Connect(b1.ListenAddr()))
	require.Eventually(t, func() bool {
		return b1.PeerCount() == 1 && b2.PeerCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// a bounty published on one board shows up on the other
	bounty := &types.Bounty{
		ID: "fed-1", TaskID: "t1", PosterNodeID: "swarm-a", Title: "cross-swarm",
		Status: types.BountyOpen, ExpiresAt: time.Now().Add(time.Hour),
		LamportTS: b1.clock.Tick(),
	}
	require.NoError(t, b1.Publish(KindBounty, bounty))
	require.Eventually(t, func() bool {
		got, err := b2.store.GetBounty("fed-1")
		return err == nil && got != nil
	}, 5*time.Second, 20*time.Millisecond)

	// profiles federate the other way
	require.NoError(t, b2.Publish(KindProfile, &types.CapabilityProfile{
		NodeID: "swarm-b", Capabilities: []string{"golang"},
		ExpiresAt: time.Now().Add(time.Hour), LamportTS: b2.clock.Tick(),
	}))
	require.Eventually(t, func() bool {
		for _, p := range b1.Profiles() {
			if p.NodeID == "swarm-b" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSyncOnConnectTransfersBoard(t *testing.T) {
	b1 := newTestBroker(t, "swarm-a")
	b2 := newTestBroker(t, "swarm-b")

	// seed the board before any peer exists
	require.NoError(t, b1.store.PutOffering(&types.Offering{
		ID: "o1", NodeID: "swarm-a", Slots: 2,
		ExpiresAt: time.Now().Add(time.Hour), LamportTS: 3,
	}))

	require.NoError(t, b1.Start())
	require.NoError(t, b2.Start())
	t.Cleanup(b1.Stop)
	t.Cleanup(b2.Stop)

	require.NoError(t, b2.Connect(b1.ListenAddr()))
	require.Eventually(t, func() bool {
		offerings, err := b2.store.ListOfferings()
		return err == nil && len(offerings) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
