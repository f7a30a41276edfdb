package census

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

type fakeMesh struct {
	mu        sync.Mutex
	id        string
	sent      map[string][]*transport.Message
	broadcast []*transport.Message
}

func (f *fakeMesh) NodeID() string { return f.id }

func (f *fakeMesh) SendTo(nodeID string, m *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]*transport.Message{}
	}
	f.sent[nodeID] = append(f.sent[nodeID], m)
	return nil
}

func (f *fakeMesh) Broadcast(m *transport.Message, exclude string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, m)
}

func (f *fakeMesh) last(nodeID string) *transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[nodeID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func newTestCensus(t *testing.T, nodeID string) (*Census, storage.Store, *fakeMesh) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mesh := &fakeMesh{id: nodeID}
	c := New(mesh, store, types.NodeInfo{ID: nodeID, Role: types.NodeRoleWorker, P2PPort: 7771})
	return c, store, mesh
}

func TestNodeAnnounceRecorded(t *testing.T) {
	c, _, _ := newTestCensus(t, "aaaa")

	msg, err := transport.NewMessage(transport.MsgNodeAnnounce, "bbbb", 0, &types.NodeInfo{
		ID: "bbbb", Role: types.NodeRoleEmperor,
	})
	require.NoError(t, err)
	require.True(t, c.HandleMessage("bbbb", msg))

	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "bbbb", nodes[0].ID)
	assert.Equal(t, types.NodeRoleEmperor, nodes[0].Role)
}

func TestNodeQueryAnsweredWithSelf(t *testing.T) {
	c, _, mesh := newTestCensus(t, "aaaa")

	query, err := transport.NewMessage(transport.MsgNodeQuery, "bbbb", 0, nil)
	require.NoError(t, err)
	require.True(t, c.HandleMessage("bbbb", query))

	rsp := mesh.last("bbbb")
	require.NotNil(t, rsp)
	assert.Equal(t, transport.MsgNodeAnnounce, rsp.Type)

	var info types.NodeInfo
	require.NoError(t, rsp.Decode(&info))
	assert.Equal(t, "aaaa", info.ID)
}

func TestCensusReportCountsLocalState(t *testing.T) {
	c, store, mesh := newTestCensus(t, "aaaa")

	require.NoError(t, store.PutAgent(&types.Agent{
		ID: "a1", NodeID: "aaaa", Status: types.AgentIdle,
		Capabilities: []string{"golang"}, LamportTS: 1,
	}))
	require.NoError(t, store.PutAgent(&types.Agent{
		ID: "a2", NodeID: "aaaa", Status: types.AgentBusy, LamportTS: 1,
	}))
	require.NoError(t, store.PutTask(&types.Task{
		ID: "t1", Title: "one", Status: types.TaskPending, LamportTS: 1,
	}))

	req, err := transport.NewMessage(transport.MsgCensusReq, "bbbb", 0, nil)
	require.NoError(t, err)
	require.True(t, c.HandleMessage("bbbb", req))

	rsp := mesh.last("bbbb")
	require.NotNil(t, rsp)
	require.Equal(t, transport.MsgCensusRsp, rsp.Type)

	var rep Report
	require.NoError(t, rsp.Decode(&rep))
	assert.Equal(t, 2, rep.Agents)
	assert.Equal(t, 1, rep.IdleAgents)
	assert.Equal(t, 1, rep.Tasks["pending"])
	assert.Equal(t, []string{"golang"}, rep.Caps)
}

func TestCensusResponsesAccumulate(t *testing.T) {
	c, _, _ := newTestCensus(t, "aaaa")

	for _, peer := range []string{"bbbb", "cccc"} {
		msg, err := transport.NewMessage(transport.MsgCensusRsp, peer, 0, &Report{
			Node: types.NodeInfo{ID: peer}, Agents: 1,
		})
		require.NoError(t, err)
		require.True(t, c.HandleMessage(peer, msg))
	}
	assert.Len(t, c.Reports(), 2)
}

func TestAgentSyncMergesByLWW(t *testing.T) {
	c, store, _ := newTestCensus(t, "aaaa")

	require.NoError(t, store.PutAgent(&types.Agent{
		ID: "a1", NodeID: "bbbb", Status: types.AgentBusy, LamportTS: 5,
	}))

	msg, err := transport.NewMessage(transport.MsgAgentSync, "bbbb", 9, &agentSyncPayload{
		Agents: []*types.Agent{
			{ID: "a1", NodeID: "bbbb", Status: types.AgentIdle, LamportTS: 9},
			{ID: "a2", NodeID: "bbbb", Status: types.AgentIdle, LamportTS: 9},
		},
	})
	require.NoError(t, err)
	require.True(t, c.HandleMessage("bbbb", msg))

	a1, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a1.Status)
	a2, err := store.GetAgent("a2")
	require.NoError(t, err)
	require.NotNil(t, a2)
}

func TestUnrelatedTagFallsThrough(t *testing.T) {
	c, _, _ := newTestCensus(t, "aaaa")
	msg, err := transport.NewMessage(transport.MsgTaskCreate, "bbbb", 0, nil)
	require.NoError(t, err)
	assert.False(t, c.HandleMessage("bbbb", msg))
}
