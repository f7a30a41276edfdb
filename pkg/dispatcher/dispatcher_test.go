package dispatcher

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/queue"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

type nullGossip struct{}

func (nullGossip) Announce(transport.MsgType, uint64, interface{}) {}

type fakeMesh struct {
	mu     sync.Mutex
	sent   map[string][]*transport.Message
	refuse bool
}

func (f *fakeMesh) SendTo(nodeID string, m *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return fmt.Errorf("node unreachable")
	}
	if f.sent == nil {
		f.sent = map[string][]*transport.Message{}
	}
	f.sent[nodeID] = append(f.sent[nodeID], m)
	return nil
}

type fakeBridge struct {
	delivered []string
}

func (f *fakeBridge) Deliver(agent *types.Agent, task *types.Task) error {
	f.delivered = append(f.delivered, task.ID)
	return nil
}

type fixedLeader bool

func (l fixedLeader) IsEmperor() bool { return bool(l) }

type fakeDelegator struct{ offered []string }

func (f *fakeDelegator) Offer(task *types.Task) bool {
	f.offered = append(f.offered, task.ID)
	return true
}

func newTestDispatcher(t *testing.T, emperor bool) (*Dispatcher, *queue.Queue, storage.Store, *fakeMesh) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk, err := clock.Load(store)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q := queue.New(store, clk, broker, nullGossip{}, "local")
	mesh := &fakeMesh{}
	d := New(Config{NodeID: "local", OverflowPerCycle: 2}, q, store, mesh, fixedLeader(emperor), broker)
	return d, q, store, mesh
}

func putAgent(t *testing.T, store storage.Store, id, nodeID string, caps []string) {
	t.Helper()
	require.NoError(t, store.PutAgent(&types.Agent{
		ID: id, Name: id, NodeID: nodeID, Status: types.AgentIdle,
		Capabilities: caps, LamportTS: 1,
	}))
}

func TestNonEmperorDoesNothing(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, false)
	putAgent(t, store, "a1", "local", nil)
	task := &types.Task{Title: "t"}
	require.NoError(t, q.Create(task, false))

	d.cycle()
	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestLocalDispatchReachesInProgress(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	bridge := &fakeBridge{}
	d.SetBridge(bridge)
	putAgent(t, store, "a1", "local", nil)

	task := &types.Task{Title: "t"}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, "a1", got.AssignedAgentID)
	assert.Equal(t, []string{task.ID}, bridge.delivered)
}

func TestRemoteDispatchSendsAssignAndClaims(t *testing.T) {
	d, q, store, mesh := newTestDispatcher(t, true)
	putAgent(t, store, "a1", "remote-node", nil)

	task := &types.Task{Title: "t"}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	require.Len(t, mesh.sent["remote-node"], 1)
	assert.Equal(t, transport.MsgTaskAssign, mesh.sent["remote-node"][0].Type)
	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskClaimed, got.Status)
}

func TestRemoteSendFailureLeavesPending(t *testing.T) {
	d, q, store, mesh := newTestDispatcher(t, true)
	mesh.refuse = true
	putAgent(t, store, "a1", "remote-node", nil)

	task := &types.Task{Title: "t"}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestCapabilityFilter(t *testing.T) {
	d, q, store, mesh := newTestDispatcher(t, true)
	putAgent(t, store, "go-agent", "remote-node", []string{"go", "linux"})
	putAgent(t, store, "py-agent", "other-node", []string{"python"})

	task := &types.Task{Title: "t", RequiredCaps: []string{"go"}}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskClaimed, got.Status)
	assert.Equal(t, "go-agent", got.AssignedAgentID)
	assert.Empty(t, mesh.sent["other-node"])
}

func TestEmptyAgentCapabilitiesAreUniversal(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	putAgent(t, store, "generalist", "remote-node", nil)

	task := &types.Task{Title: "t", RequiredCaps: []string{"anything"}}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskClaimed, got.Status)
}

func TestProjectAffinityPreferred(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	putAgent(t, store, "elsewhere", "n1", nil)
	require.NoError(t, store.PutAgent(&types.Agent{
		ID: "colocated", NodeID: "n2", Status: types.AgentIdle,
		ProjectPath: "/srv/app", LamportTS: 1,
	}))

	// several cycles: round-robin must stay inside the preferred set
	for i := 0; i < 3; i++ {
		task := &types.Task{Title: "t", ProjectPath: "/srv/app"}
		require.NoError(t, q.Create(task, false))
		d.cycle()
		got, _ := store.GetTask(task.ID)
		require.Equal(t, types.TaskClaimed, got.Status)
		assert.Equal(t, "colocated", got.AssignedAgentID)

		// free the agent for the next round
		require.True(t, q.Cancel(task.ID))
	}
}

func TestUnblockPhase(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)

	dep := &types.Task{Title: "dep"}
	require.NoError(t, q.Create(dep, false))
	blocked := &types.Task{Title: "blocked", DependsOn: []string{dep.ID}}
	require.NoError(t, q.Create(blocked, false))

	d.cycle()
	got, _ := store.GetTask(blocked.ID)
	assert.Equal(t, types.TaskBlocked, got.Status, "dependency still open")

	require.True(t, q.ReportComplete(dep.ID, "done"))
	d.cycle()
	got, _ = store.GetTask(blocked.ID)
	assert.NotEqual(t, types.TaskBlocked, got.Status, "dependency completed, task must unblock")
}

func TestCascadeFailPhase(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)

	dep := &types.Task{Title: "dep"}
	require.NoError(t, q.Create(dep, false))
	blocked := &types.Task{Title: "blocked", DependsOn: []string{dep.ID}}
	require.NoError(t, q.Create(blocked, false))

	require.True(t, q.ReportFail(dep.ID, "boom"))
	d.cycle()

	got, _ := store.GetTask(blocked.ID)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, depFailedReason, got.Error)
}

func TestOverflowRespectsPerCycleCap(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	delegator := &fakeDelegator{}
	d.SetDelegator(delegator)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Create(&types.Task{Title: fmt.Sprintf("t%d", i)}, false))
	}
	d.cycle()

	assert.Len(t, delegator.offered, 2, "per-cycle overflow cap")
	pending, err := store.ListTasksByStatus(types.TaskPending)
	require.NoError(t, err)
	assert.Len(t, pending, 5, "offered tasks stay pending until a bounty is claimed")
}

func TestPlannersExcludedFromMainDispatch(t *testing.T) {
	d, q, store, mesh := newTestDispatcher(t, true)
	putAgent(t, store, "planner-1", "remote-node", []string{PlannerCapability})

	task := &types.Task{Title: "t"}
	require.NoError(t, q.Create(task, false))
	d.cycle()

	got, _ := store.GetTask(task.ID)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Empty(t, mesh.sent)
}

func TestAgentNotAssignedBeyondCapacity(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	bridge := &fakeBridge{}
	d.SetBridge(bridge)
	putAgent(t, store, "a1", "local", nil)

	t1 := &types.Task{Title: "first"}
	require.NoError(t, q.Create(t1, false))
	t2 := &types.Task{Title: "second"}
	require.NoError(t, q.Create(t2, false))

	d.cycle()
	d.cycle()

	first, _ := store.GetTask(t1.ID)
	second, _ := store.GetTask(t2.ID)
	assert.Equal(t, types.TaskInProgress, first.Status)
	assert.Equal(t, types.TaskPending, second.Status, "busy agent must not take a second task")

	agent, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
	assert.Equal(t, t1.ID, agent.CurrentTaskID)

	// completion frees the agent; the next cycle places the second task
	require.True(t, q.ReportComplete(t1.ID, "done"))
	d.cycle()
	second, _ = store.GetTask(t2.ID)
	assert.Equal(t, types.TaskInProgress, second.Status)
}

func TestMaxConcurrentAllowsParallelTasks(t *testing.T) {
	d, q, store, _ := newTestDispatcher(t, true)
	bridge := &fakeBridge{}
	d.SetBridge(bridge)
	require.NoError(t, store.PutAgent(&types.Agent{
		ID: "wide", NodeID: "local", Status: types.AgentIdle,
		MaxConcurrent: 2, LamportTS: 1,
	}))

	for _, title := range []string{"one", "two", "three"} {
		require.NoError(t, q.Create(&types.Task{Title: title}, false))
	}
	d.cycle()

	inProgress, err := store.ListTasksByStatus(types.TaskInProgress)
	require.NoError(t, err)
	pending, err := store.ListTasksByStatus(types.TaskPending)
	require.NoError(t, err)
	assert.Len(t, inProgress, 2)
	assert.Len(t, pending, 1)
}

func TestTriggerCoalesces(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, true)
	for i := 0; i < 10; i++ {
		d.Trigger()
	}
	assert.Len(t, d.triggerCh, 1)
}
