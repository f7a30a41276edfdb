package integrator

import (
	"context"
	"fmt"
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

type alwaysEmperor struct{}

func (alwaysEmperor) IsEmperor() bool { return true }

// fakeWorkspace scripts merge and test outcomes per branch
type fakeWorkspace struct {
	conflicts map[string]bool // branch -> conflicts
	testsFail bool
	pushErr   error
	prURL     string
	merged    []string
	cleaned   bool
}

func (f *fakeWorkspace) Prepare(ctx context.Context, parentID string) (string, string, error) {
	return "/tmp/fake", "integrate/" + shortID(parentID), nil
}

func (f *fakeWorkspace) Merge(ctx context.Context, dir, branch string) (string, error) {
	if f.conflicts[branch] {
		return "CONFLICT (content): " + branch, ErrMergeConflict
	}
	f.merged = append(f.merged, branch)
	return "", nil
}

func (f *fakeWorkspace) RunTests(ctx context.Context, dir, command string) (string, error) {
	if f.testsFail {
		return "FAIL: TestSomething", fmt.Errorf("exit status 1")
	}
	return "ok", nil
}

func (f *fakeWorkspace) Push(ctx context.Context, dir, branch string) error { return f.pushErr }

func (f *fakeWorkspace) OpenPR(ctx context.Context, dir, branch, title string) (string, error) {
	return f.prURL, nil
}

func (f *fakeWorkspace) Cleanup(parentID string) { f.cleaned = true }

func setup(t *testing.T, ws *fakeWorkspace) (*Integrator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk, err := clock.Load(store)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q := queue.New(store, clk, broker, nullGossip{}, "node-1")
	return New(Config{TestCommand: "make test"}, q, store, ws, alwaysEmperor{}, broker), store
}

func seedMergingParent(t *testing.T, store storage.Store, parentID string, branches ...string) {
	t.Helper()
	require.NoError(t, store.PutTask(&types.Task{
		ID: parentID, Title: "parent", Status: types.TaskMerging,
		CreatedBy: "node-1", LamportTS: 1,
	}))
	for n, branch := range branches {
		require.NoError(t, store.PutTask(&types.Task{
			ID: fmt.Sprintf("%s-sub%d", parentID, n), Title: "sub",
			ParentID: parentID, Status: types.TaskCompleted,
			GitBranch: branch, CreatedBy: "node-1", LamportTS: 1,
		}))
	}
}

func TestIntegrationHappyPath(t *testing.T) {
	ws := &fakeWorkspace{prURL: "https://git.example/pr/7"}
	i, store := setup(t, ws)
	seedMergingParent(t, store, "parent-1", "task/s1", "task/s2")

	i.Integrate("parent-1")

	parent, _ := store.GetTask("parent-1")
	assert.Equal(t, types.TaskCompleted, parent.Status)
	assert.Equal(t, "https://git.example/pr/7", parent.PRURL)
	assert.Equal(t, 1, parent.MergeAttempts)
	assert.Equal(t, []string{"task/s1", "task/s2"}, ws.merged)
	assert.True(t, ws.cleaned)
}

func TestConflictRequeuesOnlyGuiltySubtask(t *testing.T) {
	ws := &fakeWorkspace{conflicts: map[string]bool{"task/s2": true}}
	i, store := setup(t, ws)
	seedMergingParent(t, store, "parent-1", "task/s1", "task/s2")

	i.Integrate("parent-1")

	parent, _ := store.GetTask("parent-1")
	assert.Equal(t, types.TaskInProgress, parent.Status)

	clean, _ := store.GetTask("parent-1-sub0")
	assert.Equal(t, types.TaskCompleted, clean.Status, "non-conflicting subtask keeps its result")

	guilty, _ := store.GetTask("parent-1-sub1")
	assert.Equal(t, types.TaskPending, guilty.Status)
	assert.Contains(t, guilty.WorkInstructions, "## Merge Conflict (attempt 1)")
}

func TestTestFailureRequeuesAllSubtasks(t *testing.T) {
	ws := &fakeWorkspace{testsFail: true}
	i, store := setup(t, ws)
	seedMergingParent(t, store, "parent-1", "task/s1", "task/s2")

	i.Integrate("parent-1")

	parent, _ := store.GetTask("parent-1")
	assert.Equal(t, types.TaskInProgress, parent.Status)
	for _, id := range []string{"parent-1-sub0", "parent-1-sub1"} {
		sub, _ := store.GetTask(id)
		assert.Equal(t, types.TaskPending, sub.Status)
		assert.Contains(t, sub.WorkInstructions, "Integration Tests Failed")
	}
}

func TestMergeAttemptsExhausted(t *testing.T) {
	ws := &fakeWorkspace{}
	i, store := setup(t, ws)
	seedMergingParent(t, store, "parent-1", "task/s1")

	parent, _ := store.GetTask("parent-1")
	parent.MergeAttempts = types.MaxMergeAttempts
	require.NoError(t, store.PutTask(parent))

	i.Integrate("parent-1")

	parent, _ = store.GetTask("parent-1")
	assert.Equal(t, types.TaskFailed, parent.Status)
	assert.Equal(t, "Max merge attempts exceeded", parent.Error)
	assert.Empty(t, ws.merged, "no merge runs once attempts are exhausted")
}

func TestPushFailureRetries(t *testing.T) {
	ws := &fakeWorkspace{pushErr: fmt.Errorf("remote rejected")}
	i, store := setup(t, ws)
	seedMergingParent(t, store, "parent-1", "task/s1")

	i.Integrate("parent-1")

	parent, _ := store.GetTask("parent-1")
	assert.Equal(t, types.TaskInProgress, parent.Status)
	sub, _ := store.GetTask("parent-1-sub0")
	assert.Equal(t, types.TaskCompleted, sub.Status, "push failure does not blame subtasks")
}

func TestNonMergingParentIsIgnored(t *testing.T) {
	ws := &fakeWorkspace{}
	i, store := setup(t, ws)
	require.NoError(t, store.PutTask(&types.Task{
		ID: "p", Title: "p", Status: types.TaskInProgress, CreatedBy: "node-1", LamportTS: 1,
	}))

	i.Integrate("p")
	parent, _ := store.GetTask("p")
	assert.Equal(t, types.TaskInProgress, parent.Status)
	assert.Empty(t, ws.merged)
}
