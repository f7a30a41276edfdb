package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

// Gossip is the announcement surface the queue floods mutations through
type Gossip interface {
	Announce(t transport.MsgType, lamportTS uint64, payload interface{})
}

// reportAllowed is the allowed-from set for agent reports. Reports in
// other non-terminal states are accepted with a warning so a stale
// emperor view never loses an agent's result.
var reportAllowed = []types.TaskStatus{types.TaskClaimed, types.TaskInProgress, types.TaskWaitingInput}

// Queue owns the task lifecycle. Every mutation is a CAS transition in
// the store, stamped with a fresh Lamport tick and flooded to peers.
type Queue struct {
	store  storage.Store
	clock  *clock.Lamport
	events *events.Broker
	gossip Gossip
	nodeID string
}

// New creates a task queue
func New(store storage.Store, clk *clock.Lamport, broker *events.Broker, gossip Gossip, nodeID string) *Queue {
	return &Queue{store: store, clock: clk, events: broker, gossip: gossip, nodeID: nodeID}
}

// Create inserts a new task and floods TASK_CREATE. Initial status:
// Blocked when dependencies exist, Planning when a planner should
// decompose it first, otherwise Pending. Dependency cycles are
// rejected outright.
func (q *Queue) Create(t *types.Task, usePlanner bool) error {
	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if err := q.checkDependencies(t); err != nil {
		return err
	}

	now := time.Now().UTC()
	t.CreatedBy = q.nodeID
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ReviewStatus = types.ReviewNone
	switch {
	case len(t.DependsOn) > 0:
		t.Status = types.TaskBlocked
	case usePlanner:
		t.Status = types.TaskPlanning
	default:
		t.Status = types.TaskPending
	}
	t.LamportTS = q.clock.Tick()

	if err := q.store.PutTask(t); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}

	log.WithTaskID(t.ID).Info().Str("status", string(t.Status)).Str("title", t.Title).Msg("task created")
	q.gossip.Announce(transport.MsgTaskCreate, t.LamportTS, t)
	q.events.Publish(&events.Event{Type: events.EventTaskCreated, TaskID: t.ID, NodeID: q.nodeID})
	return nil
}

// checkDependencies verifies every dependency exists and that following
// depends_on edges from them never reaches the new task.
func (q *Queue) checkDependencies(t *types.Task) error {
	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == t.ID {
			return fmt.Errorf("dependency cycle through task %s", t.ID)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		dep, err := q.store.GetTask(id)
		if err != nil {
			return err
		}
		if dep == nil {
			return fmt.Errorf("unknown dependency %s", id)
		}
		for _, next := range dep.DependsOn {
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range t.DependsOn {
		if err := walk(id); err != nil {
			return err
		}
	}
	return nil
}

// Claim CAS-transitions Pending to Claimed for an agent. Returns false
// when another node won the race.
func (q *Queue) Claim(taskID, agentID, nodeID string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPending}, func(t *types.Task) {
		t.Status = types.TaskClaimed
		t.AssignedAgentID = agentID
		t.AssignedNodeID = nodeID
		t.ClaimedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("claim failed")
		return false
	}
	if !ok {
		metrics.CASConflicts.Inc()
		return false
	}
	q.markAgentBusy(agentID, taskID)
	q.announce(taskID, transport.MsgTaskClaim)
	q.events.Publish(&events.Event{Type: events.EventTaskClaimed, TaskID: taskID, AgentID: agentID, NodeID: nodeID})
	return true
}

// markAgentBusy records the assignment on the agent record. The agent
// may be hosted remotely; like every agent mutation the record
// converges by LWW through the heartbeat flood.
func (q *Queue) markAgentBusy(agentID, taskID string) {
	a, err := q.store.GetAgent(agentID)
	if err != nil || a == nil || a.Tombstone {
		return
	}
	a.Status = types.AgentBusy
	a.CurrentTaskID = taskID
	a.LamportTS = q.clock.Tick()
	if err := q.store.PutAgent(a); err != nil {
		return
	}
	q.gossip.Announce(transport.MsgAgentHeartbeat, a.LamportTS, a)
}

// releaseAgent returns an agent to idle once the task that held it
// terminalises or is requeued. A mismatched CurrentTaskID means a newer
// assignment already owns the agent; leave it alone.
func (q *Queue) releaseAgent(agentID, taskID string) {
	if agentID == "" {
		return
	}
	a, err := q.store.GetAgent(agentID)
	if err != nil || a == nil || a.Tombstone || a.CurrentTaskID != taskID {
		return
	}
	a.Status = types.AgentIdle
	a.CurrentTaskID = ""
	a.LamportTS = q.clock.Tick()
	if err := q.store.PutAgent(a); err != nil {
		return
	}
	q.gossip.Announce(transport.MsgAgentHeartbeat, a.LamportTS, a)
	q.events.Publish(&events.Event{Type: events.EventAgentIdle, AgentID: a.ID, NodeID: a.NodeID})
}

// ReportProgress records agent progress; the first report moves a
// Claimed task to InProgress.
func (q *Queue) ReportProgress(taskID, progress string) bool {
	ts := q.clock.Tick()
	return q.report(taskID, transport.MsgTaskUpdate, func(t *types.Task) {
		if t.Status == types.TaskClaimed {
			t.Status = types.TaskInProgress
		}
		t.Progress = progress
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	}, nil)
}

// ReportComplete finishes a task. Non-empty acceptance criteria route
// to PendingReview for the external reviewer; otherwise Completed.
func (q *Queue) ReportComplete(taskID, result string) bool {
	ts := q.clock.Tick()
	var terminal bool
	ok := q.report(taskID, transport.MsgTaskComplete, func(t *types.Task) {
		t.Result = result
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
		if t.AcceptanceCriteria != "" {
			t.Status = types.TaskPendingReview
			t.ReviewStatus = types.ReviewPending
			terminal = false
			return
		}
		t.Status = types.TaskCompleted
		t.CompletedAt = time.Now().UTC()
		terminal = true
	}, func(t *types.Task) {
		q.releaseAgent(t.AssignedAgentID, t.ID)
		if terminal {
			q.events.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: t.ID, NodeID: q.nodeID})
			q.onTerminal(t)
		}
	})
	return ok
}

// ReportFail marks a task failed with an error string
func (q *Queue) ReportFail(taskID, errMsg string) bool {
	ts := q.clock.Tick()
	return q.report(taskID, transport.MsgTaskFail, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.Error = errMsg
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Now().UTC()
		t.LamportTS = ts
	}, func(t *types.Task) {
		q.releaseAgent(t.AssignedAgentID, t.ID)
		q.events.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: t.ID, NodeID: q.nodeID})
		q.onTerminal(t)
	})
}

// ReportNeedsInput parks a task until a human answers
func (q *Queue) ReportNeedsInput(taskID, prompt string) bool {
	ts := q.clock.Tick()
	return q.report(taskID, transport.MsgTaskUpdate, func(t *types.Task) {
		t.Status = types.TaskWaitingInput
		t.Progress = prompt
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	}, nil)
}

// report runs a CAS transition against the agent-report allowed set.
// A miss against a non-terminal state is retried against the observed
// state and logged, per the stale-emperor data-loss rule.
func (q *Queue) report(taskID string, msgType transport.MsgType, mutate func(*types.Task), after func(*types.Task)) bool {
	ok, err := q.store.TransitionTask(taskID, reportAllowed, mutate)
	if err != nil {
		log.WithTaskID(taskID).Error().Err(err).Msg("report transition failed")
		return false
	}
	if !ok {
		current, err := q.store.GetTask(taskID)
		if err != nil || current == nil || current.Status.IsTerminal() {
			metrics.CASConflicts.Inc()
			return false
		}
		log.WithTaskID(taskID).Warn().Str("status", string(current.Status)).Msg("report in unexpected state, accepting")
		ok, err = q.store.TransitionTask(taskID, []types.TaskStatus{current.Status}, mutate)
		if err != nil || !ok {
			metrics.CASConflicts.Inc()
			return false
		}
	}
	q.announce(taskID, msgType)
	if after != nil {
		if t, err := q.store.GetTask(taskID); err == nil && t != nil {
			after(t)
		}
	}
	return true
}

// ReviewAccept completes a task out of PendingReview
func (q *Queue) ReviewAccept(taskID, feedback string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPendingReview}, func(t *types.Task) {
		t.Status = types.TaskCompleted
		t.ReviewStatus = types.ReviewAccepted
		t.Result = appendFeedback(t.Result, feedback)
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		return false
	}
	q.announce(taskID, transport.MsgTaskComplete)
	if t, err := q.store.GetTask(taskID); err == nil && t != nil {
		q.events.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: taskID, NodeID: q.nodeID})
		q.onTerminal(t)
	}
	return true
}

// ReviewReject records a rejection. Below MaxRejections the task is
// requeued to Pending with the feedback folded into its work
// instructions; at the limit it fails.
func (q *Queue) ReviewReject(taskID, feedback string) bool {
	ts := q.clock.Tick()
	var failed bool
	var agentID string
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPendingReview}, func(t *types.Task) {
		agentID = t.AssignedAgentID
		attempt := len(t.Rejections) + 1
		t.Rejections = append(t.Rejections, types.Rejection{
			Attempt:   attempt,
			Feedback:  feedback,
			Timestamp: time.Now().UTC(),
		})
		t.ReviewStatus = types.ReviewRejected
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
		if attempt >= types.MaxRejections {
			t.Status = types.TaskFailed
			t.Error = fmt.Sprintf("Rejected %d times by reviewer", attempt)
			t.CompletedAt = time.Now().UTC()
			failed = true
			return
		}
		t.Status = types.TaskPending
		t.AssignedAgentID = ""
		t.AssignedNodeID = ""
		t.WorkInstructions = appendFeedback(t.WorkInstructions,
			fmt.Sprintf("[Rejection %d] %s", attempt, feedback))
	})
	if err != nil || !ok {
		return false
	}
	q.releaseAgent(agentID, taskID)
	if failed {
		q.announce(taskID, transport.MsgTaskFail)
		if t, err := q.store.GetTask(taskID); err == nil && t != nil {
			q.events.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: taskID, NodeID: q.nodeID})
			q.onTerminal(t)
		}
	} else {
		q.announce(taskID, transport.MsgTaskUpdate)
		q.events.Publish(&events.Event{Type: events.EventTaskRequeued, TaskID: taskID, NodeID: q.nodeID})
	}
	return true
}

// Unblock moves a Blocked task to Pending once its dependencies have
// all completed. Called by the dispatcher's unblock phase.
func (q *Queue) Unblock(taskID string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskBlocked}, func(t *types.Task) {
		t.Status = types.TaskPending
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		return false
	}
	q.announce(taskID, transport.MsgTaskUpdate)
	q.events.Publish(&events.Event{Type: events.EventTaskUnblocked, TaskID: taskID, NodeID: q.nodeID})
	return true
}

// CascadeFail terminalises a Blocked task whose dependency set can
// never complete.
func (q *Queue) CascadeFail(taskID, reason string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskBlocked}, func(t *types.Task) {
		t.Status = types.TaskFailed
		t.Error = reason
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		return false
	}
	q.announce(taskID, transport.MsgTaskFail)
	if t, err := q.store.GetTask(taskID); err == nil && t != nil {
		q.events.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: taskID, NodeID: q.nodeID})
		q.onTerminal(t)
	}
	return true
}

// PlanComplete ends the planning phase. With subtasks the parent moves
// to InProgress and each subtask is created under it; an empty
// decomposition drops the parent back to Pending for direct dispatch.
func (q *Queue) PlanComplete(taskID string, subtasks []*types.Task) bool {
	ts := q.clock.Tick()
	target := types.TaskPending
	if len(subtasks) > 0 {
		target = types.TaskInProgress
	}
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{types.TaskPlanning}, func(t *types.Task) {
		t.Status = target
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		metrics.CASConflicts.Inc()
		return false
	}
	q.announce(taskID, transport.MsgTaskUpdate)
	for _, sub := range subtasks {
		sub.ParentID = taskID
		if err := q.Create(sub, false); err != nil {
			log.WithTaskID(taskID).Error().Err(err).Str("subtask", sub.Title).Msg("subtask create failed")
		}
	}
	return true
}

// Cancel terminalises any non-terminal task
func (q *Queue) Cancel(taskID string) bool {
	ts := q.clock.Tick()
	nonTerminal := []types.TaskStatus{
		types.TaskPending, types.TaskPlanning, types.TaskBlocked, types.TaskClaimed,
		types.TaskInProgress, types.TaskWaitingInput, types.TaskPendingReview, types.TaskMerging,
	}
	ok, err := q.store.TransitionTask(taskID, nonTerminal, func(t *types.Task) {
		t.Status = types.TaskCancelled
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		return false
	}
	q.announce(taskID, transport.MsgTaskCancel)
	if t, err := q.store.GetTask(taskID); err == nil && t != nil {
		q.releaseAgent(t.AssignedAgentID, t.ID)
		q.onTerminal(t)
	}
	return true
}

// Archive hides a terminal task from listings
func (q *Queue) Archive(taskID string) bool {
	ts := q.clock.Tick()
	terminal := []types.TaskStatus{types.TaskCompleted, types.TaskFailed, types.TaskCancelled}
	ok, err := q.store.TransitionTask(taskID, terminal, func(t *types.Task) {
		t.Archived = true
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		return false
	}
	q.announce(taskID, transport.MsgTaskArchive)
	return true
}

// Requeue returns a task to Pending from a specific state, appending
// feedback to its work instructions. Used by the integrator for merge
// conflicts and test failures.
func (q *Queue) Requeue(taskID string, from types.TaskStatus, feedback string) bool {
	ts := q.clock.Tick()
	var agentID string
	ok, err := q.store.TransitionTask(taskID, []types.TaskStatus{from}, func(t *types.Task) {
		agentID = t.AssignedAgentID
		t.Status = types.TaskPending
		t.AssignedAgentID = ""
		t.AssignedNodeID = ""
		if feedback != "" {
			t.WorkInstructions = appendFeedback(t.WorkInstructions, feedback)
		}
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Time{}
		t.LamportTS = ts
	})
	if err != nil || !ok {
		metrics.CASConflicts.Inc()
		return false
	}
	q.releaseAgent(agentID, taskID)
	q.announce(taskID, transport.MsgTaskUpdate)
	q.events.Publish(&events.Event{Type: events.EventTaskRequeued, TaskID: taskID, NodeID: q.nodeID})
	return true
}

// BeginMerge atomically charges one merge attempt against a Merging
// parent. Beyond MaxMergeAttempts the parent fails instead and ok is
// false.
func (q *Queue) BeginMerge(parentID string) (attempt int, ok bool) {
	ts := q.clock.Tick()
	var failed bool
	done, err := q.store.TransitionTask(parentID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.MergeAttempts++
		attempt = t.MergeAttempts
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
		if t.MergeAttempts > types.MaxMergeAttempts {
			t.Status = types.TaskFailed
			t.Error = "Max merge attempts exceeded"
			t.CompletedAt = time.Now().UTC()
			failed = true
		}
	})
	if err != nil || !done {
		return 0, false
	}
	metrics.MergeAttempts.Inc()
	if failed {
		q.announce(parentID, transport.MsgTaskFail)
		if t, err := q.store.GetTask(parentID); err == nil && t != nil {
			q.events.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: parentID, NodeID: q.nodeID})
			q.onTerminal(t)
		}
		return attempt, false
	}
	q.announce(parentID, transport.MsgTaskUpdate)
	return attempt, true
}

// MergeRetry returns a Merging parent to InProgress after a conflict
// or test failure; requeued subtasks will drive it back to Merging.
func (q *Queue) MergeRetry(parentID string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(parentID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.Status = types.TaskInProgress
		t.UpdatedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		metrics.CASConflicts.Inc()
		return false
	}
	q.announce(parentID, transport.MsgTaskUpdate)
	return true
}

// MergeSucceeded completes a Merging parent, recording the PR URL
func (q *Queue) MergeSucceeded(parentID, prURL string) bool {
	ts := q.clock.Tick()
	ok, err := q.store.TransitionTask(parentID, []types.TaskStatus{types.TaskMerging}, func(t *types.Task) {
		t.Status = types.TaskCompleted
		t.PRURL = prURL
		if prURL != "" {
			t.Result = appendFeedback(t.Result, "Integrated: "+prURL)
		}
		t.UpdatedAt = time.Now().UTC()
		t.CompletedAt = time.Now().UTC()
		t.LamportTS = ts
	})
	if err != nil || !ok {
		metrics.CASConflicts.Inc()
		return false
	}
	q.announce(parentID, transport.MsgTaskComplete)
	if t, err := q.store.GetTask(parentID); err == nil && t != nil {
		q.events.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: parentID, NodeID: q.nodeID})
		q.onTerminal(t)
	}
	return true
}

// onTerminal triggers parent aggregation when a subtask terminalises
func (q *Queue) onTerminal(t *types.Task) {
	if t.ParentID == "" {
		return
	}
	if err := q.Aggregate(t.ParentID); err != nil {
		log.WithTaskID(t.ParentID).Error().Err(err).Msg("parent aggregation failed")
	}
}

// Aggregate re-reads all subtasks of a parent in one transaction and
// settles the parent: Failed when every subtask failed, Completed when
// no git branches exist to integrate, Merging otherwise. A parent with
// any live subtask is left untouched.
func (q *Queue) Aggregate(parentID string) error {
	ts := q.clock.Tick()
	var next types.TaskStatus
	err := q.store.AggregateParent(parentID, func(parent *types.Task, siblings []*types.Task) *types.Task {
		if parent.Status.IsTerminal() || len(siblings) == 0 {
			return nil
		}
		allFailed := true
		var branches int
		for _, s := range siblings {
			if !s.Status.IsTerminal() {
				return nil
			}
			if s.Status == types.TaskCompleted {
				allFailed = false
				if s.GitBranch != "" {
					branches++
				}
			}
		}
		now := time.Now().UTC()
		switch {
		case allFailed:
			parent.Status = types.TaskFailed
			parent.Error = "All subtasks failed"
			parent.CompletedAt = now
		case branches == 0:
			parent.Status = types.TaskCompleted
			parent.CompletedAt = now
		default:
			if parent.Status == types.TaskMerging {
				// an integrator is already on it
				return nil
			}
			parent.Status = types.TaskMerging
		}
		parent.UpdatedAt = now
		parent.LamportTS = ts
		next = parent.Status
		return parent
	})
	if err != nil || next == "" {
		return err
	}

	switch next {
	case types.TaskFailed:
		q.announce(parentID, transport.MsgTaskFail)
		q.events.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: parentID, NodeID: q.nodeID})
	case types.TaskCompleted:
		q.announce(parentID, transport.MsgTaskComplete)
		q.events.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: parentID, NodeID: q.nodeID})
	case types.TaskMerging:
		q.announce(parentID, transport.MsgTaskUpdate)
		q.events.Publish(&events.Event{Type: events.EventTaskMerging, TaskID: parentID, NodeID: q.nodeID})
	}
	if parent, err := q.store.GetTask(parentID); err == nil && parent != nil && parent.Status.IsTerminal() {
		q.onTerminal(parent)
	}
	return nil
}

// announce re-reads the stored record and floods it. The store copy is
// authoritative; the mutate closure may not have seen every field.
func (q *Queue) announce(taskID string, msgType transport.MsgType) {
	t, err := q.store.GetTask(taskID)
	if err != nil || t == nil {
		return
	}
	q.gossip.Announce(msgType, t.LamportTS, t)
	metrics.GossipMessagesOut.Inc()
}

func appendFeedback(base, feedback string) string {
	if base == "" {
		return feedback
	}
	return base + "\n\n" + feedback
}
