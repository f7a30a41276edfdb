package dispatcher

import (
	"sort"
	"strings"
	"time"

	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/queue"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

// PlannerCapability marks agents eligible for the planning phase
const PlannerCapability = "planner"

// depFailedReason is the error recorded on cascade-failed tasks
const depFailedReason = "Dependency failed or cancelled"

// Mesh is the unicast surface used for remote TASK_ASSIGN
type Mesh interface {
	SendTo(nodeID string, m *transport.Message) error
}

// AgentBridge delivers a task to a locally hosted agent, typically
// through the external terminal multiplexer.
type AgentBridge interface {
	Deliver(agent *types.Agent, task *types.Task) error
}

// Leader gates dispatch on emperor status
type Leader interface {
	IsEmperor() bool
}

// Delegator offers unplaceable tasks to remote swarms. Returns true
// when a bounty was posted.
type Delegator interface {
	Offer(task *types.Task) bool
}

// Config holds dispatch tuning
type Config struct {
	Interval         time.Duration
	OverflowPerCycle int
	NodeID           string
}

// Dispatcher is a single goroutine bound to a 1-slot trigger channel.
// Wakes coalesce: however many events arrive between cycles, each cycle
// sees the full current state and acts once.
type Dispatcher struct {
	cfg       Config
	queue     *queue.Queue
	store     storage.Store
	mesh      Mesh
	bridge    AgentBridge
	leader    Leader
	delegator Delegator
	broker    *events.Broker

	triggerCh chan struct{}
	stopCh    chan struct{}
	rrIndex   int
}

// New creates a dispatcher. bridge and delegator may be nil: without a
// bridge local agents are assigned like remote ones, without a
// delegator overflow stays pending.
func New(cfg Config, q *queue.Queue, store storage.Store, mesh Mesh, leader Leader, broker *events.Broker) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OverflowPerCycle <= 0 {
		cfg.OverflowPerCycle = 3
	}
	return &Dispatcher{
		cfg:       cfg,
		queue:     q,
		store:     store,
		mesh:      mesh,
		leader:    leader,
		broker:    broker,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// SetBridge installs the local agent delivery bridge
func (d *Dispatcher) SetBridge(b AgentBridge) { d.bridge = b }

// SetDelegator installs the overflow delegator
func (d *Dispatcher) SetDelegator(del Delegator) { d.delegator = del }

// Start launches the dispatch loop and wires event-driven wakeups
func (d *Dispatcher) Start() {
	sub := d.broker.Subscribe()
	go d.watchEvents(sub)
	go d.run()
}

// Stop terminates the dispatch loop
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// Trigger requests a dispatch cycle. Non-blocking; triggers coalesce.
func (d *Dispatcher) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) watchEvents(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventTaskCreated, events.EventTaskCompleted, events.EventTaskFailed,
				events.EventTaskRequeued, events.EventTaskUnblocked, events.EventAgentRegistered,
				events.EventAgentIdle:
				d.Trigger()
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) run() {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.triggerCh:
			d.cycle()
		case <-ticker.C:
			d.cycle()
		case <-d.stopCh:
			return
		}
	}
}

// cycle runs the four dispatch phases in order, then offers overflow
// to the broker. Emperor-only.
func (d *Dispatcher) cycle() {
	if !d.leader.IsEmperor() {
		return
	}
	metrics.DispatchCycles.Inc()

	d.cascadeFail()
	d.unblock()
	d.dispatchPlanning()
	leftover := d.dispatchPending()
	d.overflow(leftover)
	d.refreshGauges()
}

// cascadeFail terminalises blocked tasks whose dependency set contains
// a failed or cancelled task. Parent aggregation cascades further up.
func (d *Dispatcher) cascadeFail() {
	blocked, err := d.store.ListTasksByStatus(types.TaskBlocked)
	if err != nil {
		return
	}
	for _, t := range blocked {
		for _, depID := range t.DependsOn {
			dep, err := d.store.GetTask(depID)
			if err != nil || dep == nil {
				continue
			}
			if dep.Status == types.TaskFailed || dep.Status == types.TaskCancelled {
				if d.queue.CascadeFail(t.ID, depFailedReason) {
					log.WithTaskID(t.ID).Info().Str("dependency", depID).Msg("cascade failed")
				}
				break
			}
		}
	}
}

// unblock promotes blocked tasks whose dependencies all completed
func (d *Dispatcher) unblock() {
	blocked, err := d.store.ListTasksByStatus(types.TaskBlocked)
	if err != nil {
		return
	}
	for _, t := range blocked {
		ready := true
		for _, depID := range t.DependsOn {
			dep, err := d.store.GetTask(depID)
			if err != nil || dep == nil || dep.Status != types.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			d.queue.Unblock(t.ID)
		}
	}
}

// dispatchPlanning hands Planning tasks to local planner agents one at
// a time; planners decompose sequentially.
func (d *Dispatcher) dispatchPlanning() {
	planning, err := d.store.ListTasksByStatus(types.TaskPlanning)
	if err != nil || len(planning) == 0 {
		return
	}
	planners, _ := d.availableAgents(func(a *types.Agent) bool {
		return a.NodeID == d.cfg.NodeID && hasCap(a, PlannerCapability)
	})
	if len(planners) == 0 {
		return
	}
	sortTasks(planning)
	task, agent := planning[0], planners[0]
	if d.bridge == nil {
		return
	}
	if err := d.bridge.Deliver(agent, task); err != nil {
		log.WithTaskID(task.ID).Warn().Err(err).Msg("planner delivery failed")
	}
}

// dispatchPending matches pending tasks to idle agents and returns the
// tasks nothing could take.
func (d *Dispatcher) dispatchPending() []*types.Task {
	pending, err := d.store.ListTasksByStatus(types.TaskPending)
	if err != nil {
		return nil
	}
	sortTasks(pending)

	avail, slots := d.availableAgents(func(a *types.Agent) bool { return !hasCap(a, PlannerCapability) })
	var leftover []*types.Task

	for _, task := range pending {
		agent := d.pickAgent(task, avail)
		if agent == nil {
			leftover = append(leftover, task)
			continue
		}
		if d.assign(task, agent) {
			slots[agent.ID]--
			if slots[agent.ID] <= 0 {
				avail = removeAgent(avail, agent.ID)
			}
		} else {
			leftover = append(leftover, task)
		}
	}
	return leftover
}

// pickAgent applies capability filter, project affinity, then
// round-robin over the eligible set.
func (d *Dispatcher) pickAgent(task *types.Task, avail []*types.Agent) *types.Agent {
	var eligible []*types.Agent
	for _, a := range avail {
		if types.HasCapabilities(a.Capabilities, task.RequiredCaps) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	if preferred := affinityFilter(task, eligible); len(preferred) > 0 {
		eligible = preferred
	}
	d.rrIndex++
	return eligible[d.rrIndex%len(eligible)]
}

// affinityFilter prefers agents colocated with the task's project: an
// exact path match for filesystem paths, any agent with a workspace
// for git URLs.
func affinityFilter(task *types.Task, agents []*types.Agent) []*types.Agent {
	if task.ProjectPath == "" {
		return nil
	}
	isGitURL := strings.Contains(task.ProjectPath, "://") || strings.HasPrefix(task.ProjectPath, "git@")
	var preferred []*types.Agent
	for _, a := range agents {
		if isGitURL {
			if a.ProjectPath != "" {
				preferred = append(preferred, a)
			}
		} else if a.ProjectPath == task.ProjectPath {
			preferred = append(preferred, a)
		}
	}
	return preferred
}

// assign claims the task for the chosen agent. Local agents get the
// task through the bridge and move straight to InProgress; remote
// agents get a TASK_ASSIGN and confirm via gossip.
func (d *Dispatcher) assign(task *types.Task, agent *types.Agent) bool {
	if agent.NodeID == d.cfg.NodeID {
		if !d.queue.Claim(task.ID, agent.ID, agent.NodeID) {
			return false
		}
		if d.bridge != nil {
			if err := d.bridge.Deliver(agent, task); err != nil {
				log.WithTaskID(task.ID).Warn().Err(err).Str("agent_id", agent.ID).Msg("local delivery failed")
				return true // claimed; the agent report path recovers
			}
		}
		d.queue.ReportProgress(task.ID, "delivered to agent")
		return true
	}

	msg, err := transport.NewMessage(transport.MsgTaskAssign, d.cfg.NodeID, task.LamportTS, task)
	if err != nil {
		return false
	}
	if err := d.mesh.SendTo(agent.NodeID, msg); err != nil {
		// leave pending; the remote may be gone
		log.WithTaskID(task.ID).Debug().Err(err).Str("node", agent.NodeID).Msg("remote assign failed")
		return false
	}
	return d.queue.Claim(task.ID, agent.ID, agent.NodeID)
}

// overflow posts bounties for tasks the local pool could not place
func (d *Dispatcher) overflow(leftover []*types.Task) {
	if d.delegator == nil || len(leftover) == 0 {
		return
	}
	posted := 0
	for _, task := range leftover {
		if posted >= d.cfg.OverflowPerCycle {
			return
		}
		if d.delegator.Offer(task) {
			posted++
		}
	}
}

// availableAgents returns agents with spare capacity and the free-slot
// count per agent. Capacity is counted from the tasks actually assigned
// rather than the gossiped status field, so a stale heartbeat can never
// hand one agent unbounded concurrent work.
func (d *Dispatcher) availableAgents(keep func(*types.Agent) bool) ([]*types.Agent, map[string]int) {
	agents, err := d.store.ListAgents()
	if err != nil {
		return nil, nil
	}
	active := d.activeTaskCounts()
	var out []*types.Agent
	slots := map[string]int{}
	for _, a := range agents {
		if a.Tombstone || a.Status == types.AgentOffline || !keep(a) {
			continue
		}
		limit := a.MaxConcurrent
		if limit < 1 {
			limit = 1
		}
		if free := limit - active[a.ID]; free > 0 {
			out = append(out, a)
			slots[a.ID] = free
		}
	}
	return out, slots
}

// activeTaskCounts counts live assignments per agent
func (d *Dispatcher) activeTaskCounts() map[string]int {
	counts := map[string]int{}
	for _, s := range []types.TaskStatus{types.TaskClaimed, types.TaskInProgress, types.TaskWaitingInput} {
		tasks, err := d.store.ListTasksByStatus(s)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			if t.AssignedAgentID != "" {
				counts[t.AssignedAgentID]++
			}
		}
	}
	return counts
}

func (d *Dispatcher) refreshGauges() {
	tasks, err := d.store.ListTasks()
	if err == nil {
		counts := map[types.TaskStatus]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		for _, s := range []types.TaskStatus{
			types.TaskPending, types.TaskBlocked, types.TaskClaimed, types.TaskInProgress,
			types.TaskPendingReview, types.TaskMerging, types.TaskCompleted, types.TaskFailed,
		} {
			metrics.TasksTotal.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
	agents, err := d.store.ListAgents()
	if err == nil {
		counts := map[types.AgentStatus]int{}
		for _, a := range agents {
			if !a.Tombstone {
				counts[a.Status]++
			}
		}
		for s, n := range counts {
			metrics.AgentsTotal.WithLabelValues(string(s)).Set(float64(n))
		}
	}
}

func hasCap(a *types.Agent, name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func removeAgent(agents []*types.Agent, id string) []*types.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// sortTasks orders by priority descending, then creation time ascending
func sortTasks(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
