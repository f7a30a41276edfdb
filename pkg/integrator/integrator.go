package integrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/queue"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/types"
)

// integrationTimeout bounds one full merge-test-push round
const integrationTimeout = 15 * time.Minute

// Leader gates integration on emperor status
type Leader interface {
	IsEmperor() bool
}

// Config holds integrator settings
type Config struct {
	TestCommand string // global default when a task has none
}

// Integrator merges completed subtask branches, runs tests, and either
// completes the parent or requeues the guilty subtasks. It reacts to
// task.merging events; integration runs in its own goroutine so
// dispatch continues meanwhile.
type Integrator struct {
	cfg    Config
	queue  *queue.Queue
	store  storage.Store
	ws     GitWorkspace
	leader Leader
	broker *events.Broker
	stopCh chan struct{}
}

// New creates an integrator
func New(cfg Config, q *queue.Queue, store storage.Store, ws GitWorkspace, leader Leader, broker *events.Broker) *Integrator {
	return &Integrator{
		cfg:    cfg,
		queue:  q,
		store:  store,
		ws:     ws,
		leader: leader,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to merge events
func (i *Integrator) Start() {
	sub := i.broker.Subscribe()
	go i.watch(sub)
}

// Stop terminates the event watcher
func (i *Integrator) Stop() {
	close(i.stopCh)
}

func (i *Integrator) watch(sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventTaskMerging && i.leader.IsEmperor() {
				go i.Integrate(ev.TaskID)
			}
		case <-i.stopCh:
			return
		}
	}
}

// Integrate runs one merge-test attempt for a Merging parent.
// Idempotent across restarts: every step is gated on CAS transitions,
// so a concurrent or resumed attempt fails safely.
func (i *Integrator) Integrate(parentID string) {
	logger := log.WithTaskID(parentID)

	attempt, ok := i.queue.BeginMerge(parentID)
	if !ok {
		if attempt > types.MaxMergeAttempts {
			logger.Warn().Int("attempts", attempt).Msg("merge attempts exhausted")
		}
		return
	}

	subtasks, err := i.completedSubtasks(parentID)
	if err != nil || len(subtasks) == 0 {
		logger.Error().Err(err).Msg("no completed branches to integrate")
		i.queue.MergeRetry(parentID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	defer cancel()

	dir, branch, err := i.ws.Prepare(ctx, parentID)
	if err != nil {
		logger.Error().Err(err).Msg("integration worktree failed")
		i.queue.MergeRetry(parentID)
		return
	}

	// merge every branch, collecting the full conflict set
	type conflict struct {
		task   *types.Task
		output string
	}
	var conflicts []conflict
	for _, sub := range subtasks {
		out, err := i.ws.Merge(ctx, dir, sub.GitBranch)
		if err == ErrMergeConflict {
			conflicts = append(conflicts, conflict{task: sub, output: out})
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("branch", sub.GitBranch).Msg("merge failed")
			i.queue.MergeRetry(parentID)
			return
		}
	}
	if len(conflicts) > 0 {
		for _, c := range conflicts {
			feedback := fmt.Sprintf("## Merge Conflict (attempt %d)\nBranch %s conflicts with the integration branch:\n%s",
				attempt, c.task.GitBranch, c.output)
			i.queue.Requeue(c.task.ID, types.TaskCompleted, feedback)
		}
		logger.Info().Int("conflicts", len(conflicts)).Int("attempt", attempt).Msg("merge conflicts, subtasks requeued")
		i.queue.MergeRetry(parentID)
		return
	}

	// tests: a failure blames every subtask
	parent, err := i.store.GetTask(parentID)
	if err != nil || parent == nil {
		return
	}
	testCmd := parent.TestCommand
	if testCmd == "" {
		testCmd = i.cfg.TestCommand
	}
	if out, err := i.ws.RunTests(ctx, dir, testCmd); err != nil {
		feedback := fmt.Sprintf("## Integration Tests Failed (attempt %d)\n%s", attempt, truncate(out, conflictExcerptLimit))
		for _, sub := range subtasks {
			i.queue.Requeue(sub.ID, types.TaskCompleted, feedback)
		}
		logger.Info().Int("attempt", attempt).Msg("integration tests failed, subtasks requeued")
		i.queue.MergeRetry(parentID)
		return
	}

	if err := i.ws.Push(ctx, dir, branch); err != nil {
		logger.Error().Err(err).Msg("push failed")
		i.queue.MergeRetry(parentID)
		return
	}
	prURL, err := i.ws.OpenPR(ctx, dir, branch, parent.Title)
	if err != nil {
		logger.Warn().Err(err).Msg("pull request creation failed")
	}

	if i.queue.MergeSucceeded(parentID, prURL) {
		i.ws.Cleanup(parentID)
		logger.Info().Str("branch", branch).Str("pr", prURL).Msg("integration complete")
	}
}

// completedSubtasks returns the parent's completed, branch-bearing
// subtasks in stable creation order.
func (i *Integrator) completedSubtasks(parentID string) ([]*types.Task, error) {
	siblings, err := i.store.ListTasksByParent(parentID)
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, s := range siblings {
		if s.Status == types.TaskCompleted && s.GitBranch != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
