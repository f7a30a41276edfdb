package broker

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/types"
)

// TaskSettler is the slice of the task queue the delegator settles
// remote results through.
type TaskSettler interface {
	ReportComplete(taskID, result string) bool
	ReportFail(taskID, errMsg string) bool
}

// DelegatorConfig tunes overflow delegation
type DelegatorConfig struct {
	NodeID          string
	DID             string
	ReputationFloor float64
	BountyTTL       time.Duration
	BaseReward      int64
	PollInterval    time.Duration
}

// Delegator posts bounties for tasks the local agent pool cannot
// place, then polls the board and settles outcomes. Implements the
// dispatcher's overflow interface.
type Delegator struct {
	cfg    DelegatorConfig
	broker *Broker
	store  storage.Store
	clock  *clock.Lamport
	queue  TaskSettler

	mu      sync.Mutex
	settled map[string]bool // bounty id -> outcome already applied

	stopCh chan struct{}
}

// NewDelegator creates an overflow delegator
func NewDelegator(cfg DelegatorConfig, b *Broker, store storage.Store, clk *clock.Lamport, q TaskSettler) *Delegator {
	if cfg.ReputationFloor <= 0 {
		cfg.ReputationFloor = 0.3
	}
	if cfg.BountyTTL <= 0 {
		cfg.BountyTTL = 30 * time.Minute
	}
	if cfg.BaseReward <= 0 {
		cfg.BaseReward = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Delegator{
		cfg:     cfg,
		broker:  b,
		store:   store,
		clock:   clk,
		queue:   q,
		settled: map[string]bool{},
		stopCh:  make(chan struct{}),
	}
}

// Start launches the settlement poll loop
func (d *Delegator) Start() {
	go d.pollLoop()
}

// Stop terminates the poll loop
func (d *Delegator) Stop() {
	close(d.stopCh)
}

// Offer posts a bounty for one overflow task. Returns false when no
// capable remote clears the reputation floor, or the task is already
// on the board.
func (d *Delegator) Offer(task *types.Task) bool {
	if !d.capableRemoteExists(task) {
		return false
	}
	if d.alreadyPosted(task.ID) {
		return false
	}

	now := time.Now().UTC()
	bounty := &types.Bounty{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		PosterNodeID: d.cfg.NodeID,
		PosterDID:    d.cfg.DID,
		Title:        task.Title,
		Description:  task.WorkInstructions,
		RequiredCaps: task.RequiredCaps,
		Reward:       d.cfg.BaseReward + int64(task.Priority),
		Status:       types.BountyOpen,
		ExpiresAt:    now.Add(d.cfg.BountyTTL),
		CreatedAt:    now,
		UpdatedAt:    now,
		LamportTS:    d.clock.Tick(),
	}
	if err := d.broker.Publish(KindBounty, bounty); err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("bounty post failed")
		return false
	}
	metrics.BountiesPosted.Inc()
	log.WithTaskID(task.ID).Info().Str("bounty_id", bounty.ID).Msg("overflow bounty posted")
	return true
}

// capableRemoteExists checks the capability board for a live profile
// matching the task's requirements above the reputation floor.
func (d *Delegator) capableRemoteExists(task *types.Task) bool {
	now := time.Now()
	for _, p := range d.broker.Profiles() {
		if p.NodeID == d.cfg.NodeID {
			continue
		}
		// TTL boundary exactly at now counts as expired
		if !now.Before(p.ExpiresAt) {
			continue
		}
		if !types.HasCapabilities(p.Capabilities, task.RequiredCaps) {
			continue
		}
		if d.broker.rep.Score(p.NodeID) < d.cfg.ReputationFloor {
			continue
		}
		return true
	}
	return false
}

func (d *Delegator) alreadyPosted(taskID string) bool {
	bounties, err := d.store.ListBounties()
	if err != nil {
		return false
	}
	for _, b := range bounties {
		if b.TaskID == taskID && (b.Status == types.BountyOpen || b.Status == types.BountyClaimed) {
			return true
		}
	}
	return false
}

func (d *Delegator) pollLoop() {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.poll()
		case <-d.stopCh:
			return
		}
	}
}

// poll settles outcomes for bounties this node posted: completed
// bounties complete the local task and credit the claimer, failed and
// expired ones debit it and leave the task in the pending pool.
func (d *Delegator) poll() {
	bounties, err := d.store.ListBounties()
	if err != nil {
		return
	}
	now := time.Now()
	for _, b := range bounties {
		if b.PosterNodeID != d.cfg.NodeID || d.isSettled(b.ID) {
			continue
		}
		switch b.Status {
		case types.BountyOpen:
			if !now.Before(b.ExpiresAt) {
				d.expire(b)
			}
		case types.BountyClaimed:
			// a claimer reports failure by setting Error on the bounty
			if b.Error != "" {
				d.markSettled(b.ID)
				d.broker.rep.Debit(nodeIDFromDID(b.ClaimerDID), false)
				log.WithTaskID(b.TaskID).Warn().Str("claimer", b.ClaimerDID).Msg("bounty failed remotely, task stays pending")
			} else if !now.Before(b.ExpiresAt) {
				d.expire(b)
			}
		case types.BountyCompleted:
			d.settleCompleted(b)
		case types.BountyCancelled, types.BountyExpired:
			d.markSettled(b.ID)
		}
	}
}

func (d *Delegator) expire(b *types.Bounty) {
	d.markSettled(b.ID)
	b.Status = types.BountyExpired
	b.UpdatedAt = time.Now().UTC()
	b.LamportTS = d.clock.Tick()
	_ = d.broker.Publish(KindBounty, b)
	if b.ClaimerDID != "" {
		d.broker.rep.Debit(nodeIDFromDID(b.ClaimerDID), true)
	}
	log.WithTaskID(b.TaskID).Info().Str("bounty_id", b.ID).Msg("bounty expired")
}

func (d *Delegator) settleCompleted(b *types.Bounty) {
	d.markSettled(b.ID)
	claimerNode := nodeIDFromDID(b.ClaimerDID)
	d.broker.rep.Credit(claimerNode, b.UpdatedAt.Sub(b.CreatedAt))

	if !d.queue.ReportComplete(b.TaskID, b.Result) {
		log.WithTaskID(b.TaskID).Warn().Msg("local task refused remote bounty result")
		return
	}
	entry := &types.WalletEntry{
		ID:        uuid.New().String(),
		FromDID:   b.PosterDID,
		ToDID:     b.ClaimerDID,
		Amount:    b.Reward,
		Reason:    "bounty " + b.ID,
		CreatedAt: time.Now().UTC(),
		LamportTS: d.clock.Tick(),
	}
	if err := d.store.AppendWalletEntry(entry); err != nil {
		log.WithComponent("broker").Error().Err(err).Msg("wallet append failed")
	}
	log.WithTaskID(b.TaskID).Info().Str("claimer", b.ClaimerDID).Int64("reward", b.Reward).Msg("bounty settled")
}

func (d *Delegator) isSettled(bountyID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled[bountyID]
}

func (d *Delegator) markSettled(bountyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled[bountyID] = true
}

// nodeIDFromDID extracts the node-id segment of did:<realm>:<node-id>
func nodeIDFromDID(did string) string {
	if i := strings.LastIndex(did, ":"); i >= 0 {
		return did[i+1:]
	}
	return did
}

// ClaimBounty takes an open, unexpired bounty for a local claimer.
// Used by the worker side of the marketplace.
func (b *Broker) ClaimBounty(bountyID, claimerDID string) bool {
	bounty, err := b.store.GetBounty(bountyID)
	if err != nil || bounty == nil {
		return false
	}
	if bounty.Status != types.BountyOpen || !time.Now().Before(bounty.ExpiresAt) {
		return false
	}
	bounty.Status = types.BountyClaimed
	bounty.ClaimerDID = claimerDID
	bounty.UpdatedAt = time.Now().UTC()
	bounty.LamportTS = b.clock.Tick()
	return b.Publish(KindBounty, bounty) == nil
}

// CompleteBounty reports a claimed bounty's result back to its poster
func (b *Broker) CompleteBounty(bountyID, result string) bool {
	return b.finishBounty(bountyID, types.BountyCompleted, result, "")
}

// FailBounty reports a claimed bounty as failed
func (b *Broker) FailBounty(bountyID, errMsg string) bool {
	bounty, err := b.store.GetBounty(bountyID)
	if err != nil || bounty == nil || bounty.Status != types.BountyClaimed {
		return false
	}
	bounty.Error = errMsg
	bounty.UpdatedAt = time.Now().UTC()
	bounty.LamportTS = b.clock.Tick()
	return b.Publish(KindBounty, bounty) == nil
}

// CancelBounty withdraws an open bounty posted by this node
func (b *Broker) CancelBounty(bountyID string) bool {
	return b.finishBounty(bountyID, types.BountyCancelled, "", "")
}

func (b *Broker) finishBounty(bountyID string, status types.BountyStatus, result, errMsg string) bool {
	bounty, err := b.store.GetBounty(bountyID)
	if err != nil || bounty == nil {
		return false
	}
	if bounty.Status != types.BountyClaimed && bounty.Status != types.BountyOpen {
		return false
	}
	bounty.Status = status
	bounty.Result = result
	if errMsg != "" {
		bounty.Error = errMsg
	}
	bounty.UpdatedAt = time.Now().UTC()
	bounty.LamportTS = b.clock.Tick()
	return b.Publish(KindBounty, bounty) == nil
}
