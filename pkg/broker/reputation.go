package broker

import (
	"math"
	"sync"
	"time"

	"github.com/mfrederico/voidlux/pkg/types"
)

const (
	// unknownScore is the neutral prior for never-seen peers
	unknownScore = 0.5
	// recencyHalfLife halves the recency component every 24 h
	recencyHalfLife = 24 * time.Hour
	// speedPivot is the average completion time scoring 0.5 on speed
	speedPivot = 600.0 // seconds
)

// ReputationTracker keeps per-remote-node delegation outcomes.
// In-memory only: reputation is local opinion, not replicated state.
type ReputationTracker struct {
	mu      sync.Mutex
	records map[string]*types.Reputation
}

// NewReputationTracker creates an empty tracker
func NewReputationTracker() *ReputationTracker {
	return &ReputationTracker{records: map[string]*types.Reputation{}}
}

func (r *ReputationTracker) get(nodeID string) *types.Reputation {
	rec, ok := r.records[nodeID]
	if !ok {
		rec = &types.Reputation{NodeID: nodeID}
		r.records[nodeID] = rec
	}
	return rec
}

// Credit records a successful delegation and its duration
func (r *ReputationTracker) Credit(nodeID string, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.get(nodeID)
	rec.Completed++
	rec.TotalSeconds += took.Seconds()
	rec.LastSeen = time.Now()
}

// Debit records a failed delegation; abandoned marks bounties that
// simply expired unanswered.
func (r *ReputationTracker) Debit(nodeID string, abandoned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.get(nodeID)
	if abandoned {
		rec.Abandoned++
	} else {
		rec.Failed++
	}
	rec.LastSeen = time.Now()
}

// Touch refreshes last-seen without changing counters
func (r *ReputationTracker) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(nodeID).LastSeen = time.Now()
}

// Score returns the weighted reputation in [0, 1]:
// 0.40 completion rate, 0.25 reliability, 0.20 speed, 0.15 recency.
// Unknown peers score the neutral prior.
func (r *ReputationTracker) Score(nodeID string) float64 {
	r.mu.Lock()
	rec, ok := r.records[nodeID]
	if ok {
		// copy under lock; the math below needs no lock
		c := *rec
		rec = &c
	}
	r.mu.Unlock()
	if !ok {
		return unknownScore
	}

	total := rec.Completed + rec.Failed + rec.Abandoned
	if total == 0 {
		return unknownScore
	}

	completion := float64(rec.Completed) / float64(total)
	reliability := 1.0 - float64(rec.Abandoned)/float64(total)

	speed := 0.5
	if rec.Completed > 0 {
		avg := rec.TotalSeconds / float64(rec.Completed)
		speed = speedPivot / (speedPivot + avg)
	}

	recency := math.Pow(0.5, time.Since(rec.LastSeen).Hours()/recencyHalfLife.Hours())

	score := 0.40*completion + 0.25*reliability + 0.20*speed + 0.15*recency
	return math.Min(1.0, math.Max(0.0, score))
}

// Snapshot returns a copy of one record, or nil if unknown
func (r *ReputationTracker) Snapshot(nodeID string) *types.Reputation {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[nodeID]
	if !ok {
		return nil
	}
	c := *rec
	return &c
}
