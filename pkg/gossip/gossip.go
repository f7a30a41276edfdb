package gossip

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

const (
	seenTTL      = 10 * time.Minute
	seenCap      = 10000
	tombstoneTTL = 120 * time.Second
)

// Transport is the slice of the mesh the gossip engine depends on
type Transport interface {
	NodeID() string
	Broadcast(m *transport.Message, excludeNodeID string)
	SendTo(nodeID string, m *transport.Message) error
	Peers() []string
}

// CredentialVerifier checks a credential's detached signature against
// the issuer's known public key. Implemented by pkg/identity.
type CredentialVerifier interface {
	VerifyCredential(c *types.Credential) error
}

// Config holds gossip tuning
type Config struct {
	AntiEntropyMin time.Duration
	AntiEntropyMax time.Duration
}

// Engine is the causal replication plane: push flooding with per-message
// dedup plus periodic pull anti-entropy ordered by Lamport watermarks.
type Engine struct {
	cfg        Config
	transport  Transport
	store      storage.Store
	clock      *clock.Lamport
	broker     *events.Broker
	verifier   CredentialVerifier
	seen       *cache.Cache
	tombstones *cache.Cache

	stopCh chan struct{}
}

// New creates a gossip engine. verifier may be nil until the identity
// layer is constructed; credentials are dropped in the meantime.
func New(cfg Config, tr Transport, store storage.Store, clk *clock.Lamport, broker *events.Broker) *Engine {
	if cfg.AntiEntropyMin <= 0 {
		cfg.AntiEntropyMin = 30 * time.Second
	}
	if cfg.AntiEntropyMax < cfg.AntiEntropyMin {
		cfg.AntiEntropyMax = cfg.AntiEntropyMin * 2
	}
	return &Engine{
		cfg:        cfg,
		transport:  tr,
		store:      store,
		clock:      clk,
		broker:     broker,
		seen:       cache.New(seenTTL, time.Minute),
		tombstones: cache.New(tombstoneTTL, 30*time.Second),
		stopCh:     make(chan struct{}),
	}
}

// SetVerifier installs the credential verifier
func (e *Engine) SetVerifier(v CredentialVerifier) { e.verifier = v }

// Start launches the anti-entropy loop
func (e *Engine) Start() {
	go e.antiEntropyLoop()
}

// Stop terminates the engine's loops
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Announce stamps a locally produced mutation with a message uuid and
// floods it to all peers. The local store must already hold the record;
// gossip carries state, it does not create it.
func (e *Engine) Announce(t transport.MsgType, lamportTS uint64, payload interface{}) {
	msg, err := transport.NewMessage(t, e.transport.NodeID(), lamportTS, payload)
	if err != nil {
		log.WithComponent("gossip").Error().Err(err).Msg("announce marshal failed")
		return
	}
	msg.ID = uuid.New().String()
	e.markSeen(msg.ID)
	e.transport.Broadcast(msg, "")
}

func (e *Engine) markSeen(key string) {
	if e.seen.ItemCount() >= seenCap {
		e.evictOlderHalf()
	}
	e.seen.Set(key, struct{}{}, seenTTL)
}

// evictOlderHalf drops the older half of the seen set, ordered by each
// entry's expiry. Anti-entropy absorbs any re-applied floods since
// merges are idempotent.
func (e *Engine) evictOlderHalf() {
	items := e.seen.Items()
	if len(items) == 0 {
		return
	}
	exps := make([]int64, 0, len(items))
	for _, it := range items {
		exps = append(exps, it.Expiration)
	}
	sort.Slice(exps, func(i, j int) bool { return exps[i] < exps[j] })
	cut := exps[len(exps)/2]
	evicted := 0
	for k, it := range items {
		if it.Expiration < cut {
			e.seen.Delete(k)
			evicted++
		}
	}
	if evicted == 0 {
		// every entry carries the same expiry; flushing is the only
		// way left to bound the set
		e.seen.Flush()
	}
}

func (e *Engine) isDuplicate(key string) bool {
	if _, ok := e.seen.Get(key); ok {
		metrics.GossipDuplicates.Inc()
		return true
	}
	e.markSeen(key)
	return false
}

// taskDedupKey splits task gossip into per-action streams so a claim
// and a completion of the same task are never coalesced.
func taskDedupKey(taskID string, t transport.MsgType, ts uint64) string {
	return fmt.Sprintf("%s:%d:%d", taskID, uint16(t), ts)
}

// HandleMessage processes one inbound replicated-state message.
// Returns false if the tag belongs to another layer.
func (e *Engine) HandleMessage(from string, msg *transport.Message) bool {
	e.clock.Witness(msg.LamportTS)
	metrics.GossipMessagesIn.WithLabelValues(fmt.Sprintf("0x%02x", uint16(msg.Type))).Inc()

	switch msg.Type {
	case transport.MsgTaskCreate, transport.MsgTaskClaim, transport.MsgTaskUpdate,
		transport.MsgTaskComplete, transport.MsgTaskFail, transport.MsgTaskCancel,
		transport.MsgTaskArchive:
		e.handleTask(from, msg)

	case transport.MsgAgentRegister, transport.MsgAgentHeartbeat, transport.MsgAgentDeregister:
		e.handleAgent(from, msg)

	case transport.MsgIdentityAnnounce:
		e.handleIdentity(from, msg)

	case transport.MsgCredentialIssue:
		e.handleCredential(from, msg)

	case transport.MsgOfferingAnnounce, transport.MsgOfferingWithdraw:
		e.handleOffering(from, msg)

	case transport.MsgBountyPost, transport.MsgBountyClaim, transport.MsgBountyCancel:
		e.handleBounty(from, msg)

	case transport.MsgTributeRequest, transport.MsgTributeAccept, transport.MsgTributeReject:
		e.handleTribute(from, msg)

	case transport.MsgPost:
		e.handlePost(from, msg)

	case transport.MsgSyncReq, transport.MsgTaskSyncReq, transport.MsgIdentitySyncReq,
		transport.MsgMarketplaceSyncReq:
		e.handleSyncReq(from, msg)

	case transport.MsgSyncRsp, transport.MsgTaskSyncRsp, transport.MsgIdentitySyncRsp,
		transport.MsgMarketplaceSyncRsp:
		e.handleSyncRsp(from, msg)

	default:
		return false
	}
	return true
}

func (e *Engine) handleTask(from string, msg *transport.Message) {
	var task types.Task
	if err := msg.Decode(&task); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	// a second uuid carrying the same logical action still dedups
	if e.isDuplicate(taskDedupKey(task.ID, msg.Type, task.LamportTS)) {
		return
	}
	applied, err := e.store.MergeTask(&task)
	if err != nil {
		log.WithTaskID(task.ID).Error().Err(err).Msg("task merge failed")
		return
	}
	if applied {
		e.publishTaskEvent(msg.Type, &task)
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) publishTaskEvent(t transport.MsgType, task *types.Task) {
	var et events.EventType
	switch t {
	case transport.MsgTaskCreate:
		et = events.EventTaskCreated
	case transport.MsgTaskClaim:
		et = events.EventTaskClaimed
	case transport.MsgTaskComplete:
		et = events.EventTaskCompleted
	case transport.MsgTaskFail:
		et = events.EventTaskFailed
	default:
		return
	}
	e.broker.Publish(&events.Event{Type: et, TaskID: task.ID, NodeID: task.CreatedBy})
}

func (e *Engine) handleAgent(from string, msg *transport.Message) {
	var agent types.Agent
	if err := msg.Decode(&agent); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}

	switch msg.Type {
	case transport.MsgAgentDeregister:
		agent.Tombstone = true
		agent.Status = types.AgentOffline
		e.tombstones.Set(agent.ID, struct{}{}, tombstoneTTL)
	case transport.MsgAgentHeartbeat:
		// a tombstone outruns in-flight stale heartbeats
		if _, dead := e.tombstones.Get(agent.ID); dead {
			return
		}
	}

	applied, err := e.store.MergeAgent(&agent)
	if err != nil {
		return
	}
	if applied && msg.Type == transport.MsgAgentRegister {
		e.broker.Publish(&events.Event{Type: events.EventAgentRegistered, AgentID: agent.ID, NodeID: agent.NodeID})
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handleIdentity(from string, msg *transport.Message) {
	var id types.Identity
	if err := msg.Decode(&id); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	if _, err := e.store.MergeIdentity(&id); err != nil {
		return
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handleCredential(from string, msg *transport.Message) {
	var cred types.Credential
	if err := msg.Decode(&cred); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	// unsigned or unverifiable credentials are dropped silently
	if e.verifier == nil || e.verifier.VerifyCredential(&cred) != nil {
		return
	}
	applied, err := e.store.MergeCredential(&cred)
	if err != nil {
		return
	}
	if applied {
		e.broker.Publish(&events.Event{Type: events.EventCredentialIssued, Metadata: map[string]string{
			"subject": cred.SubjectDID, "type": cred.Type,
		}})
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handleOffering(from string, msg *transport.Message) {
	var off types.Offering
	if err := msg.Decode(&off); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	if msg.Type == transport.MsgOfferingWithdraw {
		off.Withdrawn = true
	}
	if _, err := e.store.MergeOffering(&off); err != nil {
		return
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handleBounty(from string, msg *transport.Message) {
	var b types.Bounty
	if err := msg.Decode(&b); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	if _, err := e.store.MergeBounty(&b); err != nil {
		return
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handleTribute(from string, msg *transport.Message) {
	var tr types.Tribute
	if err := msg.Decode(&tr); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	if msg.Type == transport.MsgTributeAccept {
		tr.Accepted = true
	}
	if _, err := e.store.MergeTribute(&tr); err != nil {
		return
	}
	e.transport.Broadcast(msg, from)
}

func (e *Engine) handlePost(from string, msg *transport.Message) {
	var p types.Post
	if err := msg.Decode(&p); err != nil {
		return
	}
	if msg.ID != "" && e.isDuplicate(msg.ID) {
		return
	}
	if _, err := e.store.MergePost(&p); err != nil {
		return
	}
	e.transport.Broadcast(msg, from)
}
