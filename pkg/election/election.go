package election

import (
	"sync"
	"time"

	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

const (
	heartbeatInterval = 10 * time.Second
	// defaultWait is how long a candidate listens for a higher node
	// to take over before claiming victory.
	defaultWait = 5 * time.Second
)

// Transport is the broadcast surface elections run over
type Transport interface {
	NodeID() string
	Broadcast(m *transport.Message, excludeNodeID string)
}

// Config holds election tuning
type Config struct {
	NodeID  string
	Role    types.NodeRole
	Timeout time.Duration // missing-heartbeat window before an election
	Wait    time.Duration // candidacy window before claiming victory
}

// electionPayload names the candidate or winner
type electionPayload struct {
	NodeID string `json:"node_id"`
}

// Election implements bully-style leader election over gossip
// broadcast. The highest eligible node-id wins; seneschals never
// stand. All emperor-only work gates on IsEmperor.
type Election struct {
	cfg    Config
	mesh   Transport
	broker *events.Broker

	mu            sync.Mutex
	emperorID     string
	lastHeartbeat time.Time
	electing      bool
	preempted     bool // a higher candidate took over the running election

	stopCh chan struct{}
}

// New creates an election manager. A node configured as emperor claims
// the throne at boot; a real emperor on the mesh with a higher id will
// displace it.
func New(cfg Config, mesh Transport, broker *events.Broker) *Election {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultWait
	}
	e := &Election{
		cfg:    cfg,
		mesh:   mesh,
		broker: broker,
		stopCh: make(chan struct{}),
	}
	if cfg.Role == types.NodeRoleEmperor {
		e.emperorID = cfg.NodeID
	}
	e.lastHeartbeat = time.Now()
	return e
}

// Start launches the heartbeat/timeout loop
func (e *Election) Start() {
	go e.run()
}

// Stop terminates the loop
func (e *Election) Stop() {
	close(e.stopCh)
}

// IsEmperor reports whether this node currently holds the throne
func (e *Election) IsEmperor() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emperorID == e.cfg.NodeID
}

// EmperorID returns the current known emperor, or "" during an interregnum
func (e *Election) EmperorID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emperorID
}

func (e *Election) eligible() bool {
	return e.cfg.Role != types.NodeRoleSeneschal
}

func (e *Election) run() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Election) tick() {
	e.mu.Lock()
	isEmperor := e.emperorID == e.cfg.NodeID
	stale := time.Since(e.lastHeartbeat) > e.cfg.Timeout
	electing := e.electing
	e.mu.Unlock()

	if isEmperor {
		e.broadcast(transport.MsgEmperorHeartbeat)
		return
	}
	if stale && !electing && e.eligible() {
		log.WithComponent("election").Warn().Str("last_emperor", e.EmperorID()).Msg("emperor heartbeat lost, starting election")
		go e.runElection()
	}
}

// runElection broadcasts candidacy, waits for a higher node to take
// over, and claims victory if none does.
func (e *Election) runElection() {
	e.mu.Lock()
	if e.electing {
		e.mu.Unlock()
		return
	}
	e.electing = true
	e.preempted = false
	e.mu.Unlock()

	e.broadcast(transport.MsgElectionStart)

	select {
	case <-time.After(e.cfg.Wait):
	case <-e.stopCh:
		return
	}

	e.mu.Lock()
	preempted := e.preempted
	e.electing = false
	e.mu.Unlock()
	if preempted {
		return
	}
	e.becomeEmperor()
}

func (e *Election) becomeEmperor() {
	e.mu.Lock()
	e.emperorID = e.cfg.NodeID
	e.lastHeartbeat = time.Now()
	e.mu.Unlock()

	metrics.IsEmperor.Set(1)
	log.WithComponent("election").Info().Str("node_id", e.cfg.NodeID).Msg("election won, assuming emperor role")
	e.broadcast(transport.MsgElectionVictory)
	e.broadcast(transport.MsgEmperorHeartbeat)
	e.broker.Publish(&events.Event{Type: events.EventEmperorElected, NodeID: e.cfg.NodeID})
}

func (e *Election) broadcast(t transport.MsgType) {
	msg, err := transport.NewMessage(t, e.cfg.NodeID, 0, &electionPayload{NodeID: e.cfg.NodeID})
	if err != nil {
		return
	}
	e.mesh.Broadcast(msg, "")
}

// HandleMessage processes the election tag space (0x40-0x42).
// Returns false for other tags.
func (e *Election) HandleMessage(from string, msg *transport.Message) bool {
	var p electionPayload
	switch msg.Type {
	case transport.MsgEmperorHeartbeat:
		if err := msg.Decode(&p); err != nil {
			return true
		}
		e.observeEmperor(p.NodeID)

	case transport.MsgElectionStart:
		if err := msg.Decode(&p); err != nil {
			return true
		}
		// a higher eligible node takes over the election
		if e.eligible() && e.cfg.NodeID > p.NodeID {
			go e.runElection()
		}

	case transport.MsgElectionVictory:
		if err := msg.Decode(&p); err != nil {
			return true
		}
		e.observeVictory(p.NodeID)

	default:
		return false
	}
	return true
}

// observeEmperor handles a heartbeat. A heartbeat from a higher node
// dethrones us; one from a lower node while we reign is answered by
// our own heartbeat and ignored otherwise.
func (e *Election) observeEmperor(nodeID string) {
	e.mu.Lock()
	wasEmperor := e.emperorID == e.cfg.NodeID
	if wasEmperor && nodeID < e.cfg.NodeID {
		e.mu.Unlock()
		e.broadcast(transport.MsgEmperorHeartbeat)
		return
	}
	dethroned := wasEmperor && nodeID > e.cfg.NodeID
	e.emperorID = nodeID
	e.lastHeartbeat = time.Now()
	// a live emperor cancels any election in flight
	if e.electing && nodeID > e.cfg.NodeID {
		e.preempted = true
	}
	e.mu.Unlock()

	if dethroned {
		metrics.IsEmperor.Set(0)
		log.WithComponent("election").Info().Str("emperor", nodeID).Msg("higher node reigns, stepping down")
	} else if !wasEmperor && nodeID == e.cfg.NodeID {
		metrics.IsEmperor.Set(1)
	}
}

func (e *Election) observeVictory(nodeID string) {
	e.mu.Lock()
	wasEmperor := e.emperorID == e.cfg.NodeID
	e.emperorID = nodeID
	e.lastHeartbeat = time.Now()
	if e.electing && nodeID != e.cfg.NodeID {
		e.preempted = true
	}
	e.mu.Unlock()

	if wasEmperor && nodeID != e.cfg.NodeID {
		metrics.IsEmperor.Set(0)
	}
	log.WithComponent("election").Info().Str("emperor", nodeID).Msg("election victory observed")
	e.broker.Publish(&events.Event{Type: events.EventEmperorElected, NodeID: nodeID})
}
