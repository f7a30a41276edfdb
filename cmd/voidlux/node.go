package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mfrederico/voidlux/pkg/broker"
	"github.com/mfrederico/voidlux/pkg/census"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/config"
	"github.com/mfrederico/voidlux/pkg/dht"
	"github.com/mfrederico/voidlux/pkg/dispatcher"
	"github.com/mfrederico/voidlux/pkg/election"
	"github.com/mfrederico/voidlux/pkg/events"
	"github.com/mfrederico/voidlux/pkg/gossip"
	"github.com/mfrederico/voidlux/pkg/identity"
	"github.com/mfrederico/voidlux/pkg/integrator"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/queue"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

const (
	nodeIDStateKey = "node_id"

	agentHeartbeatEvery = 30 * time.Second
	profileAdvertEvery  = 60 * time.Second
	profileTTL          = 5 * time.Minute
)

// Node assembles every subsystem for one swarm member. Construction is
// leaves-first; Start and Stop walk the layers in dependency order.
type Node struct {
	cfg    *config.Config
	role   types.NodeRole
	nodeID string

	store    storage.Store
	clock    *clock.Lamport
	events   *events.Broker
	mesh     *transport.Transport
	beacon   *transport.Beacon
	dht      *dht.DHT
	census   *census.Census
	gossip   *gossip.Engine
	queue    *queue.Queue
	election *election.Election
	identity *identity.Manager
	disp     *dispatcher.Dispatcher
	integ    *integrator.Integrator
	broker   *broker.Broker
	deleg    *broker.Delegator
	bridge   dispatcher.AgentBridge

	localAgents []*types.Agent
	stopCh      chan struct{}
}

// NewNode wires a node from config. Nothing is started yet.
func NewNode(cfg *config.Config, role types.NodeRole) (*Node, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	nodeID, err := loadOrCreateNodeID(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	clk, err := clock.Load(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	evb := events.NewBroker()

	mesh := transport.New(transport.Config{
		NodeID:   nodeID,
		Host:     cfg.Host,
		P2PPort:  cfg.P2PPort,
		HTTPPort: cfg.HTTPPort,
		Role:     string(role),
		MaxPeers: cfg.MaxPeers,
		Seeds:    cfg.Seeds,
	})

	gsp := gossip.New(gossip.Config{
		AntiEntropyMin: cfg.AntiEntropyMin,
		AntiEntropyMax: cfg.AntiEntropyMax,
	}, mesh, store, clk, evb)

	q := queue.New(store, clk, evb, gsp, nodeID)

	elect := election.New(election.Config{
		NodeID:  nodeID,
		Role:    role,
		Timeout: cfg.ElectionTimeout,
	}, mesh, evb)

	idm, err := identity.New(identity.Config{
		NodeID: nodeID,
		Realm:  cfg.Realm,
		Role:   role,
	}, store, clk, gsp, mesh, evb)
	if err != nil {
		store.Close()
		return nil, err
	}
	gsp.SetVerifier(idm)

	disp := dispatcher.New(dispatcher.Config{
		Interval:         cfg.DispatchInterval,
		OverflowPerCycle: cfg.OverflowPerCycle,
		NodeID:           nodeID,
	}, q, store, mesh, elect, evb)

	var bridge dispatcher.AgentBridge
	if cfg.AgentCmd != "" {
		bridge = &execBridge{command: cfg.AgentCmd}
		disp.SetBridge(bridge)
	}

	integ := integrator.New(integrator.Config{TestCommand: cfg.TestCommand}, q, store, &integrator.GitCLI{
		RepoPath:  cfg.RepoPath,
		Workbench: cfg.Workbench,
		PRCommand: cfg.PRCommand,
	}, elect, evb)

	brk := broker.New(broker.Config{
		NodeID:  nodeID,
		DID:     idm.DID(),
		Host:    cfg.Host,
		Port:    cfg.BrokerPort,
		Seeds:   cfg.BrokerSeeds,
		Emperor: role == types.NodeRoleEmperor,
	}, store, clk)

	reg := census.New(mesh, store, types.NodeInfo{
		ID:        nodeID,
		Role:      role,
		Host:      cfg.Host,
		HTTPPort:  cfg.HTTPPort,
		P2PPort:   cfg.P2PPort,
		PublicKey: idm.PublicKeyHex(),
		CreatedAt: time.Now().UTC(),
	})

	n := &Node{
		cfg:      cfg,
		role:     role,
		nodeID:   nodeID,
		store:    store,
		clock:    clk,
		events:   evb,
		mesh:     mesh,
		beacon:   transport.NewBeacon(mesh, cfg.P2PPort+1),
		dht:      dht.New(mesh),
		census:   reg,
		gossip:   gsp,
		queue:    q,
		election: elect,
		identity: idm,
		disp:     disp,
		integ:    integ,
		broker:   brk,
		bridge:   bridge,
		stopCh:   make(chan struct{}),
	}

	if role == types.NodeRoleEmperor {
		n.deleg = broker.NewDelegator(broker.DelegatorConfig{
			NodeID:          nodeID,
			DID:             idm.DID(),
			ReputationFloor: cfg.ReputationFloor,
			BountyTTL:       cfg.BountyTTL,
		}, brk, store, clk, q)
		disp.SetDelegator(n.deleg)
	}

	mesh.SetHandler(n.handleMessage)
	mesh.OnPeerUp(n.onPeerUp)
	return n, nil
}

// NodeID returns the stable 32-hex node identifier
func (n *Node) NodeID() string { return n.nodeID }

// DID returns the node's decentralised identifier
func (n *Node) DID() string { return n.identity.DID() }

// Start brings every layer up, inner first
func (n *Node) Start() error {
	n.events.Start()

	if err := n.mesh.Start(); err != nil {
		return err
	}
	if err := n.beacon.Start(); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("lan beacon unavailable")
	}
	n.dht.Start()
	n.gossip.Start()
	n.election.Start()
	n.disp.Start()
	n.integ.Start()

	if err := n.broker.Start(); err != nil {
		return err
	}
	if n.deleg != nil {
		n.deleg.Start()
	}

	if err := n.identity.AnnounceSelf(); err != nil {
		return err
	}
	if n.role == types.NodeRoleEmperor {
		if _, err := n.identity.SelfIssueEmperorTrust(24 * time.Hour); err != nil {
			return err
		}
	}

	if err := n.registerAgents(); err != nil {
		return err
	}
	n.census.AnnounceSelf()
	go n.agentHeartbeatLoop()
	go n.profileLoop()
	if n.role == types.NodeRoleEmperor {
		go n.censusLoop()
	}

	if n.cfg.MetricsAddr != "" {
		metrics.Register()
		go func() {
			if err := metrics.StartServer(n.cfg.MetricsAddr); err != nil {
				log.WithComponent("metrics").Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	log.WithNodeID(n.nodeID).Info().
		Str("role", string(n.role)).Str("did", n.DID()).
		Str("mesh", n.mesh.ListenAddr()).Str("broker", n.broker.ListenAddr()).
		Msg("node started")
	return nil
}

// Stop tears the node down, outer layers first
func (n *Node) Stop() {
	close(n.stopCh)
	if n.deleg != nil {
		n.deleg.Stop()
	}
	n.broker.Stop()
	n.integ.Stop()
	n.disp.Stop()
	n.election.Stop()
	n.gossip.Stop()
	n.dht.Stop()
	n.beacon.Stop()
	n.mesh.Stop()
	n.events.Stop()
	if err := n.clock.Flush(); err != nil {
		log.WithComponent("node").Warn().Err(err).Msg("clock flush failed")
	}
	n.store.Close()
}

// handleMessage walks the tag-space handlers in order; each returns
// false when the tag is outside its space.
func (n *Node) handleMessage(from string, msg *transport.Message) {
	if msg.Type == transport.MsgTaskAssign {
		n.handleAssign(from, msg)
		return
	}
	if n.gossip.HandleMessage(from, msg) {
		return
	}
	if n.election.HandleMessage(from, msg) {
		return
	}
	if n.identity.HandleMessage(from, msg) {
		return
	}
	if n.census.HandleMessage(from, msg) {
		return
	}
	if n.dht.HandleMessage(from, msg) {
		return
	}
	log.WithComponent("node").Debug().
		Str("from", from).Uint16("type", uint16(msg.Type)).Msg("unhandled message")
}

// handleAssign accepts a task the emperor routed to this node: merge
// the record, claim it for a local idle agent and deliver.
func (n *Node) handleAssign(from string, msg *transport.Message) {
	var t types.Task
	if err := msg.Decode(&t); err != nil {
		return
	}
	n.clock.Witness(msg.LamportTS)
	if _, err := n.store.MergeTask(&t); err != nil {
		return
	}

	agent := n.pickIdleAgent(&t)
	if agent == nil {
		log.WithTaskID(t.ID).Warn().Str("from", from).Msg("assigned task has no idle local agent")
		return
	}
	if !n.queue.Claim(t.ID, agent.ID, n.nodeID) {
		return
	}
	if n.bridge != nil {
		if err := n.bridge.Deliver(agent, &t); err != nil {
			log.WithTaskID(t.ID).Warn().Err(err).Msg("local delivery failed")
			return
		}
	}
	n.queue.ReportProgress(t.ID, "delivered to agent")
}

func (n *Node) pickIdleAgent(t *types.Task) *types.Agent {
	agents, err := n.store.ListAgentsByNode(n.nodeID)
	if err != nil {
		return nil
	}
	for _, a := range agents {
		if a.Status == types.AgentIdle && !a.Tombstone && types.HasCapabilities(a.Capabilities, t.RequiredCaps) {
			return a
		}
	}
	return nil
}

// onPeerUp seeds the routing table, challenges the peer's identity and
// pulls its state delta.
func (n *Node) onPeerUp(nodeID, addr string) {
	n.dht.Seen(nodeID, addr)
	n.identity.Challenge(nodeID)
	n.gossip.SyncNow(nodeID)
	n.census.Query(nodeID)
	n.census.SyncAgents(nodeID)
	n.disp.Trigger()
}

// registerAgents publishes the configured local agents into the swarm
func (n *Node) registerAgents() error {
	now := time.Now().UTC()
	for _, spec := range n.cfg.Agents {
		maxConcurrent := spec.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		a := &types.Agent{
			ID:            uuid.New().String(),
			Name:          spec.Name,
			NodeID:        n.nodeID,
			Tool:          spec.Tool,
			Model:         spec.Model,
			Capabilities:  spec.Capabilities,
			ProjectPath:   spec.ProjectPath,
			MaxConcurrent: maxConcurrent,
			Status:        types.AgentIdle,
			LastHeartbeat: now,
			RegisteredAt:  now,
			LamportTS:     n.clock.Tick(),
		}
		if err := n.store.PutAgent(a); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", spec.Name, err)
		}
		n.localAgents = append(n.localAgents, a)
		n.gossip.Announce(transport.MsgAgentRegister, a.LamportTS, a)
		n.events.Publish(&events.Event{Type: events.EventAgentRegistered, AgentID: a.ID, NodeID: n.nodeID})
		log.WithAgentID(a.ID).Info().Str("name", a.Name).Msg("agent registered")
	}
	return nil
}

// agentHeartbeatLoop refreshes local agent liveness into the swarm
func (n *Node) agentHeartbeatLoop() {
	ticker := time.NewTicker(agentHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, a := range n.localAgents {
				current, err := n.store.GetAgent(a.ID)
				if err != nil || current == nil {
					continue
				}
				current.LastHeartbeat = time.Now().UTC()
				current.LamportTS = n.clock.Tick()
				if err := n.store.PutAgent(current); err != nil {
					continue
				}
				n.gossip.Announce(transport.MsgAgentHeartbeat, current.LamportTS, current)
			}
		case <-n.stopCh:
			return
		}
	}
}

// profileLoop advertises this swarm's capability profile on the broker
// plane so remote emperors can delegate overflow here.
func (n *Node) profileLoop() {
	ticker := time.NewTicker(profileAdvertEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.advertiseProfile()
		case <-n.stopCh:
			return
		}
	}
}

// censusLoop periodically surveys the swarm; answers accumulate in the
// census registry for operator inspection.
func (n *Node) censusLoop() {
	ticker := time.NewTicker(2 * profileAdvertEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n.election.IsEmperor() {
				n.census.Take()
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) advertiseProfile() {
	n.census.AdvertiseCapabilities()

	agents, err := n.store.ListAgentsByNode(n.nodeID)
	if err != nil || len(agents) == 0 {
		return
	}
	capSet := map[string]struct{}{}
	idle, total := 0, 0
	for _, a := range agents {
		if a.Tombstone {
			continue
		}
		total++
		if a.Status == types.AgentIdle {
			idle++
		}
		for _, c := range a.Capabilities {
			capSet[c] = struct{}{}
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	profile := &types.CapabilityProfile{
		NodeID:       n.nodeID,
		DID:          n.DID(),
		Capabilities: caps,
		IdleAgents:   idle,
		TotalAgents:  total,
		ExpiresAt:    time.Now().Add(profileTTL),
		LamportTS:    n.clock.Tick(),
	}
	if err := n.broker.Publish(broker.KindProfile, profile); err != nil {
		log.WithComponent("broker").Debug().Err(err).Msg("profile advert failed")
	}
}

// loadOrCreateNodeID returns the persisted 32-hex node identifier,
// generating it on first boot.
func loadOrCreateNodeID(store storage.Store) (string, error) {
	if raw, err := store.GetState(nodeIDStateKey); err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate node id: %w", err)
	}
	id := hex.EncodeToString(buf)
	if err := store.PutState(nodeIDStateKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
