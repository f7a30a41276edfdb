package broker

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/mfrederico/voidlux/pkg/clock"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

// Broker wire tags. An independent protocol space from the mesh,
// carried on a separate TCP port.
const (
	brokerHello   transport.MsgType = 0x01
	brokerRelay   transport.MsgType = 0x02
	brokerSyncReq transport.MsgType = 0x03
	brokerSyncRsp transport.MsgType = 0x04
	brokerPing    transport.MsgType = 0x05
	brokerPong    transport.MsgType = 0x06
)

// Relay record kinds
const (
	KindOffering = "offering"
	KindBounty   = "bounty"
	KindProfile  = "capability_profile"
)

const (
	relayDedupTTL = 10 * time.Minute
	// per-target outbound queue bounds; excess is dropped and counted
	peerQueueSize    = 500
	emperorQueueSize = 200

	brokerPingInterval = 30 * time.Second
	brokerDialTimeout  = 5 * time.Second
)

// relayEnvelope federates one marketplace record between swarms
type relayEnvelope struct {
	RelayID string          `json:"relay_id"` // fresh uuid per hop origin
	Kind    string          `json:"kind"`
	Record  json.RawMessage `json:"record"`
}

// helloPayload introduces a broker
type helloPayload struct {
	NodeID  string `json:"node_id"`
	DID     string `json:"did"`
	Emperor bool   `json:"emperor"`
}

// syncPayload carries the full bounty board
type syncPayload struct {
	Offerings []*types.Offering          `json:"offerings,omitempty"`
	Bounties  []*types.Bounty            `json:"bounties,omitempty"`
	Profiles  []*types.CapabilityProfile `json:"profiles,omitempty"`
}

// brokerPeer is one connected remote broker with a bounded send queue
type brokerPeer struct {
	nodeID  string
	conn    net.Conn
	sendCh  chan *transport.Message
	done    chan struct{}
	emperor bool
	once    sync.Once
}

func (p *brokerPeer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Config holds broker settings
type Config struct {
	NodeID  string
	DID     string
	Host    string
	Port    int
	Seeds   []string // remote broker addresses
	Emperor bool
}

// Broker runs the inter-swarm bounty board: it federates offerings,
// bounties, and capability profiles across swarm boundaries with
// relay-uuid dedup and LWW merge, independent of the intra-swarm mesh.
type Broker struct {
	cfg   Config
	store storage.Store
	clock *clock.Lamport
	rep   *ReputationTracker

	mu       sync.RWMutex
	peers    map[string]*brokerPeer
	profiles map[string]*types.CapabilityProfile // node id -> latest profile

	seen     *cache.Cache // relay-uuid dedup
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a broker
func New(cfg Config, store storage.Store, clk *clock.Lamport) *Broker {
	return &Broker{
		cfg:      cfg,
		store:    store,
		clock:    clk,
		rep:      NewReputationTracker(),
		peers:    map[string]*brokerPeer{},
		profiles: map[string]*types.CapabilityProfile{},
		seen:     cache.New(relayDedupTTL, time.Minute),
		stopCh:   make(chan struct{}),
	}
}

// Reputation exposes the tracker to the delegator
func (b *Broker) Reputation() *ReputationTracker { return b.rep }

// Start opens the broker listener and dials seed brokers
func (b *Broker) Start() error {
	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("broker listen on %s: %w", addr, err)
	}
	b.listener = ln
	log.WithComponent("broker").Info().Str("addr", ln.Addr().String()).Msg("broker listening")

	b.wg.Add(2)
	go b.acceptLoop()
	go b.dialLoop()
	return nil
}

// Stop closes the listener and all peer connections
func (b *Broker) Stop() {
	close(b.stopCh)
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.mu.Lock()
	for _, p := range b.peers {
		p.close()
	}
	b.peers = map[string]*brokerPeer{}
	b.mu.Unlock()
	b.wg.Wait()
}

// ListenAddr returns the bound address
func (b *Broker) ListenAddr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				continue
			}
		}
		go b.handshake(conn, false)
	}
}

func (b *Broker) dialLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	b.dialSeeds()
	for {
		select {
		case <-ticker.C:
			b.dialSeeds()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) dialSeeds() {
	for _, seed := range b.cfg.Seeds {
		if b.connectedTo(seed) {
			continue
		}
		conn, err := net.DialTimeout("tcp", seed, brokerDialTimeout)
		if err != nil {
			continue
		}
		go b.handshake(conn, true)
	}
}

func (b *Broker) connectedTo(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.peers {
		if p.conn.RemoteAddr().String() == addr {
			return true
		}
	}
	return false
}

// Connect dials one remote broker synchronously. Used by tests and the
// CLI's join path.
func (b *Broker) Connect(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, brokerDialTimeout)
	if err != nil {
		return err
	}
	go b.handshake(conn, true)
	return nil
}

// handshake exchanges HELLO; the dialer speaks first
func (b *Broker) handshake(conn net.Conn, outbound bool) {
	hello, err := transport.NewMessage(brokerHello, b.cfg.NodeID, 0, &helloPayload{
		NodeID: b.cfg.NodeID, DID: b.cfg.DID, Emperor: b.cfg.Emperor,
	})
	if err != nil {
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if outbound {
		if err := transport.WriteFrame(conn, hello); err != nil {
			_ = conn.Close()
			return
		}
	}
	msg, err := transport.ReadFrame(conn)
	if err != nil || msg.Type != brokerHello {
		_ = conn.Close()
		return
	}
	var remote helloPayload
	if err := msg.Decode(&remote); err != nil || remote.NodeID == b.cfg.NodeID {
		_ = conn.Close()
		return
	}
	if !outbound {
		if err := transport.WriteFrame(conn, hello); err != nil {
			_ = conn.Close()
			return
		}
	}
	_ = conn.SetDeadline(time.Time{})

	queueSize := peerQueueSize
	if remote.Emperor {
		queueSize = emperorQueueSize
	}
	peer := &brokerPeer{
		nodeID:  remote.NodeID,
		conn:    conn,
		sendCh:  make(chan *transport.Message, queueSize),
		done:    make(chan struct{}),
		emperor: remote.Emperor,
	}

	b.mu.Lock()
	if old, ok := b.peers[peer.nodeID]; ok {
		old.close()
	}
	b.peers[peer.nodeID] = peer
	b.mu.Unlock()
	b.rep.Touch(peer.nodeID)

	go b.writeLoop(peer)
	go b.readLoop(peer)
	b.requestSync(peer)
	log.WithComponent("broker").Info().Str("peer", peer.nodeID).Msg("broker peer connected")
}

func (b *Broker) writeLoop(p *brokerPeer) {
	ticker := time.NewTicker(brokerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-p.sendCh:
			if err := transport.WriteFrame(p.conn, msg); err != nil {
				b.dropPeer(p)
				return
			}
		case <-ticker.C:
			ping, err := transport.NewMessage(brokerPing, b.cfg.NodeID, 0, nil)
			if err == nil {
				if err := transport.WriteFrame(p.conn, ping); err != nil {
					b.dropPeer(p)
					return
				}
			}
		case <-p.done:
			return
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) readLoop(p *brokerPeer) {
	for {
		msg, err := transport.ReadFrame(p.conn)
		if err != nil {
			b.dropPeer(p)
			return
		}
		b.handle(p, msg)
	}
}

func (b *Broker) dropPeer(p *brokerPeer) {
	b.mu.Lock()
	if b.peers[p.nodeID] == p {
		delete(b.peers, p.nodeID)
	}
	b.mu.Unlock()
	p.close()
}

// enqueue pushes to a peer's bounded queue; a full queue drops and counts.
// The done check runs first on its own, a combined select would pick
// randomly between a closed done and a free sendCh.
func (b *Broker) enqueue(p *brokerPeer, msg *transport.Message) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.sendCh <- msg:
	default:
		metrics.BrokerQueueDrops.Inc()
	}
}

// floodRelay sends a relay to every peer except the one it came from
func (b *Broker) floodRelay(msg *transport.Message, excludeNodeID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, p := range b.peers {
		if id == excludeNodeID {
			continue
		}
		b.enqueue(p, msg)
	}
}

func (b *Broker) handle(p *brokerPeer, msg *transport.Message) {
	switch msg.Type {
	case brokerRelay:
		var env relayEnvelope
		if err := msg.Decode(&env); err != nil {
			return
		}
		if _, dup := b.seen.Get(env.RelayID); dup {
			return
		}
		b.seen.Set(env.RelayID, struct{}{}, relayDedupTTL)
		if b.applyRelay(&env) {
			b.floodRelay(msg, p.nodeID)
		}

	case brokerSyncReq:
		rsp, err := transport.NewMessage(brokerSyncRsp, b.cfg.NodeID, 0, b.boardSnapshot())
		if err == nil {
			b.enqueue(p, rsp)
		}

	case brokerSyncRsp:
		var board syncPayload
		if err := msg.Decode(&board); err != nil {
			return
		}
		for _, o := range board.Offerings {
			_, _ = b.store.MergeOffering(o)
		}
		for _, bounty := range board.Bounties {
			_, _ = b.store.MergeBounty(bounty)
		}
		for _, prof := range board.Profiles {
			b.mergeProfile(prof)
		}

	case brokerPing:
		pong, err := transport.NewMessage(brokerPong, b.cfg.NodeID, 0, nil)
		if err == nil {
			b.enqueue(p, pong)
		}

	case brokerPong:
		b.rep.Touch(p.nodeID)
	}
}

// applyRelay LWW-merges one federated record; returns whether it was
// locally new and should be re-flooded.
func (b *Broker) applyRelay(env *relayEnvelope) bool {
	switch env.Kind {
	case KindOffering:
		var o types.Offering
		if json.Unmarshal(env.Record, &o) != nil {
			return false
		}
		applied, err := b.store.MergeOffering(&o)
		return err == nil && applied

	case KindBounty:
		var bounty types.Bounty
		if json.Unmarshal(env.Record, &bounty) != nil {
			return false
		}
		applied, err := b.store.MergeBounty(&bounty)
		return err == nil && applied

	case KindProfile:
		var prof types.CapabilityProfile
		if json.Unmarshal(env.Record, &prof) != nil {
			return false
		}
		return b.mergeProfile(&prof)
	}
	return false
}

func (b *Broker) mergeProfile(p *types.CapabilityProfile) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.profiles[p.NodeID]
	if ok && !types.Newer(p.LamportTS, p.NodeID, existing.LamportTS, existing.NodeID) {
		return false
	}
	b.profiles[p.NodeID] = p
	return true
}

func (b *Broker) requestSync(p *brokerPeer) {
	req, err := transport.NewMessage(brokerSyncReq, b.cfg.NodeID, 0, nil)
	if err == nil {
		b.enqueue(p, req)
	}
}

func (b *Broker) boardSnapshot() *syncPayload {
	board := &syncPayload{}
	board.Offerings, _ = b.store.ListOfferings()
	board.Bounties, _ = b.store.ListBounties()
	b.mu.RLock()
	for _, p := range b.profiles {
		board.Profiles = append(board.Profiles, p)
	}
	b.mu.RUnlock()
	return board
}

// Publish stores a locally originated record and relays it with a
// fresh relay-uuid to all broker peers.
func (b *Broker) Publish(kind string, record interface{}) error {
	switch kind {
	case KindOffering:
		if err := b.store.PutOffering(record.(*types.Offering)); err != nil {
			return err
		}
	case KindBounty:
		if err := b.store.PutBounty(record.(*types.Bounty)); err != nil {
			return err
		}
	case KindProfile:
		b.mergeProfile(record.(*types.CapabilityProfile))
	default:
		return fmt.Errorf("unknown relay kind %q", kind)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	relayID := uuid.New().String()
	b.seen.Set(relayID, struct{}{}, relayDedupTTL)
	msg, err := transport.NewMessage(brokerRelay, b.cfg.NodeID, 0, &relayEnvelope{
		RelayID: relayID, Kind: kind, Record: raw,
	})
	if err != nil {
		return err
	}
	b.floodRelay(msg, "")
	return nil
}

// Profiles returns the current capability board
func (b *Broker) Profiles() []*types.CapabilityProfile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*types.CapabilityProfile, 0, len(b.profiles))
	for _, p := range b.profiles {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of connected remote brokers
func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}
