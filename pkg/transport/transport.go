package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
)

const (
	pingInterval     = 15 * time.Second
	maxMissedPongs   = 2
	reconnectTick    = 10 * time.Second
	minDialSpacing   = 30 * time.Second
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Handler consumes messages the transport does not handle itself
// (everything beyond HELLO/PING/PONG/PEX).
type Handler func(from string, msg *Message)

// Peer is one live edge in the mesh
type Peer struct {
	NodeID   string
	Addr     string // remote listen address host:port
	conn     net.Conn
	outbound bool

	wmu    sync.Mutex
	missed int

	closeOnce sync.Once
}

func (p *Peer) send(m *Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	return WriteFrame(p.conn, m)
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { p.conn.Close() })
}

// Config holds transport configuration
type Config struct {
	NodeID   string
	Host     string
	P2PPort  int
	HTTPPort int
	Role     string
	MaxPeers int
	Seeds    []string
}

// Transport runs the TCP mesh: a listener plus outbound dials to
// discovered peers, keyed by remote node ID after HELLO.
type Transport struct {
	cfg Config

	handler   Handler
	onPeerUp  func(nodeID, addr string)
	handlerMu sync.RWMutex

	ln net.Listener

	mu       sync.RWMutex
	peers    map[string]*Peer
	known    map[string]struct{} // candidate addresses
	lastDial map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a transport. Seeds are added to the candidate set but not
// dialed until Start.
func New(cfg Config) *Transport {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 20
	}
	t := &Transport{
		cfg:      cfg,
		peers:    make(map[string]*Peer),
		known:    make(map[string]struct{}),
		lastDial: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	for _, s := range cfg.Seeds {
		t.known[s] = struct{}{}
	}
	return t
}

// SetHandler installs the message sink. Must be called before Start.
func (t *Transport) SetHandler(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// OnPeerUp installs a callback fired after a HELLO completes.
func (t *Transport) OnPeerUp(fn func(nodeID, addr string)) {
	t.handlerMu.Lock()
	t.onPeerUp = fn
	t.handlerMu.Unlock()
}

// Start opens the listener and begins accept, keepalive, reconnect and
// peer-exchange loops.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.P2PPort))
	if err != nil {
		return fmt.Errorf("failed to listen on p2p port: %w", err)
	}
	t.ln = ln

	t.wg.Add(3)
	go t.acceptLoop()
	go t.keepaliveLoop()
	go t.reconnectLoop()

	log.WithComponent("transport").Info().
		Str("addr", ln.Addr().String()).Msg("mesh listening")
	return nil
}

// Stop closes the listener and all peer connections
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.ln != nil {
			t.ln.Close()
		}
		t.mu.Lock()
		for _, p := range t.peers {
			p.close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
}

// NodeID returns the local node ID
func (t *Transport) NodeID() string { return t.cfg.NodeID }

// ListenAddr returns the bound listener address, useful when the
// configured port is 0.
func (t *Transport) ListenAddr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Peers returns the node IDs of all connected peers
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// PeerAddr returns the listen address of a connected peer
func (t *Transport) PeerAddr(nodeID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return "", false
	}
	return p.Addr, true
}

// AddCandidate adds a discovered address to the dial candidate set
func (t *Transport) AddCandidate(addr string) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	t.known[addr] = struct{}{}
	t.mu.Unlock()
}

// KnownAddrs returns a snapshot of candidate addresses plus the
// addresses of live peers, used by PEX.
func (t *Transport) KnownAddrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.known)+len(t.peers))
	seen := map[string]struct{}{}
	for a := range t.known {
		out = append(out, a)
		seen[a] = struct{}{}
	}
	for _, p := range t.peers {
		if _, dup := seen[p.Addr]; !dup && p.Addr != "" {
			out = append(out, p.Addr)
		}
	}
	return out
}

// Broadcast sends a message to all connected peers, optionally skipping
// one node (the sender of a flooded message). Send failures are
// non-fatal; gossip anti-entropy retransmits logically equivalent state.
func (t *Transport) Broadcast(m *Message, excludeNodeID string) {
	t.mu.RLock()
	targets := make([]*Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if id == excludeNodeID {
			continue
		}
		targets = append(targets, p)
	}
	t.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(m); err != nil {
			log.WithPeer(p.Addr).Debug().Err(err).Msg("broadcast send failed")
		}
	}
	metrics.GossipMessagesOut.Inc()
}

// SendTo delivers a message to one peer by node ID
func (t *Transport) SendTo(nodeID string, m *Message) error {
	t.mu.RLock()
	p, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not connected to node %s", nodeID)
	}
	return p.send(m)
}

// Connect dials an address and performs the HELLO handshake
func (t *Transport) Connect(addr string) error {
	t.mu.Lock()
	if len(t.peers) >= t.cfg.MaxPeers {
		t.mu.Unlock()
		return fmt.Errorf("peer limit reached")
	}
	t.lastDial[addr] = time.Now()
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return err
	}
	return t.handshake(conn, true)
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				continue
			}
		}
		go func() {
			if err := t.handshake(conn, false); err != nil {
				log.WithComponent("transport").Debug().Err(err).Msg("inbound handshake failed")
			}
		}()
	}
}

// handshake exchanges HELLOs. The dialer speaks first. A peer claiming
// our own node ID is rejected and the socket closed.
func (t *Transport) handshake(conn net.Conn, outbound bool) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	hello := &HelloPayload{
		NodeID:   t.cfg.NodeID,
		Host:     t.cfg.Host,
		P2PPort:  t.cfg.P2PPort,
		HTTPPort: t.cfg.HTTPPort,
		Role:     t.cfg.Role,
	}
	ours, err := NewMessage(MsgHello, t.cfg.NodeID, 0, hello)
	if err != nil {
		conn.Close()
		return err
	}

	if outbound {
		if err := WriteFrame(conn, ours); err != nil {
			conn.Close()
			return err
		}
	}
	msg, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if msg.Type != MsgHello {
		conn.Close()
		return fmt.Errorf("expected HELLO, got 0x%02x", uint16(msg.Type))
	}
	var theirs HelloPayload
	if err := msg.Decode(&theirs); err != nil {
		conn.Close()
		return err
	}
	if theirs.NodeID == t.cfg.NodeID {
		conn.Close()
		return fmt.Errorf("peer claims our own node id")
	}
	if !outbound {
		if err := WriteFrame(conn, ours); err != nil {
			conn.Close()
			return err
		}
	}
	conn.SetDeadline(time.Time{})

	peer := &Peer{
		NodeID:   theirs.NodeID,
		Addr:     fmt.Sprintf("%s:%d", theirs.Host, theirs.P2PPort),
		conn:     conn,
		outbound: outbound,
	}
	if !t.registerPeer(peer) {
		conn.Close()
		return nil // lost the duplicate-edge tiebreak
	}

	t.handlerMu.RLock()
	up := t.onPeerUp
	t.handlerMu.RUnlock()
	if up != nil {
		up(peer.NodeID, peer.Addr)
	}

	t.wg.Add(1)
	go t.readLoop(peer)
	return nil
}

// registerPeer installs a peer, collapsing duplicate edges: for any node
// pair the numerically lower node ID keeps its outbound connection and
// the higher keeps its inbound. Returns false if this edge loses.
func (t *Transport) registerPeer(p *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, dup := t.peers[p.NodeID]
	if dup {
		keepOutbound := t.cfg.NodeID < p.NodeID
		if existing.outbound == keepOutbound {
			return false // existing edge already the winner
		}
		if p.outbound != keepOutbound {
			return false
		}
		existing.close()
	}
	if !dup && len(t.peers) >= t.cfg.MaxPeers {
		return false
	}
	t.peers[p.NodeID] = p
	metrics.PeersConnected.Set(float64(len(t.peers)))
	log.WithComponent("transport").Info().
		Str("peer", p.NodeID).Str("addr", p.Addr).Bool("outbound", p.outbound).
		Msg("peer connected")
	return true
}

func (t *Transport) dropPeer(p *Peer) {
	t.mu.Lock()
	if cur, ok := t.peers[p.NodeID]; ok && cur == p {
		delete(t.peers, p.NodeID)
		metrics.PeersConnected.Set(float64(len(t.peers)))
	}
	t.mu.Unlock()
	p.close()
}

func (t *Transport) readLoop(p *Peer) {
	defer t.wg.Done()
	defer t.dropPeer(p)

	for {
		msg, err := ReadFrame(p.conn)
		if err != nil {
			// corrupt frame or dead socket closes the edge; honest
			// reconnects are accepted later
			return
		}
		switch msg.Type {
		case MsgPing:
			pong, _ := NewMessage(MsgPong, t.cfg.NodeID, 0, nil)
			_ = p.send(pong)
		case MsgPong:
			p.wmu.Lock()
			p.missed = 0
			p.wmu.Unlock()
		case MsgPex:
			var pex PexPayload
			if err := msg.Decode(&pex); err != nil {
				return
			}
			self := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.P2PPort)
			for _, a := range pex.Addrs {
				if a != self {
					t.AddCandidate(a)
				}
			}
		case MsgHello:
			// late HELLO is a protocol error
			return
		default:
			t.handlerMu.RLock()
			h := t.handler
			t.handlerMu.RUnlock()
			if h != nil {
				h(p.NodeID, msg)
			}
		}
	}
}

func (t *Transport) keepaliveLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping, _ := NewMessage(MsgPing, t.cfg.NodeID, 0, nil)
			t.mu.RLock()
			peers := make([]*Peer, 0, len(t.peers))
			for _, p := range t.peers {
				peers = append(peers, p)
			}
			t.mu.RUnlock()

			for _, p := range peers {
				p.wmu.Lock()
				p.missed++
				dead := p.missed > maxMissedPongs
				p.wmu.Unlock()
				if dead {
					log.WithPeer(p.Addr).Warn().Msg("peer missed pongs, closing")
					t.dropPeer(p)
					continue
				}
				_ = p.send(ping)
			}
		case <-t.stopCh:
			return
		}
	}
}

// reconnectLoop dials candidate addresses with per-address spacing and
// trades PEX with a connected peer each tick.
func (t *Transport) reconnectLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(reconnectTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.dialCandidates()
			t.sendPex()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) dialCandidates() {
	t.mu.RLock()
	if len(t.peers) >= t.cfg.MaxPeers {
		t.mu.RUnlock()
		return
	}
	connected := map[string]struct{}{}
	for _, p := range t.peers {
		connected[p.Addr] = struct{}{}
	}
	var candidates []string
	now := time.Now()
	for addr := range t.known {
		if _, up := connected[addr]; up {
			continue
		}
		if last, ok := t.lastDial[addr]; ok && now.Sub(last) < minDialSpacing {
			continue
		}
		candidates = append(candidates, addr)
	}
	t.mu.RUnlock()

	for _, addr := range candidates {
		if err := t.Connect(addr); err != nil {
			log.WithPeer(addr).Debug().Err(err).Msg("dial failed")
		}
	}
}

func (t *Transport) sendPex() {
	addrs := t.KnownAddrs()
	if len(addrs) == 0 {
		return
	}
	msg, err := NewMessage(MsgPex, t.cfg.NodeID, 0, &PexPayload{Addrs: addrs})
	if err != nil {
		return
	}
	t.Broadcast(msg, "")
}
