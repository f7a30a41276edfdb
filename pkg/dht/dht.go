package dht

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/transport"
)

const (
	refreshInterval = 5 * time.Minute
	valueTTL        = 30 * time.Minute
	lookupAlpha     = 3 // parallel query targets per round
)

// findPayload asks for nodes or a value
type findPayload struct {
	Target string `json:"target"` // node id or storage key
}

// nodesPayload answers a FIND_NODE
type nodesPayload struct {
	Target string   `json:"target"`
	Nodes  []Record `json:"nodes"`
}

// storePayload replicates a key-value record
type storePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// valuePayload answers a FIND_VALUE; Nodes is the fallback when the
// value is unknown.
type valuePayload struct {
	Key   string   `json:"key"`
	Value string   `json:"value,omitempty"`
	Found bool     `json:"found"`
	Nodes []Record `json:"nodes,omitempty"`
}

// DHT provides Kademlia-style WAN lookup over the mesh transport.
// Learned node addresses feed the transport's dial candidate set, so
// the DHT doubles as a discovery source. Values are node address
// records keyed by node ID.
type DHT struct {
	transport *transport.Transport
	table     *Table
	values    *cache.Cache

	stopCh chan struct{}
}

// New creates a DHT layered on the transport
func New(tr *transport.Transport) *DHT {
	return &DHT{
		transport: tr,
		table:     NewTable(tr.NodeID()),
		values:    cache.New(valueTTL, valueTTL/2),
		stopCh:    make(chan struct{}),
	}
}

// Table exposes the routing table (read-mostly; used by tests and census)
func (d *DHT) Table() *Table { return d.table }

// Start begins the periodic refresh loop
func (d *DHT) Start() {
	go d.refreshLoop()
}

// Stop terminates the refresh loop
func (d *DHT) Stop() {
	close(d.stopCh)
}

// Seen records a peer in the routing table, typically from OnPeerUp
func (d *DHT) Seen(nodeID, addr string) {
	d.table.Add(Record{NodeID: nodeID, Addr: addr, LastSeen: time.Now()})
}

// Store puts a key-value record locally and replicates it to the
// closest known, connected nodes.
func (d *DHT) Store(key, value string) {
	d.values.Set(key, value, valueTTL)

	msg, err := transport.NewMessage(transport.MsgDHTStore, d.transport.NodeID(), 0, &storePayload{Key: key, Value: value})
	if err != nil {
		return
	}
	for _, r := range d.table.Closest(key, BucketSize) {
		// replicate only along live edges; anti-entropy covers the rest
		_ = d.transport.SendTo(r.NodeID, msg)
	}
}

// Lookup returns a locally known value for key, or "" if unknown, and
// fires FIND_VALUE queries toward the closest peers so a later call can
// succeed. Asynchronous by design: callers poll.
func (d *DHT) Lookup(key string) (string, bool) {
	if v, ok := d.values.Get(key); ok {
		return v.(string), true
	}
	d.query(transport.MsgDHTFindValue, key)
	return "", false
}

// Bootstrap asks connected peers for nodes near our own ID
func (d *DHT) Bootstrap() {
	d.query(transport.MsgDHTFindNode, d.transport.NodeID())
}

func (d *DHT) query(t transport.MsgType, target string) {
	msg, err := transport.NewMessage(t, d.transport.NodeID(), 0, &findPayload{Target: target})
	if err != nil {
		return
	}
	peers := d.table.Closest(target, lookupAlpha)
	if len(peers) == 0 {
		// fall back to any connected peer
		for _, id := range d.transport.Peers() {
			peers = append(peers, Record{NodeID: id})
			if len(peers) >= lookupAlpha {
				break
			}
		}
	}
	for _, r := range peers {
		if err := d.transport.SendTo(r.NodeID, msg); err != nil {
			d.table.Remove(r.NodeID)
		}
	}
}

// HandleMessage processes the DHT tag spaces (0x90-0x95, 0xA0-0xA2).
// Returns false for messages outside those spaces.
func (d *DHT) HandleMessage(from string, msg *transport.Message) bool {
	switch msg.Type {
	case transport.MsgDHTFindNode:
		var req findPayload
		if err := msg.Decode(&req); err != nil {
			return true
		}
		rsp, err := transport.NewMessage(transport.MsgDHTNodesRsp, d.transport.NodeID(), 0, &nodesPayload{
			Target: req.Target,
			Nodes:  d.table.Closest(req.Target, BucketSize),
		})
		if err == nil {
			_ = d.transport.SendTo(from, rsp)
		}

	case transport.MsgDHTNodesRsp:
		var rsp nodesPayload
		if err := msg.Decode(&rsp); err != nil {
			return true
		}
		for _, r := range rsp.Nodes {
			d.table.Add(r)
			d.transport.AddCandidate(r.Addr)
		}

	case transport.MsgDHTStore:
		var req storePayload
		if err := msg.Decode(&req); err != nil {
			return true
		}
		d.values.Set(req.Key, req.Value, valueTTL)
		ack, err := transport.NewMessage(transport.MsgDHTStoreRsp, d.transport.NodeID(), 0, nil)
		if err == nil {
			_ = d.transport.SendTo(from, ack)
		}

	case transport.MsgDHTStoreRsp:
		// ack only; nothing to do

	case transport.MsgDHTFindValue:
		var req findPayload
		if err := msg.Decode(&req); err != nil {
			return true
		}
		rsp := &valuePayload{Key: req.Target}
		if v, ok := d.values.Get(req.Target); ok {
			rsp.Value = v.(string)
			rsp.Found = true
		} else {
			rsp.Nodes = d.table.Closest(req.Target, BucketSize)
		}
		out, err := transport.NewMessage(transport.MsgDHTValueRsp, d.transport.NodeID(), 0, rsp)
		if err == nil {
			_ = d.transport.SendTo(from, out)
		}

	case transport.MsgDHTValueRsp:
		var rsp valuePayload
		if err := msg.Decode(&rsp); err != nil {
			return true
		}
		if rsp.Found {
			d.values.Set(rsp.Key, rsp.Value, valueTTL)
		}
		for _, r := range rsp.Nodes {
			d.table.Add(r)
			d.transport.AddCandidate(r.Addr)
		}

	case transport.MsgDHTPing:
		pong, err := transport.NewMessage(transport.MsgDHTPong, d.transport.NodeID(), 0, nil)
		if err == nil {
			_ = d.transport.SendTo(from, pong)
		}

	case transport.MsgDHTPong, transport.MsgDHTBootstrap:
		// liveness only

	default:
		return false
	}
	return true
}

func (d *DHT) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Bootstrap()
			log.WithComponent("dht").Debug().Int("table_size", d.table.Size()).Msg("refresh")
		case <-d.stopCh:
			return
		}
	}
}
