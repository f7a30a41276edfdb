package census

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

const recordTTL = 10 * time.Minute

// Mesh is the transport surface the census runs over
type Mesh interface {
	NodeID() string
	SendTo(nodeID string, m *transport.Message) error
	Broadcast(m *transport.Message, excludeNodeID string)
}

// Report is one node's answer to a census request
type Report struct {
	Node       types.NodeInfo `json:"node"`
	IdleAgents int            `json:"idle_agents"`
	Agents     int            `json:"agents"`
	Tasks      map[string]int `json:"tasks"` // status -> count
	Caps       []string       `json:"capabilities,omitempty"`
}

// agentSyncPayload carries a full local agent list to one peer
type agentSyncPayload struct {
	Agents []*types.Agent `json:"agents"`
}

// Census keeps a TTL-bounded registry of swarm membership: node
// records from NODE_ANNOUNCE and per-node reports from CENSUS_RSP.
// Everything here is advisory observation; the gossiped store remains
// the source of truth.
type Census struct {
	mesh  Mesh
	store storage.Store
	self  types.NodeInfo

	nodes   *cache.Cache // node id -> types.NodeInfo
	reports *cache.Cache // node id -> Report
}

// New creates a census keyed by this node's own record
func New(mesh Mesh, store storage.Store, self types.NodeInfo) *Census {
	return &Census{
		mesh:    mesh,
		store:   store,
		self:    self,
		nodes:   cache.New(recordTTL, time.Minute),
		reports: cache.New(recordTTL, time.Minute),
	}
}

// AnnounceSelf broadcasts this node's registry record
func (c *Census) AnnounceSelf() {
	msg, err := transport.NewMessage(transport.MsgNodeAnnounce, c.mesh.NodeID(), 0, &c.self)
	if err != nil {
		return
	}
	c.mesh.Broadcast(msg, "")
}

// Query asks one peer for its registry record
func (c *Census) Query(nodeID string) {
	msg, err := transport.NewMessage(transport.MsgNodeQuery, c.mesh.NodeID(), 0, nil)
	if err != nil {
		return
	}
	_ = c.mesh.SendTo(nodeID, msg)
}

// Take broadcasts a census request; answers accumulate in Reports
func (c *Census) Take() {
	msg, err := transport.NewMessage(transport.MsgCensusReq, c.mesh.NodeID(), 0, nil)
	if err != nil {
		return
	}
	c.mesh.Broadcast(msg, "")
}

// AdvertiseCapabilities broadcasts this node's capability summary so
// the emperor can weigh dispatch without waiting for a census round.
func (c *Census) AdvertiseCapabilities() {
	msg, err := transport.NewMessage(transport.MsgCapabilityAdvertise, c.mesh.NodeID(), 0, c.report())
	if err != nil {
		return
	}
	c.mesh.Broadcast(msg, "")
}

// SyncAgents pushes the full local agent list to one peer. Complements
// gossip after a partition: the peer merges by LWW.
func (c *Census) SyncAgents(nodeID string) {
	agents, err := c.store.ListAgentsByNode(c.mesh.NodeID())
	if err != nil || len(agents) == 0 {
		return
	}
	msg, err := transport.NewMessage(transport.MsgAgentSync, c.mesh.NodeID(), 0, &agentSyncPayload{Agents: agents})
	if err != nil {
		return
	}
	_ = c.mesh.SendTo(nodeID, msg)
}

// Nodes returns the known registry records
func (c *Census) Nodes() []types.NodeInfo {
	items := c.nodes.Items()
	out := make([]types.NodeInfo, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(types.NodeInfo))
	}
	return out
}

// Reports returns the latest census answers
func (c *Census) Reports() []Report {
	items := c.reports.Items()
	out := make([]Report, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Report))
	}
	return out
}

// HandleMessage processes the census (0x50-0x52), node registry
// (0xB0-0xB1) and capability advertisement (0xC5) tags. Returns false
// for anything else.
func (c *Census) HandleMessage(from string, msg *transport.Message) bool {
	switch msg.Type {
	case transport.MsgNodeAnnounce:
		var info types.NodeInfo
		if err := msg.Decode(&info); err != nil {
			return true
		}
		c.nodes.Set(info.ID, info, recordTTL)

	case transport.MsgNodeQuery:
		rsp, err := transport.NewMessage(transport.MsgNodeAnnounce, c.mesh.NodeID(), 0, &c.self)
		if err == nil {
			_ = c.mesh.SendTo(from, rsp)
		}

	case transport.MsgCensusReq:
		rsp, err := transport.NewMessage(transport.MsgCensusRsp, c.mesh.NodeID(), 0, c.report())
		if err == nil {
			_ = c.mesh.SendTo(from, rsp)
		}

	case transport.MsgCensusRsp:
		var rep Report
		if err := msg.Decode(&rep); err != nil {
			return true
		}
		c.reports.Set(rep.Node.ID, rep, recordTTL)

	case transport.MsgAgentSync:
		var sync agentSyncPayload
		if err := msg.Decode(&sync); err != nil {
			return true
		}
		for _, a := range sync.Agents {
			if _, err := c.store.MergeAgent(a); err != nil {
				log.WithComponent("census").Debug().Err(err).Str("agent_id", a.ID).Msg("agent sync merge failed")
			}
		}

	case transport.MsgCapabilityAdvertise:
		var rep Report
		if err := msg.Decode(&rep); err != nil {
			return true
		}
		// capability adverts refresh the same per-node report slot
		c.reports.Set(rep.Node.ID, rep, recordTTL)

	default:
		return false
	}
	return true
}

// report summarises this node's local state
func (c *Census) report() *Report {
	rep := &Report{Node: c.self, Tasks: map[string]int{}}

	capSet := map[string]struct{}{}
	if agents, err := c.store.ListAgentsByNode(c.mesh.NodeID()); err == nil {
		for _, a := range agents {
			if a.Tombstone {
				continue
			}
			rep.Agents++
			if a.Status == types.AgentIdle {
				rep.IdleAgents++
			}
			for _, name := range a.Capabilities {
				capSet[name] = struct{}{}
			}
		}
	}
	for name := range capSet {
		rep.Caps = append(rep.Caps, name)
	}

	if tasks, err := c.store.ListTasks(); err == nil {
		for _, t := range tasks {
			rep.Tasks[string(t.Status)]++
		}
	}
	return rep
}
