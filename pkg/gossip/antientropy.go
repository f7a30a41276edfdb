package gossip

import (
	"math/rand"
	"time"

	"github.com/mfrederico/voidlux/pkg/log"
	"github.com/mfrederico/voidlux/pkg/metrics"
	"github.com/mfrederico/voidlux/pkg/storage"
	"github.com/mfrederico/voidlux/pkg/transport"
	"github.com/mfrederico/voidlux/pkg/types"
)

// syncReqPayload carries the requester's high-water marks. The
// responder returns only records stamped strictly above them.
type syncReqPayload struct {
	Watermarks map[string]uint64 `json:"watermarks"`
}

// syncRspPayload is the full-state delta across every replicated class
type syncRspPayload struct {
	Tasks       []*types.Task       `json:"tasks,omitempty"`
	Agents      []*types.Agent      `json:"agents,omitempty"`
	Identities  []*types.Identity   `json:"identities,omitempty"`
	Credentials []*types.Credential `json:"credentials,omitempty"`
	Offerings   []*types.Offering   `json:"offerings,omitempty"`
	Bounties    []*types.Bounty     `json:"bounties,omitempty"`
	Posts       []*types.Post       `json:"posts,omitempty"`
}

// SyncNow requests a full-state delta from one peer. Used at startup
// before the first periodic round fires.
func (e *Engine) SyncNow(peerID string) {
	marks, err := e.store.Watermarks()
	if err != nil {
		return
	}
	msg, err := transport.NewMessage(transport.MsgSyncReq, e.transport.NodeID(), e.clock.Tick(), &syncReqPayload{Watermarks: marks})
	if err != nil {
		return
	}
	if err := e.transport.SendTo(peerID, msg); err != nil {
		log.WithComponent("gossip").Debug().Err(err).Str("peer", peerID).Msg("sync request failed")
	}
}

func (e *Engine) antiEntropyLoop() {
	for {
		span := e.cfg.AntiEntropyMax - e.cfg.AntiEntropyMin
		wait := e.cfg.AntiEntropyMin
		if span > 0 {
			wait += time.Duration(rand.Int63n(int64(span)))
		}
		select {
		case <-time.After(wait):
			e.pullRound()
		case <-e.stopCh:
			return
		}
	}
}

// pullRound picks one random connected peer and asks for everything
// newer than our watermarks. Random pairing converges the mesh in
// O(log n) rounds without any coordination.
func (e *Engine) pullRound() {
	peers := e.transport.Peers()
	if len(peers) == 0 {
		return
	}
	e.SyncNow(peers[rand.Intn(len(peers))])
	metrics.AntiEntropyRounds.Inc()
}

func (e *Engine) handleSyncReq(from string, msg *transport.Message) {
	var req syncReqPayload
	if err := msg.Decode(&req); err != nil {
		return
	}
	rsp, err := e.collectSince(req.Watermarks)
	if err != nil {
		log.WithComponent("gossip").Error().Err(err).Msg("sync collect failed")
		return
	}
	out, err := transport.NewMessage(transport.MsgSyncRsp, e.transport.NodeID(), e.clock.Tick(), rsp)
	if err != nil {
		return
	}
	_ = e.transport.SendTo(from, out)
}

func (e *Engine) collectSince(marks map[string]uint64) (*syncRspPayload, error) {
	rsp := &syncRspPayload{}
	var err error
	if rsp.Tasks, err = e.store.ListTasksSince(marks[storage.ClassTasks]); err != nil {
		return nil, err
	}
	if rsp.Agents, err = e.store.ListAgentsSince(marks[storage.ClassAgents]); err != nil {
		return nil, err
	}
	if rsp.Identities, err = e.store.ListIdentitiesSince(marks[storage.ClassIdentities]); err != nil {
		return nil, err
	}
	if rsp.Credentials, err = e.store.ListCredentialsSince(marks[storage.ClassCredentials]); err != nil {
		return nil, err
	}
	if rsp.Offerings, err = e.store.ListOfferingsSince(marks[storage.ClassOfferings]); err != nil {
		return nil, err
	}
	if rsp.Bounties, err = e.store.ListBountiesSince(marks[storage.ClassBounties]); err != nil {
		return nil, err
	}
	if rsp.Posts, err = e.store.ListPostsSince(marks[storage.ClassPosts]); err != nil {
		return nil, err
	}
	return rsp, nil
}

// handleSyncRsp merges a delta. Records flow through the same Merge*
// paths as flooded messages, so LWW and tombstone handling apply
// identically. Deltas are not re-flooded.
func (e *Engine) handleSyncRsp(from string, msg *transport.Message) {
	var rsp syncRspPayload
	if err := msg.Decode(&rsp); err != nil {
		return
	}
	applied := 0
	for _, t := range rsp.Tasks {
		if ok, err := e.store.MergeTask(t); err == nil && ok {
			applied++
		}
	}
	for _, a := range rsp.Agents {
		if _, dead := e.tombstones.Get(a.ID); dead && !a.Tombstone {
			continue
		}
		if ok, err := e.store.MergeAgent(a); err == nil && ok {
			applied++
		}
	}
	for _, id := range rsp.Identities {
		if ok, err := e.store.MergeIdentity(id); err == nil && ok {
			applied++
		}
	}
	for _, c := range rsp.Credentials {
		if e.verifier == nil || e.verifier.VerifyCredential(c) != nil {
			continue
		}
		if ok, err := e.store.MergeCredential(c); err == nil && ok {
			applied++
		}
	}
	for _, o := range rsp.Offerings {
		if ok, err := e.store.MergeOffering(o); err == nil && ok {
			applied++
		}
	}
	for _, b := range rsp.Bounties {
		if ok, err := e.store.MergeBounty(b); err == nil && ok {
			applied++
		}
	}
	for _, p := range rsp.Posts {
		if ok, err := e.store.MergePost(p); err == nil && ok {
			applied++
		}
	}
	if applied > 0 {
		log.WithComponent("gossip").Debug().Str("peer", from).Int("applied", applied).Msg("anti-entropy merged delta")
	}
}
