package storage

import (
	"github.com/mfrederico/voidlux/pkg/types"
)

// Store is the durable, single-source-of-truth state of one node.
// Every replicated entity lives here; in-memory caches elsewhere are
// advisory. Multi-statement invariant checks (CAS transitions, parent
// aggregation) run inside a single bbolt transaction.
type Store interface {
	Close() error

	// swarm_state key-value (node id, lamport counter, identity secret)
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error

	// Tasks
	PutTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListTasksByParent(parentID string) ([]*types.Task, error)
	ListTasksSince(ts uint64) ([]*types.Task, error)
	TransitionTask(id string, allowedFrom []types.TaskStatus, mutate func(*types.Task)) (bool, error)
	MergeTask(t *types.Task) (bool, error)
	AggregateParent(parentID string, decide func(parent *types.Task, siblings []*types.Task) *types.Task) error

	// Agents
	PutAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	DeleteAgent(id string) error
	ListAgents() ([]*types.Agent, error)
	ListAgentsByNode(nodeID string) ([]*types.Agent, error)
	ListAgentsSince(ts uint64) ([]*types.Agent, error)
	MergeAgent(a *types.Agent) (bool, error)

	// Identities
	PutIdentity(i *types.Identity) error
	GetIdentity(did string) (*types.Identity, error)
	ListIdentities() ([]*types.Identity, error)
	ListIdentitiesSince(ts uint64) ([]*types.Identity, error)
	MergeIdentity(i *types.Identity) (bool, error)

	// Credentials
	PutCredential(c *types.Credential) error
	GetCredential(id string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	ListCredentialsBySubject(subjectDID, credType string) ([]*types.Credential, error)
	ListCredentialsSince(ts uint64) ([]*types.Credential, error)
	MergeCredential(c *types.Credential) (bool, error)

	// Marketplace
	PutOffering(o *types.Offering) error
	GetOffering(id string) (*types.Offering, error)
	ListOfferings() ([]*types.Offering, error)
	ListOfferingsSince(ts uint64) ([]*types.Offering, error)
	MergeOffering(o *types.Offering) (bool, error)

	PutTribute(t *types.Tribute) error
	GetTribute(id string) (*types.Tribute, error)
	ListTributes() ([]*types.Tribute, error)
	MergeTribute(t *types.Tribute) (bool, error)

	PutBounty(b *types.Bounty) error
	GetBounty(id string) (*types.Bounty, error)
	ListBounties() ([]*types.Bounty, error)
	ListBountiesByStatus(status types.BountyStatus) ([]*types.Bounty, error)
	ListBountiesSince(ts uint64) ([]*types.Bounty, error)
	MergeBounty(b *types.Bounty) (bool, error)

	// Message board
	PutPost(p *types.Post) error
	GetPost(id string) (*types.Post, error)
	ListPosts() ([]*types.Post, error)
	ListPostsSince(ts uint64) ([]*types.Post, error)
	MergePost(p *types.Post) (bool, error)

	// Wallet ledger (append-only)
	AppendWalletEntry(e *types.WalletEntry) error
	ListWalletEntries() ([]*types.WalletEntry, error)

	// Watermarks returns the max known lamport_ts per entity class,
	// used by anti-entropy SYNC_REQ.
	Watermarks() (map[string]uint64, error)
}
