package types

import (
	"time"
)

// NodeRole defines the soft role of a node in the swarm
type NodeRole string

const (
	NodeRoleEmperor   NodeRole = "emperor"
	NodeRoleWorker    NodeRole = "worker"
	NodeRoleSeneschal NodeRole = "seneschal"
)

// NodeInfo describes a node in the swarm mesh
type NodeInfo struct {
	ID        string    `json:"id"` // 32-hex, generated on first boot
	Role      NodeRole  `json:"role"`
	Host      string    `json:"host"`
	HTTPPort  int       `json:"http_port"`
	P2PPort   int       `json:"p2p_port"`
	PublicKey string    `json:"public_key"` // Ed25519, hex
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskPlanning      TaskStatus = "planning"
	TaskBlocked       TaskStatus = "blocked"
	TaskClaimed       TaskStatus = "claimed"
	TaskInProgress    TaskStatus = "in_progress"
	TaskWaitingInput  TaskStatus = "waiting_input"
	TaskPendingReview TaskStatus = "pending_review"
	TaskMerging       TaskStatus = "merging"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether a task status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ReviewStatus represents the review state of a task
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
)

// Rejection records one reviewer rejection of a task. The display form
// "[Rejection N] feedback" is derived, never stored.
type Rejection struct {
	Attempt   int       `json:"attempt"`
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxRejections is the number of reviewer rejections after which a task fails.
const MaxRejections = 3

// MaxMergeAttempts bounds the merge-test-retry loop of the integrator.
const MaxMergeAttempts = 3

// Task is the unit of replicated work
type Task struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	WorkInstructions   string       `json:"work_instructions"`
	AcceptanceCriteria string       `json:"acceptance_criteria"`
	Priority           int          `json:"priority"`
	RequiredCaps       []string     `json:"required_capabilities,omitempty"`
	ProjectPath        string       `json:"project_path,omitempty"` // filesystem path or git URL
	Context            string       `json:"context,omitempty"`
	CreatedBy          string       `json:"created_by"` // node ID
	AssignedAgentID    string       `json:"assigned_agent_id,omitempty"`
	AssignedNodeID     string       `json:"assigned_node_id,omitempty"`
	Result             string       `json:"result,omitempty"`
	Error              string       `json:"error,omitempty"`
	Progress           string       `json:"progress,omitempty"`
	ParentID           string       `json:"parent_id,omitempty"`
	DependsOn          []string     `json:"depends_on,omitempty"`
	Status             TaskStatus   `json:"status"`
	ReviewStatus       ReviewStatus `json:"review_status"`
	Rejections         []Rejection  `json:"rejections,omitempty"`
	Archived           bool         `json:"archived"`
	GitBranch          string       `json:"git_branch,omitempty"`
	MergeAttempts      int          `json:"merge_attempts"`
	TestCommand        string       `json:"test_command,omitempty"`
	AutoMerge          bool         `json:"auto_merge"`
	PRURL              string       `json:"pr_url,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ClaimedAt          time.Time    `json:"claimed_at,omitzero"`
	CompletedAt        time.Time    `json:"completed_at,omitzero"`
	LamportTS          uint64       `json:"lamport_ts"`
}

// AgentStatus represents the state of an executor agent
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentWaiting  AgentStatus = "waiting"
	// AgentOffline is derived locally from heartbeat age; never gossiped
	// as an agent's own status, only as a deregistration tombstone.
	AgentOffline AgentStatus = "offline"
)

// Agent represents an executor agent hosted on a node
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	NodeID        string      `json:"node_id"`
	Tool          string      `json:"tool"`
	Model         string      `json:"model"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	SessionID     string      `json:"session_id,omitempty"` // multiplexer session
	ProjectPath   string      `json:"project_path,omitempty"`
	MaxConcurrent int         `json:"max_concurrent_tasks"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Tombstone     bool        `json:"tombstone,omitempty"` // deregistration marker
	RegisteredAt  time.Time   `json:"registered_at"`
	LamportTS     uint64      `json:"lamport_ts"`
}

// Identity maps a DID to a node's public key and role
type Identity struct {
	DID       string    `json:"did"` // did:<realm>:<node-id>
	NodeID    string    `json:"node_id"`
	PublicKey string    `json:"public_key"` // Ed25519, hex
	Role      NodeRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	LamportTS uint64    `json:"lamport_ts"`
}

// Credential is a signed attestation by one DID about another.
// Immutable once gossiped; Signature covers the canonical payload.
type Credential struct {
	ID         string                 `json:"id"`
	IssuerDID  string                 `json:"issuer_did"`
	SubjectDID string                 `json:"subject_did"`
	Type       string                 `json:"type"`
	Claims     map[string]interface{} `json:"claims,omitempty"`
	IssuedAt   time.Time              `json:"issued_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	Signature  string                 `json:"signature"` // detached Ed25519, hex
	LamportTS  uint64                 `json:"lamport_ts"`
}

// Well-known credential types
const (
	CredSwarmMember   = "swarm_member"
	CredEmperorTrust  = "emperor_trust"
	CredAgentOperator = "agent_operator"
)

// Offering advertises spare capacity to other swarms
type Offering struct {
	ID           string    `json:"id"`
	NodeID       string    `json:"node_id"`
	DID          string    `json:"did"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Slots        int       `json:"slots"`
	Price        int64     `json:"price"`
	Withdrawn    bool      `json:"withdrawn,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LamportTS    uint64    `json:"lamport_ts"`
}

// Tribute records an accepted cross-swarm trade
type Tribute struct {
	ID         string    `json:"id"`
	OfferingID string    `json:"offering_id"`
	TaskID     string    `json:"task_id"`
	FromDID    string    `json:"from_did"`
	ToDID      string    `json:"to_did"`
	Amount     int64     `json:"amount"`
	Accepted   bool      `json:"accepted"`
	CreatedAt  time.Time `json:"created_at"`
	LamportTS  uint64    `json:"lamport_ts"`
}

// BountyStatus tracks the marketplace lifecycle of delegated work
type BountyStatus string

const (
	BountyOpen      BountyStatus = "open"
	BountyClaimed   BountyStatus = "claimed"
	BountyCompleted BountyStatus = "completed"
	BountyCancelled BountyStatus = "cancelled"
	BountyExpired   BountyStatus = "expired"
)

// Bounty is work delegated across a swarm boundary
type Bounty struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	PosterNodeID string       `json:"poster_node_id"`
	PosterDID    string       `json:"poster_did"`
	ClaimerDID   string       `json:"claimer_did,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	RequiredCaps []string     `json:"required_capabilities,omitempty"`
	Reward       int64        `json:"reward"`
	Status       BountyStatus `json:"status"`
	Result       string       `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	LamportTS    uint64       `json:"lamport_ts"`
}

// CapabilityProfile summarises a node's fitness for delegated work
type CapabilityProfile struct {
	NodeID         string    `json:"node_id"`
	DID            string    `json:"did"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	AvgCompleteSec float64   `json:"avg_complete_seconds"`
	IdleAgents     int       `json:"idle_agents"`
	TotalAgents    int       `json:"total_agents"`
	ExpiresAt      time.Time `json:"expires_at"`
	LamportTS      uint64    `json:"lamport_ts"`
}

// PostKind classifies message-board posts
type PostKind string

const (
	PostTask         PostKind = "task"
	PostIdea         PostKind = "idea"
	PostBounty       PostKind = "bounty"
	PostAnnouncement PostKind = "announcement"
	PostDiscussion   PostKind = "discussion"
)

// PostState is the claim state of a message-board post
type PostState string

const (
	PostActive   PostState = "active"
	PostClaimed  PostState = "claimed"
	PostResolved PostState = "resolved"
	PostArchived PostState = "archived"
)

// Post is a free-form message-board record, gossiped like tasks
type Post struct {
	ID        string    `json:"id"`
	Kind      PostKind  `json:"kind"`
	State     PostState `json:"state"`
	AuthorDID string    `json:"author_did"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ClaimedBy string    `json:"claimed_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LamportTS uint64    `json:"lamport_ts"`
}

// WalletEntry is an append-only ledger record written when a bounty settles.
// Balances are advisory; no linearizability is claimed.
type WalletEntry struct {
	ID        string    `json:"id"`
	FromDID   string    `json:"from_did"`
	ToDID     string    `json:"to_did"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	LamportTS uint64    `json:"lamport_ts"`
}

// Reputation tracks per-remote-node delegation outcomes
type Reputation struct {
	NodeID       string    `json:"node_id"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	Abandoned    int       `json:"abandoned"`
	TotalSeconds float64   `json:"total_seconds"`
	LastSeen     time.Time `json:"last_seen"`
}

// Newer reports whether record A (ts, node) wins last-writer-wins against
// record B. Ties break toward the higher node ID so that concurrent writes
// converge identically on every node.
func Newer(tsA uint64, nodeA string, tsB uint64, nodeB string) bool {
	if tsA != tsB {
		return tsA > tsB
	}
	return nodeA > nodeB
}

// HasCapabilities reports whether an agent's capability set satisfies a
// task's requirements. An empty agent set is universal; an empty
// requirement set matches any agent.
func HasCapabilities(agentCaps, required []string) bool {
	if len(required) == 0 || len(agentCaps) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
