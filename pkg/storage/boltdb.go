package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/mfrederico/voidlux/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks       = []byte("tasks")
	bucketAgents      = []byte("agents")
	bucketIdentities  = []byte("identities")
	bucketCredentials = []byte("credentials")
	bucketOfferings   = []byte("offerings")
	bucketTributes    = []byte("tributes")
	bucketBounties    = []byte("bounties")
	bucketMessages    = []byte("messages")
	bucketWallet      = []byte("wallet_ledger")
	bucketSwarmState  = []byte("swarm_state")
)

// Entity class names used by Watermarks and anti-entropy
const (
	ClassTasks       = "tasks"
	ClassAgents      = "agents"
	ClassIdentities  = "identities"
	ClassCredentials = "credentials"
	ClassOfferings   = "offerings"
	ClassBounties    = "bounties"
	ClassPosts       = "messages"
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "voidlux.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketAgents,
			bucketIdentities,
			bucketCredentials,
			bucketOfferings,
			bucketTributes,
			bucketBounties,
			bucketMessages,
			bucketWallet,
			bucketSwarmState,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- swarm_state key-value ---

// GetState returns the value for a swarm_state key, or nil if absent
func (s *BoltStore) GetState(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSwarmState).Get([]byte(key))
		if data != nil {
			value = make([]byte, len(data))
			copy(value, data)
		}
		return nil
	})
	return value, err
}

// PutState stores a swarm_state key-value pair
func (s *BoltStore) PutState(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSwarmState).Put([]byte(key), value)
	})
}

// --- generic bucket helpers ---

func putJSON(s *BoltStore, bucket []byte, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func getJSON[T any](s *BoltStore, bucket []byte, id, kind string) (*T, error) {
	var v T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s not found: %s", kind, id)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func listJSON[T any](s *BoltStore, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if keep == nil || keep(&item) {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}

// mergeLWW applies a remote record iff it wins last-writer-wins against
// the stored one. meta extracts (lamport_ts, writer node id) from a
// record; the comparison happens inside one write transaction so a
// concurrent local mutation cannot be lost.
func mergeLWW[T any](s *BoltStore, bucket []byte, id string, remote *T, meta func(*T) (uint64, string)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(id))
		if data != nil {
			var local T
			if err := json.Unmarshal(data, &local); err != nil {
				return err
			}
			lts, lnode := meta(&local)
			rts, rnode := meta(remote)
			if !types.Newer(rts, rnode, lts, lnode) {
				return nil
			}
		}
		out, err := json.Marshal(remote)
		if err != nil {
			return err
		}
		applied = true
		return b.Put([]byte(id), out)
	})
	return applied, err
}

// --- Task operations ---

func taskMeta(t *types.Task) (uint64, string) {
	node := t.AssignedNodeID
	if node == "" {
		node = t.CreatedBy
	}
	return t.LamportTS, node
}

func (s *BoltStore) PutTask(t *types.Task) error {
	return putJSON(s, bucketTasks, t.ID, t)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	return getJSON[types.Task](s, bucketTasks, id, "task")
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	return listJSON[types.Task](s, bucketTasks, nil)
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	return listJSON(s, bucketTasks, func(t *types.Task) bool {
		return t.Status == status
	})
}

func (s *BoltStore) ListTasksByParent(parentID string) ([]*types.Task, error) {
	return listJSON(s, bucketTasks, func(t *types.Task) bool {
		return t.ParentID == parentID
	})
}

func (s *BoltStore) ListTasksSince(ts uint64) ([]*types.Task, error) {
	return listJSON(s, bucketTasks, func(t *types.Task) bool {
		return t.LamportTS > ts
	})
}

// TransitionTask performs a compare-and-swap status transition: mutate
// runs only if the persisted status is in allowedFrom. Returns false
// without error when the CAS fails; the caller must not assume the
// mutation applied. Terminal states never transition.
func (s *BoltStore) TransitionTask(id string, allowedFrom []types.TaskStatus, mutate func(*types.Task)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		ok := false
		for _, from := range allowedFrom {
			if task.Status == from {
				ok = true
				break
			}
		}
		if !ok {
			return nil
		}
		mutate(&task)
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		applied = true
		return b.Put([]byte(id), out)
	})
	return applied, err
}

// MergeTask applies a gossiped task under last-writer-wins. Lifecycle
// re-entries are legitimate: the integrator requeues completed subtasks
// on merge conflicts, and the requeue carries a fresh Lamport stamp, so
// a terminal local copy yields to any newer remote record. Stale
// non-terminal echoes still lose on timestamp.
func (s *BoltStore) MergeTask(t *types.Task) (bool, error) {
	return mergeLWW(s, bucketTasks, t.ID, t, taskMeta)
}

// AggregateParent re-reads the parent and all its subtasks inside one
// transaction and stores whatever record decide returns. decide returns
// nil to abort with no change (e.g. a sibling is still running).
func (s *BoltStore) AggregateParent(parentID string, decide func(parent *types.Task, siblings []*types.Task) *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(parentID))
		if data == nil {
			return fmt.Errorf("task not found: %s", parentID)
		}
		var parent types.Task
		if err := json.Unmarshal(data, &parent); err != nil {
			return err
		}

		var siblings []*types.Task
		err := b.ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.ParentID == parentID {
				siblings = append(siblings, &t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		updated := decide(&parent, siblings)
		if updated == nil {
			return nil
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		return b.Put([]byte(parentID), out)
	})
}

// --- Agent operations ---

func (s *BoltStore) PutAgent(a *types.Agent) error {
	return putJSON(s, bucketAgents, a.ID, a)
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	return getJSON[types.Agent](s, bucketAgents, id, "agent")
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	return listJSON[types.Agent](s, bucketAgents, nil)
}

func (s *BoltStore) ListAgentsByNode(nodeID string) ([]*types.Agent, error) {
	return listJSON(s, bucketAgents, func(a *types.Agent) bool {
		return a.NodeID == nodeID
	})
}

func (s *BoltStore) ListAgentsSince(ts uint64) ([]*types.Agent, error) {
	return listJSON(s, bucketAgents, func(a *types.Agent) bool {
		return a.LamportTS > ts
	})
}

func (s *BoltStore) MergeAgent(a *types.Agent) (bool, error) {
	return mergeLWW(s, bucketAgents, a.ID, a, func(x *types.Agent) (uint64, string) {
		return x.LamportTS, x.NodeID
	})
}

// --- Identity operations ---

func (s *BoltStore) PutIdentity(i *types.Identity) error {
	return putJSON(s, bucketIdentities, i.DID, i)
}

func (s *BoltStore) GetIdentity(did string) (*types.Identity, error) {
	return getJSON[types.Identity](s, bucketIdentities, did, "identity")
}

func (s *BoltStore) ListIdentities() ([]*types.Identity, error) {
	return listJSON[types.Identity](s, bucketIdentities, nil)
}

func (s *BoltStore) ListIdentitiesSince(ts uint64) ([]*types.Identity, error) {
	return listJSON(s, bucketIdentities, func(i *types.Identity) bool {
		return i.LamportTS > ts
	})
}

func (s *BoltStore) MergeIdentity(i *types.Identity) (bool, error) {
	return mergeLWW(s, bucketIdentities, i.DID, i, func(x *types.Identity) (uint64, string) {
		return x.LamportTS, x.NodeID
	})
}

// --- Credential operations ---

func (s *BoltStore) PutCredential(c *types.Credential) error {
	return putJSON(s, bucketCredentials, c.ID, c)
}

func (s *BoltStore) GetCredential(id string) (*types.Credential, error) {
	return getJSON[types.Credential](s, bucketCredentials, id, "credential")
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	return listJSON[types.Credential](s, bucketCredentials, nil)
}

func (s *BoltStore) ListCredentialsBySubject(subjectDID, credType string) ([]*types.Credential, error) {
	return listJSON(s, bucketCredentials, func(c *types.Credential) bool {
		if c.SubjectDID != subjectDID {
			return false
		}
		return credType == "" || c.Type == credType
	})
}

func (s *BoltStore) ListCredentialsSince(ts uint64) ([]*types.Credential, error) {
	return listJSON(s, bucketCredentials, func(c *types.Credential) bool {
		return c.LamportTS > ts
	})
}

func (s *BoltStore) MergeCredential(c *types.Credential) (bool, error) {
	// Credentials are immutable; first writer wins, duplicates are no-ops
	return mergeLWW(s, bucketCredentials, c.ID, c, func(x *types.Credential) (uint64, string) {
		return x.LamportTS, x.IssuerDID
	})
}

// Watermarks returns the max known lamport_ts per entity class
func (s *BoltStore) Watermarks() (map[string]uint64, error) {
	marks := map[string]uint64{}
	type classBucket struct {
		class  string
		bucket []byte
	}
	scans := []classBucket{
		{ClassTasks, bucketTasks},
		{ClassAgents, bucketAgents},
		{ClassIdentities, bucketIdentities},
		{ClassCredentials, bucketCredentials},
		{ClassOfferings, bucketOfferings},
		{ClassBounties, bucketBounties},
		{ClassPosts, bucketMessages},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, p := range scans {
			var max uint64
			err := tx.Bucket(p.bucket).ForEach(func(k, v []byte) error {
				var partial struct {
					LamportTS uint64 `json:"lamport_ts"`
				}
				if err := json.Unmarshal(v, &partial); err != nil {
					return err
				}
				if partial.LamportTS > max {
					max = partial.LamportTS
				}
				return nil
			})
			if err != nil {
				return err
			}
			marks[p.class] = max
		}
		return nil
	})
	return marks, err
}
