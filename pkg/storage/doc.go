/*
Package storage provides the durable per-node store backing the
replication plane.

The store is a single BoltDB file with one bucket per entity class
(tasks, agents, identities, credentials, offerings, tributes, bounties,
messages, wallet_ledger) plus a swarm_state key-value bucket holding the
node ID, the persisted Lamport counter, and the identity secret key.
Records are JSON-marshalled, keyed by entity ID.

Two operations carry the system's correctness weight:

  - TransitionTask is the compare-and-swap primitive: the status check
    and the update happen inside one write transaction, so concurrent
    reviewer, agent-report, and merge goroutines cannot lose updates.
    A failed CAS returns (false, nil); callers decide whether to retry.

  - The Merge* family applies gossiped records under last-writer-wins
    on lamport_ts with ties broken by the higher writer node ID, again
    inside one write transaction. MergeTask additionally refuses to
    resurrect a terminal task.

Direct Put* calls are reserved for records this node owns outright
(e.g. agents it hosts); everything arriving from the network goes
through Merge*.
*/
package storage
