/*
Package types defines the replicated domain model shared by every voidlux
component: tasks, agents, identities, credentials, and the marketplace
records (offerings, tributes, bounties, capability profiles).

Every replicated entity carries a LamportTS field. Convergence across the
swarm is last-writer-wins on that timestamp, with ties broken by the
higher node ID (see Newer). Task and bounty status enums are the only
state machines; their transition rules live in pkg/queue and pkg/broker
respectively, while this package only answers "is this terminal".
*/
package types
