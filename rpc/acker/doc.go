// Package acker implements the consumer side of the replication stream:
// replicas and arbiters that replay the master's commit log and
// acknowledge durability.
//
// A Runner owns the outer lifecycle - locate the master through a
// MasterView, connect, handshake, then hand the channel to an Acker.
// Failures are classified against the error taxonomy: network and service
// faults retry within separate budgets, a group shutdown or a reclaimed
// start position ends replication for good.
//
// The Acker joins three loops with two bounded queues. The read loop
// routes wire messages into the request queue, poll-retrying while it is
// full so backpressure reaches the master instead of dropping messages.
// The replay loop applies them through an IApplier and groups durability:
// one Sync per commit group, then the group's acks in commit order. The
// output loop writes acks back. Shutdown is ordered the same way every
// time: reader first, then replay, then output, then the channel.
package acker
