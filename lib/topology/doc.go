// Package topology tracks the partition-to-shard assignment of the
// cluster as a sequence of immutable snapshots. Migrations derive
// successor snapshots; a History keeps the snapshots a node has learned so
// continuation tokens minted against older topologies stay interpretable.
package topology
