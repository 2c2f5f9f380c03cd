// Package store holds the node-local partition data the scan protocol
// reads. Partitions open and close as they migrate between shards,
// decoupled from when the node learns the topology describing the move;
// per-partition catch-up watermarks record how much of a migrated-in
// partition's data has actually arrived.
package store
