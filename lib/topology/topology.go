package topology

import (
	"fmt"
	"sort"
)

// ShardID identifies one shard (one replication group) of the cluster.
type ShardID uint32

// PartitionID identifies one partition of the key space. Partitions move
// between shards; keys never move between partitions.
type PartitionID uint32

// --------------------------------------------------------------------------
// Immutable topology snapshots
// --------------------------------------------------------------------------

// Topology is one immutable snapshot of the partition-to-shard assignment,
// identified by a dense sequence number. Every migration produces a new
// snapshot with the next sequence number.
type Topology struct {
	seqNum     uint64
	shardParts map[ShardID][]PartitionID
	partShard  map[PartitionID]ShardID
}

// New creates a snapshot from a full assignment. The partition lists are
// copied and kept sorted.
func New(seqNum uint64, assignment map[ShardID][]PartitionID) *Topology {
	t := &Topology{
		seqNum:     seqNum,
		shardParts: make(map[ShardID][]PartitionID, len(assignment)),
		partShard:  make(map[PartitionID]ShardID),
	}
	for shard, parts := range assignment {
		sorted := append([]PartitionID(nil), parts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		t.shardParts[shard] = sorted
		for _, pid := range sorted {
			t.partShard[pid] = shard
		}
	}
	return t
}

// SeqNum returns the snapshot's sequence number.
func (t *Topology) SeqNum() uint64 {
	return t.seqNum
}

// ShardOf returns the shard holding pid in this snapshot.
func (t *Topology) ShardOf(pid PartitionID) (ShardID, bool) {
	shard, ok := t.partShard[pid]
	return shard, ok
}

// PartitionsOf returns the sorted partitions of one shard. The returned
// slice is shared and must not be mutated.
func (t *Topology) PartitionsOf(shard ShardID) []PartitionID {
	return t.shardParts[shard]
}

// Shards returns all shard ids in ascending order.
func (t *Topology) Shards() []ShardID {
	shards := make([]ShardID, 0, len(t.shardParts))
	for s := range t.shardParts {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}

// Migrate derives the successor snapshot with pid moved to the given
// shard.
func (t *Topology) Migrate(pid PartitionID, to ShardID) (*Topology, error) {
	from, ok := t.partShard[pid]
	if !ok {
		return nil, fmt.Errorf("partition %d not in topology %d", pid, t.seqNum)
	}
	if from == to {
		return nil, fmt.Errorf("partition %d already on shard %d", pid, to)
	}
	if _, ok := t.shardParts[to]; !ok {
		return nil, fmt.Errorf("shard %d not in topology %d", to, t.seqNum)
	}

	assignment := make(map[ShardID][]PartitionID, len(t.shardParts))
	for shard, parts := range t.shardParts {
		kept := make([]PartitionID, 0, len(parts)+1)
		for _, p := range parts {
			if p != pid {
				kept = append(kept, p)
			}
		}
		if shard == to {
			kept = append(kept, pid)
		}
		assignment[shard] = kept
	}
	return New(t.seqNum+1, assignment), nil
}
