package store

import (
	"errors"

	"github.com/relog-db/relog/lib/topology"
)

// --------------------------------------------------------------------------
// Core types
// --------------------------------------------------------------------------

// Entry is one key/value pair of a partition, returned in key order by
// range scans.
type Entry struct {
	Key   string
	Value []byte
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrPartitionClosed is returned for operations on a partition this
	// node does not currently hold.
	ErrPartitionClosed = errors.New("partition not open on this node")

	// ErrPartitionOpen is returned when opening an already-open partition.
	ErrPartitionOpen = errors.New("partition already open on this node")
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IPartitionStore is the node-local view of the partitions a shard holds.
// Partitions open when the node receives them (at startup or by
// migration) and close when they migrate away. Opening and closing are
// deliberately decoupled from topology publication: a node may learn a
// new topology before or after the data movement it describes.
type IPartitionStore interface {
	// OpenPartition makes pid writable and scannable. caughtUpTo is the
	// topology sequence number whose data the partition fully contains; a
	// freshly migrated-in partition lags until its transfer finishes.
	OpenPartition(pid topology.PartitionID, caughtUpTo uint64) error

	// ClosePartition drops pid from this node, returning its entries for
	// transfer to the new owner.
	ClosePartition(pid topology.PartitionID) ([]Entry, error)

	// IsOpen reports whether pid is currently held here.
	IsOpen(pid topology.PartitionID) bool

	// OpenSet returns the sorted ids of all open partitions.
	OpenSet() []topology.PartitionID

	// CaughtUpTo returns pid's catch-up watermark.
	CaughtUpTo(pid topology.PartitionID) (uint64, bool)

	// MarkCaughtUp raises pid's catch-up watermark. It never lowers it.
	MarkCaughtUp(pid topology.PartitionID, seqNum uint64) error

	// Put stores one key/value pair in pid.
	Put(pid topology.PartitionID, key string, value []byte) error

	// ScanFrom returns up to limit entries of pid with keys strictly
	// greater than fromKey, in key order. The boolean reports whether
	// more entries remain.
	ScanFrom(pid topology.PartitionID, fromKey string, limit int) ([]Entry, bool, error)
}
