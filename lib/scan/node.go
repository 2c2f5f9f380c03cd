package scan

import (
	"errors"
	"fmt"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/relog-db/relog/lib/store"
	"github.com/relog-db/relog/lib/topology"
)

var log = logger.GetLogger("scan")

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrConsistencyTimeout is returned when a node cannot reach the
	// consistency the scan requires within the wait budget. Retryable.
	ErrConsistencyTimeout = errors.New("node did not reach scan consistency in time")

	// ErrTopologyUnknown is returned when a node no longer holds the
	// topology snapshot a token was minted against. The scan must restart.
	ErrTopologyUnknown = errors.New("base topology no longer available")

	// ErrStaleVirtualScan is returned when a partition migrated again
	// after being recorded for a virtual scan. Terminal: the scan must
	// restart against a fresh topology.
	ErrStaleVirtualScan = errors.New("partition moved again, scan position unrecoverable")
)

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Request asks one shard for the next batch of a cluster-wide scan.
type Request struct {
	// BaseTopoNum pins the topology the scan was planned against.
	BaseTopoNum uint64

	// ResumePartition and ResumeKey locate the position within the shard.
	// Entries with keys strictly greater than ResumeKey are returned.
	ResumePartition topology.PartitionID
	ResumeKey       string

	// Limit caps the batch size.
	Limit int

	// VirtualPid, when nonzero, narrows the request to one migrated-in
	// partition instead of the shard's base assignment.
	VirtualPid topology.PartitionID
}

// Response carries one batch plus the position it ends at.
type Response struct {
	Entries []store.Entry

	// NextPartition and NextKey are the resume position when Done is
	// false.
	NextPartition topology.PartitionID
	NextKey       string

	// Done reports that this shard's base assignment (or the virtual
	// partition) is exhausted.
	Done bool

	// Migrated lists partitions of the base assignment that were found
	// missing: they moved to another shard after the base topology.
	Migrated []VirtualScanEntry
}

// Scanner is one shard's scan endpoint, local or remote.
type Scanner interface {
	Scan(req Request) (*Response, error)
}

// --------------------------------------------------------------------------
// Node-side executor
// --------------------------------------------------------------------------

// Node answers scan requests against one shard's partition store.
type Node struct {
	shard topology.ShardID
	topo  *topology.History
	parts store.IPartitionStore

	// ConsistencyWait bounds how long a request may wait for topology
	// recency and partition catch-up.
	ConsistencyWait time.Duration
}

// NewNode creates the scan executor of one shard member.
func NewNode(shard topology.ShardID, topo *topology.History, parts store.IPartitionStore) *Node {
	return &Node{
		shard:           shard,
		topo:            topo,
		parts:           parts,
		ConsistencyWait: 5 * time.Second,
	}
}

// Scan serves one batch. Before touching data the node waits until it is
// consistent enough for the request: it must have learned the base
// topology, and every partition it reads must have caught up to it.
func (n *Node) Scan(req Request) (*Response, error) {
	if !n.topo.WaitFor(req.BaseTopoNum, n.ConsistencyWait) {
		return nil, fmt.Errorf("topology %d: %w", req.BaseTopoNum, ErrConsistencyTimeout)
	}
	base, ok := n.topo.Get(req.BaseTopoNum)
	if !ok {
		return nil, fmt.Errorf("topology %d: %w", req.BaseTopoNum, ErrTopologyUnknown)
	}

	if req.VirtualPid != 0 {
		return n.virtualScan(req)
	}
	return n.baseScan(req, base)
}

// baseScan walks the partitions the base topology assigns this shard,
// resuming at the request position. Partitions that migrated away are
// reported, not chased.
func (n *Node) baseScan(req Request, base *topology.Topology) (*Response, error) {
	resp := &Response{}
	remaining := req.Limit

	for _, pid := range base.PartitionsOf(n.shard) {
		if pid < req.ResumePartition {
			continue
		}
		fromKey := ""
		if pid == req.ResumePartition {
			fromKey = req.ResumeKey
		}

		if !n.parts.IsOpen(pid) {
			// moved away after the base topology; the driver picks it up
			// on its current shard
			target, err := n.resolveMigration(pid)
			if err != nil {
				return nil, err
			}
			resp.Migrated = append(resp.Migrated, VirtualScanEntry{
				Pid:         pid,
				TargetShard: target,
				ResumeKey:   fromKey,
			})
			continue
		}

		entries, err := n.scanPartition(pid, req.BaseTopoNum, fromKey, remaining)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			// the partition closed while the batch was read: discard the
			// batch and report the migration instead
			target, err := n.resolveMigration(pid)
			if err != nil {
				return nil, err
			}
			log.Warningf("partition %d migrated mid-batch, discarding and redirecting to shard %d", pid, target)
			resp.Migrated = append(resp.Migrated, VirtualScanEntry{
				Pid:         pid,
				TargetShard: target,
				ResumeKey:   fromKey,
			})
			continue
		}

		resp.Entries = append(resp.Entries, entries...)
		if remaining > 0 {
			remaining -= len(entries)
			if remaining <= 0 {
				// batch full: resume inside this partition next time
				resp.NextPartition = pid
				resp.NextKey = resp.Entries[len(resp.Entries)-1].Key
				return resp, nil
			}
		}
	}

	resp.Done = true
	return resp, nil
}

// virtualScan serves one partition that migrated onto this shard after
// the scan's base topology.
func (n *Node) virtualScan(req Request) (*Response, error) {
	pid := req.VirtualPid

	if shard, ok := n.topo.Current().ShardOf(pid); !ok || shard != n.shard {
		return nil, fmt.Errorf("partition %d: %w", pid, ErrStaleVirtualScan)
	}
	if !n.parts.IsOpen(pid) {
		return nil, fmt.Errorf("partition %d not open here: %w", pid, ErrStaleVirtualScan)
	}

	entries, err := n.scanPartition(pid, req.BaseTopoNum, req.ResumeKey, req.Limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		// moved yet again while the batch was read
		return nil, fmt.Errorf("partition %d: %w", pid, ErrStaleVirtualScan)
	}

	resp := &Response{Entries: entries}
	if len(entries) > 0 {
		resp.NextKey = entries[len(entries)-1].Key
	}
	if req.Limit <= 0 || len(entries) < req.Limit {
		resp.Done = true
	}
	return resp, nil
}

// scanPartition reads one batch from pid after waiting for its catch-up
// watermark to reach the base topology. It returns a nil slice (distinct
// from an empty one) when the partition closed underneath the batch.
func (n *Node) scanPartition(pid topology.PartitionID, baseTopoNum uint64, fromKey string, limit int) ([]store.Entry, error) {
	if err := n.waitCaughtUp(pid, baseTopoNum); err != nil {
		return nil, err
	}

	entries, _, err := n.parts.ScanFrom(pid, fromKey, limit)
	if errors.Is(err, store.ErrPartitionClosed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A migration that raced the read invalidates the batch: part of the
	// partition may already live elsewhere.
	if !n.parts.IsOpen(pid) {
		return nil, nil
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	return entries, nil
}

// resolveMigration finds the shard a closed partition moved to, waiting
// until this node's topology actually explains the closure. A topology
// still claiming the partition lives here describes the past, not the
// migration that closed it.
func (n *Node) resolveMigration(pid topology.PartitionID) (topology.ShardID, error) {
	deadline := time.Now().Add(n.ConsistencyWait)
	for {
		target, ok := n.topo.Current().ShardOf(pid)
		if !ok {
			return 0, fmt.Errorf("partition %d vanished from topology", pid)
		}
		if target != n.shard {
			return target, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("partition %d closed but still assigned here: %w", pid, ErrConsistencyTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitCaughtUp blocks until a migrated-in partition holds all data as of
// the base topology.
func (n *Node) waitCaughtUp(pid topology.PartitionID, baseTopoNum uint64) error {
	deadline := time.Now().Add(n.ConsistencyWait)
	for {
		seq, ok := n.parts.CaughtUpTo(pid)
		if !ok {
			// closed while waiting, caller handles it as a migration
			return nil
		}
		if seq >= baseTopoNum {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("partition %d caught up to %d, need %d: %w",
				pid, seq, baseTopoNum, ErrConsistencyTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
