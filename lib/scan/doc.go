// Package scan implements migration-aware cluster-wide scans.
//
// A scan is planned against one topology snapshot and never re-plans: the
// driver walks the snapshot's shards in id order, and partitions that
// migrate away mid-scan are recorded as virtual scan entries and picked
// up on their new shard after the base phase. A partition that moves a
// second time makes the position unrecoverable (ErrStaleVirtualScan) and
// the scan restarts against a fresh snapshot.
//
// Nodes gate every request on consistency: the base topology must be
// known and every partition read must have caught up to it. A batch whose
// partition closed while it was being read is discarded, never returned.
package scan
