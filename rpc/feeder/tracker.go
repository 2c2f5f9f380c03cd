package feeder

import (
	"sort"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/lib/election"
)

// --------------------------------------------------------------------------
// Durable-transaction watermark
// --------------------------------------------------------------------------

// AckTracker aggregates the acknowledgments of all stream consumers into
// the group's durable-transaction watermark (DTVLSN): the highest VLSN a
// simple majority of the group has made durable. The master's own durable
// watermark counts as one vote.
//
// The watermark never moves backward, even when a consumer reconnects and
// re-acks from an earlier position.
type AckTracker struct {
	groupSize int
	required  int
	acked     *xsync.MapOf[string, uint64]
	dtvlsn    atomic.Uint64
}

// NewAckTracker creates a tracker for a voting group of the given size
// (master included).
func NewAckTracker(groupSize int) *AckTracker {
	return &AckTracker{
		groupSize: groupSize,
		required:  election.SimpleMajority.Requirement(groupSize),
		acked:     xsync.NewMapOf[string, uint64](),
	}
}

// RecordAck notes that the named consumer has made every VLSN up to and
// including vlsn durable. Stale acks (lower than a previous ack from the
// same consumer) are ignored.
func (t *AckTracker) RecordAck(node string, vlsn commitlog.VLSN) {
	t.acked.Compute(node, func(old uint64, _ bool) (uint64, bool) {
		if uint64(vlsn) > old {
			return uint64(vlsn), false
		}
		return old, false
	})
}

// Forget drops a consumer's vote, typically when its connection dies. The
// watermark itself is retained: durability already established does not
// regress.
func (t *AckTracker) Forget(node string) {
	t.acked.Delete(node)
}

// DTVLSN recomputes and returns the watermark given the master's current
// durable position.
func (t *AckTracker) DTVLSN(masterDurable commitlog.VLSN) commitlog.VLSN {
	votes := make([]uint64, 0, t.groupSize)
	votes = append(votes, uint64(masterDurable))
	t.acked.Range(func(_ string, v uint64) bool {
		votes = append(votes, v)
		return true
	})

	if len(votes) >= t.required {
		sort.Slice(votes, func(i, j int) bool { return votes[i] > votes[j] })
		candidate := votes[t.required-1]

		// lock-free monotonic max
		for {
			cur := t.dtvlsn.Load()
			if candidate <= cur || t.dtvlsn.CompareAndSwap(cur, candidate) {
				break
			}
		}
	}
	return commitlog.VLSN(t.dtvlsn.Load())
}

// Current returns the watermark without recomputing it.
func (t *AckTracker) Current() commitlog.VLSN {
	return commitlog.VLSN(t.dtvlsn.Load())
}
