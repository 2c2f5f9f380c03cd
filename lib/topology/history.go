package topology

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Topology history
// --------------------------------------------------------------------------

// History holds the sequence of topology snapshots one node has learned.
// Snapshots arrive in order; readers may still need an older snapshot to
// interpret a continuation token minted against it.
type History struct {
	snapshots *xsync.MapOf[uint64, *Topology]

	mu      sync.Mutex
	current *Topology
	waitCh  chan struct{}
}

// NewHistory creates a history seeded with the initial snapshot.
func NewHistory(initial *Topology) *History {
	h := &History{
		snapshots: xsync.NewMapOf[uint64, *Topology](),
		current:   initial,
		waitCh:    make(chan struct{}),
	}
	h.snapshots.Store(initial.SeqNum(), initial)
	return h
}

// Current returns the latest snapshot.
func (h *History) Current() *Topology {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Get returns the snapshot with the given sequence number, if this node
// still has it.
func (h *History) Get(seqNum uint64) (*Topology, bool) {
	return h.snapshots.Load(seqNum)
}

// Publish installs the successor snapshot. Snapshots must be published in
// sequence order with no gaps.
func (h *History) Publish(t *Topology) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.SeqNum() != h.current.SeqNum()+1 {
		return fmt.Errorf("topology %d does not follow current %d", t.SeqNum(), h.current.SeqNum())
	}
	h.snapshots.Store(t.SeqNum(), t)
	h.current = t
	close(h.waitCh)
	h.waitCh = make(chan struct{})
	return nil
}

// WaitFor blocks until the node has learned a snapshot at least as recent
// as seqNum. It reports false on timeout.
func (h *History) WaitFor(seqNum uint64, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		h.mu.Lock()
		cur := h.current.SeqNum()
		ch := h.waitCh
		h.mu.Unlock()

		if cur >= seqNum {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}
