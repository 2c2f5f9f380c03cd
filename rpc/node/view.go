package node

import (
	"sync"
)

// --------------------------------------------------------------------------
// Group view
// --------------------------------------------------------------------------

// groupView is the node's mutable knowledge of who the master is. It
// implements acker.MasterView for the stream consumer and is updated by
// election outcomes.
type groupView struct {
	mu         sync.Mutex
	masterName string
	masterAddr string
	term       uint64
	inSync     bool
}

func (v *groupView) MasterAddr() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.masterAddr, v.masterAddr != ""
}

func (v *groupView) MasterTerm() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.term
}

func (v *groupView) InSync() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inSync
}

// setMaster installs a newer election outcome. Stale outcomes (lower
// terms) are ignored.
func (v *groupView) setMaster(name, addr string, term uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if term < v.term {
		return false
	}
	v.masterName = name
	v.masterAddr = addr
	v.term = term
	v.inSync = true
	return true
}

// invalidate marks the group unjoinable until the next election concludes.
func (v *groupView) invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inSync = false
}

func (v *groupView) master() (string, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.masterName, v.term
}
