package commitlog

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Protected file ranges
// --------------------------------------------------------------------------

// Protector is the file-protection registrar of a commit log. Active feeder
// scans register the lowest segment file they may still need; the cleaner
// refuses to delete any file at or above the lowest protected start.
type Protector struct {
	ranges *xsync.MapOf[string, *ProtectedFileRange]
}

// NewProtector creates an empty registrar.
func NewProtector() *Protector {
	return &Protector{
		ranges: xsync.NewMapOf[string, *ProtectedFileRange](),
	}
}

// Protect registers a new range starting at the given segment file. The
// name must be unique among live ranges (typically the consumer's node
// name).
func (p *Protector) Protect(name string, startFile uint64) (*ProtectedFileRange, error) {
	r := &ProtectedFileRange{
		name:      name,
		startFile: startFile,
		registrar: p,
	}
	if _, loaded := p.ranges.LoadOrStore(name, r); loaded {
		return nil, fmt.Errorf("protected range %q already registered", name)
	}
	return r, nil
}

// ProtectedFloor returns the lowest start file among live ranges. The
// boolean is false when no range is registered.
func (p *Protector) ProtectedFloor() (uint64, bool) {
	var floor uint64
	found := false
	p.ranges.Range(func(_ string, r *ProtectedFileRange) bool {
		start := r.StartFile()
		if !found || start < floor {
			floor = start
			found = true
		}
		return true
	})
	return floor, found
}

// release removes a range from the registrar.
func (p *Protector) release(name string) {
	p.ranges.Delete(name)
}

// ProtectedFileRange is the ownership token preventing reclamation of
// segment files still needed by one active feeder scan. Exactly one owner
// (the feeder source) mutates it: Advance tightens the range as the scan
// crosses file boundaries, Release gives the files back to the cleaner.
type ProtectedFileRange struct {
	name      string
	registrar *Protector

	mu        sync.Mutex
	startFile uint64
	released  bool
}

// Name returns the identity the range was registered under.
func (r *ProtectedFileRange) Name() string {
	return r.name
}

// StartFile returns the first protected segment file.
func (r *ProtectedFileRange) StartFile() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startFile
}

// Advance moves the protection start forward. The start file never moves
// backward: protection only tightens as the scan progresses, so files the
// scan has passed become eligible for reclamation as early as possible.
func (r *ProtectedFileRange) Advance(newStartFile uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || newStartFile <= r.startFile {
		return
	}
	r.startFile = newStartFile
}

// Release removes the protection unconditionally. Failing to call it leaks
// disk space indefinitely. Release is idempotent.
func (r *ProtectedFileRange) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	r.registrar.release(r.name)
}
