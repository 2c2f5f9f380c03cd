package feeder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relog-db/relog/lib/commitlog"
)

// --------------------------------------------------------------------------
// Feeder record source
// --------------------------------------------------------------------------

// MasterFeederSource hands records of the master's commit log to one feeder
// connection. It owns a protected file range that keeps the segment files
// the scan still needs safe from the log cleaner, and advances that range
// as the scan crosses file boundaries.
//
// Exactly one feeder owns a source; a second handshake under the same
// consumer name is rejected at construction.
type MasterFeederSource struct {
	log commitlog.ILog
	rng *commitlog.ProtectedFileRange

	// curFile caches the protected start file so the common case (same
	// file as last time) is a single atomic load, no lock taken.
	curFile atomic.Uint64

	mu   sync.Mutex
	shut atomic.Bool
}

// NewMasterFeederSource creates the source for one consumer, protecting the
// log files from the consumer's start position onward. The consumer name
// must be unique among live feeders.
func NewMasterFeederSource(log commitlog.ILog, consumerName string, startVLSN commitlog.VLSN) (*MasterFeederSource, error) {
	start := startVLSN
	if start == commitlog.NullVLSN {
		start = 1
	}
	file := log.FileFor(start)

	rng, err := log.Protector().Protect(consumerName, file)
	if err != nil {
		return nil, fmt.Errorf("feeder source for %q: %w", consumerName, err)
	}

	s := &MasterFeederSource{log: log, rng: rng}
	s.curFile.Store(file)
	return s, nil
}

// GetWireRecord returns the durable record at vlsn, blocking up to wait for
// it to appear. A nil record with a nil error means nothing new arrived
// within the wait; the feeder sends a heartbeat instead.
func (s *MasterFeederSource) GetWireRecord(vlsn commitlog.VLSN, wait time.Duration) (*commitlog.Record, error) {
	if s.shut.Load() {
		return nil, commitlog.ErrClosed
	}

	rec, ok, err := s.log.WaitDurable(vlsn, wait)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// Advance the protection when the scan has moved into a later file.
	// The fast path runs unsynchronized; only an actual boundary crossing
	// takes the lock.
	if file := s.log.FileFor(vlsn); file != s.curFile.Load() {
		s.mu.Lock()
		if file > s.curFile.Load() {
			s.rng.Advance(file)
			s.curFile.Store(file)
		}
		s.mu.Unlock()
	}

	return rec, nil
}

// Shutdown releases the protected file range unconditionally. It must be
// called exactly when the owning feeder exits, on every exit path - a
// leaked range blocks log reclamation forever.
func (s *MasterFeederSource) Shutdown() {
	if s.shut.CompareAndSwap(false, true) {
		s.rng.Release()
	}
}
