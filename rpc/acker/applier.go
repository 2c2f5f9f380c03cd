package acker

import (
	"fmt"
	"sync/atomic"

	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/rpc/common"
)

// --------------------------------------------------------------------------
// Replay targets
// --------------------------------------------------------------------------

// IApplier is the replay target of one stream consumer. The replay loop is
// the only caller of ApplyEntry, ApplyCommit and Sync; the watermark
// getters may be called from anywhere.
type IApplier interface {
	// StartVLSN returns the position the consumer requests at handshake
	// time, the first VLSN it does not yet hold.
	StartVLSN() commitlog.VLSN

	// ApplyEntry replays one record. Only replicas receive entries.
	ApplyEntry(vlsn commitlog.VLSN, key string, value []byte) error

	// ApplyCommit records a transaction boundary and the master's
	// piggybacked durable-transaction watermark.
	ApplyCommit(msg *common.Message) error

	// Sync makes everything applied so far durable. Called once per
	// commit group, not per commit.
	Sync() error

	// DTVLSN returns the consumer's view of the group watermark.
	DTVLSN() commitlog.VLSN
}

// --------------------------------------------------------------------------
// Replica
// --------------------------------------------------------------------------

// replicaApplier replays the stream into the replica's own commit log.
// Replicas see commits in strict VLSN order, so the watermark may only
// move forward; a regression indicates a protocol violation.
type replicaApplier struct {
	log        commitlog.ILog
	lastCommit commitlog.VLSN
	dtvlsn     atomic.Uint64
}

// NewReplicaApplier creates the replay target for a data-holding replica.
func NewReplicaApplier(l commitlog.ILog) IApplier {
	a := &replicaApplier{log: l, lastCommit: l.HighVLSN()}
	return a
}

func (a *replicaApplier) StartVLSN() commitlog.VLSN {
	return a.log.HighVLSN() + 1
}

func (a *replicaApplier) ApplyEntry(vlsn commitlog.VLSN, key string, value []byte) error {
	if expected := a.log.HighVLSN() + 1; vlsn != expected {
		return fmt.Errorf("entry vlsn %d does not follow local log end %d", vlsn, expected-1)
	}
	_, err := a.log.Append(0, key, value)
	return err
}

func (a *replicaApplier) ApplyCommit(msg *common.Message) error {
	if msg.VLSN <= a.lastCommit {
		return fmt.Errorf("commit %d not after previous commit %d", msg.VLSN, a.lastCommit)
	}
	a.lastCommit = msg.VLSN

	// The stream is ordered, so the piggybacked watermark must be too.
	cur := commitlog.VLSN(a.dtvlsn.Load())
	if msg.DTVLSN < cur {
		return fmt.Errorf("dtvlsn regressed from %d to %d", cur, msg.DTVLSN)
	}
	a.dtvlsn.Store(uint64(msg.DTVLSN))
	return nil
}

func (a *replicaApplier) Sync() error {
	return a.log.Sync()
}

func (a *replicaApplier) DTVLSN() commitlog.VLSN {
	return commitlog.VLSN(a.dtvlsn.Load())
}

// --------------------------------------------------------------------------
// Arbiter
// --------------------------------------------------------------------------

// arbiterApplier holds no data, only watermarks. Arbiter delivery is not
// guaranteed to be VLSN ordered, so both watermarks take the max of what
// has been seen instead of asserting order.
type arbiterApplier struct {
	acked  atomic.Uint64
	dtvlsn atomic.Uint64
}

// NewArbiterApplier creates the replay target for a dataless arbiter.
func NewArbiterApplier() IApplier {
	return &arbiterApplier{}
}

func (a *arbiterApplier) StartVLSN() commitlog.VLSN {
	return commitlog.VLSN(a.acked.Load()) + 1
}

func (a *arbiterApplier) ApplyEntry(vlsn commitlog.VLSN, key string, value []byte) error {
	return fmt.Errorf("arbiter received entry %d", vlsn)
}

func (a *arbiterApplier) ApplyCommit(msg *common.Message) error {
	storeMax(&a.acked, uint64(msg.VLSN))
	storeMax(&a.dtvlsn, uint64(msg.DTVLSN))
	return nil
}

func (a *arbiterApplier) Sync() error {
	return nil
}

func (a *arbiterApplier) DTVLSN() commitlog.VLSN {
	return commitlog.VLSN(a.dtvlsn.Load())
}

func storeMax(v *atomic.Uint64, x uint64) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}
