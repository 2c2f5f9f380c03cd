package acker

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
	"github.com/relog-db/relog/rpc/transport"
)

func testAckerConfig() common.StreamConfig {
	cfg := common.DefaultStreamConfig()
	cfg.RequestQueueSize = 16
	cfg.StreamTimeoutMs = 2000
	cfg.PreHeartbeatTimeoutMs = 2000
	cfg.QueuePollMs = 5
	return cfg
}

// countingApplier wraps a replica applier and counts Sync calls.
type countingApplier struct {
	IApplier
	syncs atomic.Int64
}

func (c *countingApplier) Sync() error {
	c.syncs.Add(1)
	return c.IApplier.Sync()
}

// startAcker wires an Acker to one end of an in-memory connection and
// returns the master-side channel plus the Run result channel.
func startAcker(t *testing.T, cfg common.StreamConfig, applier IApplier) (*transport.Channel, chan error) {
	t.Helper()
	masterConn, consumerConn := net.Pipe()
	ser := serializer.NewBinarySerializer()
	master := transport.NewChannel(masterConn, ser)

	a := NewAcker(cfg, transport.NewChannel(consumerConn, ser), applier)
	result := make(chan error, 1)
	go func() { result <- a.Run() }()

	t.Cleanup(func() { master.Close() })
	return master, result
}

func readType(t *testing.T, ch *transport.Channel, want common.MessageType) *common.Message {
	t.Helper()
	msg, err := ch.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("read failed waiting for %s: %v", want, err)
	}
	if msg.MsgType != want {
		t.Fatalf("expected %s, got %+v", want, msg)
	}
	return msg
}

func TestAckerAcksSyncCommitsInOrder(t *testing.T) {
	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	master, result := startAcker(t, testAckerConfig(), NewReplicaApplier(l))

	for vlsn := common.VLSN(1); vlsn <= 3; vlsn++ {
		if err := master.Write(common.NewEntry(vlsn, "k", []byte("v")), time.Second); err != nil {
			t.Fatalf("write entry failed: %v", err)
		}
		if err := master.Write(common.NewCommit(vlsn, uint64(vlsn), 0, 1, common.SyncPolicySync), time.Second); err != nil {
			t.Fatalf("write commit failed: %v", err)
		}
		ack := readType(t, master, common.MsgTAck)
		if ack.VLSN != vlsn || ack.TxnID != uint64(vlsn) {
			t.Errorf("unexpected ack: %+v", ack)
		}
	}

	// SYNC policy means everything acked is already durable locally
	if l.DurableVLSN() != 3 {
		t.Errorf("expected durable vlsn 3, got %d", l.DurableVLSN())
	}

	master.Close()
	if err := <-result; err == nil {
		t.Error("expected a read error after the master vanished")
	}
}

func TestAckerGroupsCommits(t *testing.T) {
	cfg := testAckerConfig()
	cfg.GroupCommitLimit = 2
	cfg.FsyncIntervalMs = 100

	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	applier := &countingApplier{IApplier: NewReplicaApplier(l)}
	master, _ := startAcker(t, cfg, applier)

	// two NoSync commits fill one group: one sync, two acks
	for vlsn := common.VLSN(1); vlsn <= 2; vlsn++ {
		master.Write(common.NewEntry(vlsn, "k", nil), time.Second)
		master.Write(common.NewCommit(vlsn, uint64(vlsn), 0, 1, common.SyncPolicyNoSync), time.Second)
	}
	if ack := readType(t, master, common.MsgTAck); ack.VLSN != 1 {
		t.Errorf("expected ack 1 first, got %d", ack.VLSN)
	}
	if ack := readType(t, master, common.MsgTAck); ack.VLSN != 2 {
		t.Errorf("expected ack 2 second, got %d", ack.VLSN)
	}
	if got := applier.syncs.Load(); got != 1 {
		t.Errorf("expected one sync for the group, got %d", got)
	}

	// a lone commit below the group limit is flushed by the interval
	master.Write(common.NewEntry(3, "k", nil), time.Second)
	master.Write(common.NewCommit(3, 3, 0, 1, common.SyncPolicyNoSync), time.Second)
	if ack := readType(t, master, common.MsgTAck); ack.VLSN != 3 {
		t.Errorf("expected interval-flushed ack 3, got %d", ack.VLSN)
	}
}

func TestAckerAnswersHeartbeats(t *testing.T) {
	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	master, _ := startAcker(t, testAckerConfig(), NewReplicaApplier(l))

	master.Write(common.NewHeartbeat(42), time.Second)
	resp := readType(t, master, common.MsgTHeartbeatResponse)
	if resp.HeartbeatID != 42 {
		t.Errorf("expected heartbeat id 42, got %d", resp.HeartbeatID)
	}
}

func TestAckerGroupShutdownSequence(t *testing.T) {
	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	master, result := startAcker(t, testAckerConfig(), NewReplicaApplier(l))

	// replayed but unacked work pending at shutdown time
	master.Write(common.NewEntry(1, "k", []byte("v")), time.Second)
	master.Write(common.NewCommit(1, 1, 0, 1, common.SyncPolicyNoSync), time.Second)

	if err := master.Write(common.NewShutdownRequest(uint64(time.Now().UnixMilli())), time.Second); err != nil {
		t.Fatalf("write shutdown request failed: %v", err)
	}

	// the response must come before any further durability output
	readType(t, master, common.MsgTShutdownResponse)

	select {
	case err := <-result:
		if !errors.Is(err, ErrGroupShutdown) {
			t.Errorf("expected ErrGroupShutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acker did not terminate after group shutdown")
	}

	// the final durability work still happened
	if l.DurableVLSN() != 1 {
		t.Errorf("expected durable vlsn 1 after final sync, got %d", l.DurableVLSN())
	}
}

func TestAckerRejectsUnexpectedMessage(t *testing.T) {
	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	master, result := startAcker(t, testAckerConfig(), NewReplicaApplier(l))

	master.Write(common.NewAck(1, 1), time.Second) // acks only ever flow the other way

	select {
	case err := <-result:
		if err == nil {
			t.Error("expected protocol violation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acker did not terminate on protocol violation")
	}
}

// errReplayBroken is the failure a brokenApplier injects into the replay
// loop.
var errReplayBroken = errors.New("replay state corrupt")

// brokenApplier fails every commit, killing the replay loop on first use.
type brokenApplier struct{}

func (brokenApplier) StartVLSN() commitlog.VLSN                  { return 1 }
func (brokenApplier) ApplyEntry(commitlog.VLSN, string, []byte) error { return nil }
func (brokenApplier) ApplyCommit(*common.Message) error          { return errReplayBroken }
func (brokenApplier) Sync() error                                { return nil }
func (brokenApplier) DTVLSN() commitlog.VLSN                     { return 0 }

func TestAckerReplayFailureUnblocksReadLoop(t *testing.T) {
	cfg := testAckerConfig()
	cfg.RequestQueueSize = 2

	master, result := startAcker(t, cfg, brokenApplier{})

	// the first commit kills the replay loop while the master keeps
	// streaming; with nobody consuming, the request queue fills and the
	// read loop must not keep the dead connection alive
	go func() {
		for vlsn := common.VLSN(1); ; vlsn++ {
			if err := master.Write(common.NewCommit(vlsn, uint64(vlsn), 0, 1, common.SyncPolicyNoSync), time.Second); err != nil {
				return
			}
		}
	}()

	select {
	case err := <-result:
		if !errors.Is(err, errReplayBroken) {
			t.Errorf("expected the replay failure as cause, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("acker still running after the replay loop died")
	}
}

// gatedApplier holds every commit until the gate opens, stalling the
// replay loop.
type gatedApplier struct {
	IApplier
	gate chan struct{}
}

func (g *gatedApplier) ApplyCommit(msg *common.Message) error {
	<-g.gate
	return g.IApplier.ApplyCommit(msg)
}

func TestAckerBackpressureNeverDrops(t *testing.T) {
	cfg := testAckerConfig()
	cfg.RequestQueueSize = 2

	l := commitlog.NewMemoryLog(100)
	defer l.Close()
	applier := &gatedApplier{IApplier: NewReplicaApplier(l), gate: make(chan struct{})}
	master, _ := startAcker(t, cfg, applier)

	overflowsBefore := mQueueOverflows.Get()

	go func() {
		for vlsn := common.VLSN(1); vlsn <= 5; vlsn++ {
			master.Write(common.NewEntry(vlsn, "k", []byte("v")), 5*time.Second)
			master.Write(common.NewCommit(vlsn, uint64(vlsn), 0, 1, common.SyncPolicySync), 5*time.Second)
		}
	}()

	// the stalled replay loop backs the queue up into the read loop,
	// which polls and counts instead of dropping
	deadline := time.Now().Add(2 * time.Second)
	for mQueueOverflows.Get() == overflowsBefore {
		if time.Now().After(deadline) {
			t.Fatal("full request queue never registered an overflow")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(applier.gate)

	// every stalled message survives, acked in commit order
	for want := common.VLSN(1); want <= 5; want++ {
		ack := readType(t, master, common.MsgTAck)
		if ack.VLSN != want {
			t.Fatalf("expected ack %d, got %d", want, ack.VLSN)
		}
	}
	if l.DurableVLSN() != 5 {
		t.Errorf("expected durable vlsn 5, got %d", l.DurableVLSN())
	}
}

func TestExitReplicationErrorUnwraps(t *testing.T) {
	err := &ExitReplicationError{NetworkFailures: 3, Cause: ErrMasterUnknown}
	if !errors.Is(err, ErrMasterUnknown) {
		t.Error("ExitReplicationError does not unwrap its cause")
	}
}

func TestHandshakeErrorClassification(t *testing.T) {
	fullSync := common.NewHandshakeResponse(7, &common.HandshakeError{
		Code: common.HandshakeErrFullSyncRequired,
		Msg:  "start vlsn 5 already reclaimed",
	})
	if err := handshakeError(fullSync); !errors.Is(err, ErrFullSyncRequired) {
		t.Errorf("full-sync code not mapped to ErrFullSyncRequired: %v", err)
	}

	stale := common.NewHandshakeResponse(7, &common.HandshakeError{
		Code: common.HandshakeErrStaleMaster,
		Msg:  "consumer has seen term 9, ours is 7",
	})
	if err := handshakeError(stale); isTerminal(err) {
		t.Errorf("stale-master rejection should be retryable, got terminal %v", err)
	}

	// classification follows the code, not the prose: a generic
	// rejection stays retryable no matter what its message says
	generic := common.NewHandshakeResponse(7, errors.New("log segment reclaimed during maintenance"))
	if err := handshakeError(generic); isTerminal(err) {
		t.Errorf("generic rejection should be retryable, got terminal %v", err)
	}
}
