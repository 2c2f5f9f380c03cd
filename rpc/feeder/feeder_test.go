package feeder

import (
	"net"
	"testing"
	"time"

	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
	"github.com/relog-db/relog/rpc/transport"
)

func testStreamConfig() common.StreamConfig {
	cfg := common.DefaultStreamConfig()
	cfg.HeartbeatIntervalMs = 50
	cfg.StreamTimeoutMs = 2000
	cfg.PreHeartbeatTimeoutMs = 2000
	return cfg
}

func startTestServer(t *testing.T, l commitlog.ILog, groupSize int) (*Server, string) {
	t.Helper()
	s := NewServer(testStreamConfig(), l, serializer.NewBinarySerializer(), groupSize, 7, common.SyncPolicyNoSync)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		if err := s.Serve(addr); err != nil {
			t.Errorf("serve failed: %v", err)
		}
	}()
	// wait for the listener to come up
	for i := 0; i < 100; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			// the throwaway connection occupies a handler goroutine until
			// its handshake times out; that is harmless for the test
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return nil, ""
}

func dialConsumer(t *testing.T, addr, name string, nt common.NodeType, start common.VLSN) *transport.Channel {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	ch := transport.NewChannel(conn, serializer.NewBinarySerializer())
	if err := ch.Write(common.NewHandshake(name, nt, start, 0), time.Second); err != nil {
		t.Fatalf("handshake write failed: %v", err)
	}
	resp, err := ch.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("handshake response read failed: %v", err)
	}
	if resp.MsgType != common.MsgTHandshakeResponse || resp.Err != "" {
		t.Fatalf("handshake rejected: %+v", resp)
	}
	if resp.MasterTerm != 7 {
		t.Errorf("expected master term 7, got %d", resp.MasterTerm)
	}
	return ch
}

func TestFeederStreamsEntriesAndCommits(t *testing.T) {
	l := newSyncedLog(t, 100, 3)
	defer l.Close()
	s, addr := startTestServer(t, l, 2)
	defer s.Shutdown()

	ch := dialConsumer(t, addr, "replica-1", common.NodeTypeReplica, 1)
	defer ch.Close()

	for want := common.VLSN(1); want <= 3; want++ {
		entry, err := ch.Read(2 * time.Second)
		if err != nil {
			t.Fatalf("read entry failed: %v", err)
		}
		if entry.MsgType != common.MsgTEntry || entry.VLSN != want {
			t.Fatalf("expected entry %d, got %+v", want, entry)
		}
		commit, err := ch.Read(2 * time.Second)
		if err != nil {
			t.Fatalf("read commit failed: %v", err)
		}
		if commit.MsgType != common.MsgTCommit || commit.VLSN != want {
			t.Fatalf("expected commit %d, got %+v", want, commit)
		}
		if commit.MasterTerm != 7 {
			t.Errorf("commit carries term %d, expected 7", commit.MasterTerm)
		}
	}

	// with nothing left to stream the feeder falls back to heartbeats
	msg, err := ch.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("read heartbeat failed: %v", err)
	}
	if msg.MsgType != common.MsgTHeartbeat {
		t.Errorf("expected heartbeat, got %s", msg.MsgType)
	}
}

func TestArbiterReceivesOnlyCommits(t *testing.T) {
	l := newSyncedLog(t, 100, 2)
	defer l.Close()
	s, addr := startTestServer(t, l, 2)
	defer s.Shutdown()

	ch := dialConsumer(t, addr, "arbiter-1", common.NodeTypeArbiter, 1)
	defer ch.Close()

	for want := common.VLSN(1); want <= 2; want++ {
		msg, err := ch.Read(2 * time.Second)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if msg.MsgType != common.MsgTCommit || msg.VLSN != want {
			t.Fatalf("expected bare commit %d, got %+v", want, msg)
		}
	}
}

func TestAcksAdvanceDTVLSN(t *testing.T) {
	l := newSyncedLog(t, 100, 2)
	defer l.Close()
	s, addr := startTestServer(t, l, 2) // master + one replica, quorum of 1
	defer s.Shutdown()

	ch := dialConsumer(t, addr, "replica-1", common.NodeTypeReplica, 1)
	defer ch.Close()

	for want := common.VLSN(1); want <= 2; want++ {
		ch.Read(2 * time.Second) // entry
		commit, err := ch.Read(2 * time.Second)
		if err != nil {
			t.Fatalf("read commit failed: %v", err)
		}
		if err := ch.Write(common.NewAck(commit.VLSN, commit.TxnID), time.Second); err != nil {
			t.Fatalf("write ack failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Tracker().DTVLSN(l.DurableVLSN()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dtvlsn did not reach 2, at %d", s.Tracker().Current())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRejectsHigherTerm(t *testing.T) {
	l := newSyncedLog(t, 100, 1)
	defer l.Close()
	s, addr := startTestServer(t, l, 2)
	defer s.Shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	ch := transport.NewChannel(conn, serializer.NewBinarySerializer())
	defer ch.Close()

	// consumer has seen term 9, the server runs term 7
	if err := ch.Write(common.NewHandshake("replica-1", common.NodeTypeReplica, 1, 9), time.Second); err != nil {
		t.Fatalf("handshake write failed: %v", err)
	}
	resp, err := ch.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("response read failed: %v", err)
	}
	if resp.Err == "" {
		t.Error("stale master accepted a consumer from a higher term")
	}
	if resp.ErrCode != common.HandshakeErrStaleMaster {
		t.Errorf("expected stale-master code, got %s", resp.ErrCode)
	}
}

// reclaimedLog reports every position below the floor as reclaimed, the
// way a file log does after its segments were deleted.
type reclaimedLog struct {
	commitlog.ILog
	floor commitlog.VLSN
}

func (r reclaimedLog) ReadAt(vlsn commitlog.VLSN) (*commitlog.Record, error) {
	if vlsn < r.floor {
		return nil, commitlog.ErrReclaimed
	}
	return r.ILog.ReadAt(vlsn)
}

func TestHandshakeReclaimedStartCarriesCode(t *testing.T) {
	l := newSyncedLog(t, 100, 5)
	defer l.Close()
	s, addr := startTestServer(t, reclaimedLog{ILog: l, floor: 3}, 2)
	defer s.Shutdown()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	ch := transport.NewChannel(conn, serializer.NewBinarySerializer())
	defer ch.Close()

	if err := ch.Write(common.NewHandshake("replica-1", common.NodeTypeReplica, 1, 0), time.Second); err != nil {
		t.Fatalf("handshake write failed: %v", err)
	}
	resp, err := ch.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("response read failed: %v", err)
	}
	// the code is the contract; the prose is free to change
	if resp.ErrCode != common.HandshakeErrFullSyncRequired {
		t.Errorf("expected full-sync-required code, got %s (%q)", resp.ErrCode, resp.Err)
	}
}

func TestGroupShutdownWaitsForResponse(t *testing.T) {
	l := newSyncedLog(t, 100, 1)
	defer l.Close()
	s, addr := startTestServer(t, l, 2)

	ch := dialConsumer(t, addr, "replica-1", common.NodeTypeReplica, 1)
	defer ch.Close()

	// consume the stream until the shutdown request arrives, acking commits
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := ch.Read(5 * time.Second)
			if err != nil {
				return
			}
			switch msg.MsgType {
			case common.MsgTCommit:
				ch.Write(common.NewAck(msg.VLSN, msg.TxnID), time.Second)
			case common.MsgTHeartbeat:
				ch.Write(common.NewHeartbeatResponse(msg.HeartbeatID), time.Second)
			case common.MsgTShutdownRequest:
				ch.Write(common.NewShutdownResponse(), time.Second)
				return
			}
		}
	}()

	s.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never received the shutdown request")
	}
}
