package feeder

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
	"github.com/relog-db/relog/rpc/transport"
)

var log = logger.GetLogger("feeder")

// --------------------------------------------------------------------------
// Feeder server
// --------------------------------------------------------------------------

// Server is the master side of the replication stream. It accepts consumer
// connections, validates their handshakes and runs one Feeder per consumer.
type Server struct {
	cfg     common.StreamConfig
	log     commitlog.ILog
	ser     serializer.IWireSerializer
	tracker *AckTracker
	term    uint64
	policy  common.SyncPolicy

	ln      net.Listener
	feeders *xsync.MapOf[string, *Feeder]
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewServer creates a feeder server streaming the given log under the given
// master term. groupSize is the number of voting members, master included.
func NewServer(
	cfg common.StreamConfig,
	l commitlog.ILog,
	ser serializer.IWireSerializer,
	groupSize int,
	term uint64,
	policy common.SyncPolicy,
) *Server {
	return &Server{
		cfg:     cfg,
		log:     l,
		ser:     ser,
		tracker: NewAckTracker(groupSize),
		term:    term,
		policy:  policy,
		feeders: xsync.NewMapOf[string, *Feeder](),
	}
}

// Tracker exposes the group's durable-transaction watermark.
func (s *Server) Tracker() *AckTracker {
	return s.tracker
}

// Serve listens on addr and accepts consumer connections until Shutdown is
// called. It blocks for the lifetime of the listener.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feeder listen on %s: %w", addr, err)
	}
	s.ln = ln
	log.Infof("feeder server listening on %s (term %d)", addr, s.term)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("feeder accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn performs the handshake and, when it succeeds, runs the feeder
// until the connection ends.
func (s *Server) handleConn(conn net.Conn) {
	ch := transport.NewChannel(conn, s.ser)

	hs, err := ch.Read(s.cfg.PreHeartbeatTimeout())
	if err != nil {
		log.Warningf("handshake read from %s failed: %v", ch.RemoteAddr(), err)
		ch.Close()
		return
	}
	if hs.MsgType != common.MsgTHandshake {
		ch.Write(common.NewProtocolError(fmt.Sprintf("expected handshake, got %s", hs.MsgType)), s.cfg.StreamTimeout())
		ch.Close()
		return
	}

	if err := s.validateHandshake(hs); err != nil {
		log.Warningf("rejecting consumer %q: %v", hs.Key, err)
		ch.Write(common.NewHandshakeResponse(s.term, err), s.cfg.StreamTimeout())
		ch.Close()
		return
	}

	src, err := NewMasterFeederSource(s.log, hs.Key, hs.VLSN)
	if err != nil {
		// a feeder for this consumer is still alive
		ch.Write(common.NewHandshakeResponse(s.term, err), s.cfg.StreamTimeout())
		ch.Close()
		return
	}

	if err := ch.Write(common.NewHandshakeResponse(s.term, nil), s.cfg.StreamTimeout()); err != nil {
		src.Shutdown()
		ch.Close()
		return
	}

	f := newFeeder(s.cfg, ch, src, s.log, s.tracker, s.term, s.policy, hs)
	s.feeders.Store(hs.Key, f)
	log.Infof("consumer %s (%s) connected from %s, streaming from vlsn %d",
		hs.Key, hs.NodeType, ch.RemoteAddr(), f.nextVLSN)

	f.serve()
	s.feeders.Delete(hs.Key)
}

// validateHandshake checks identity, role, term and start position.
// Rejections carry a wire-stable code so the consumer classifies on the
// code, never on the prose.
func (s *Server) validateHandshake(hs *common.Message) error {
	if hs.Key == "" {
		return &common.HandshakeError{Code: common.HandshakeErrInvalid, Msg: "handshake without node name"}
	}
	if hs.NodeType != common.NodeTypeReplica && hs.NodeType != common.NodeTypeArbiter {
		return &common.HandshakeError{
			Code: common.HandshakeErrInvalid,
			Msg:  fmt.Sprintf("unknown node type %d", hs.NodeType),
		}
	}
	// A consumer that has seen a higher term than ours proves this master
	// is stale and must not feed anyone.
	if hs.MasterTerm > s.term {
		return &common.HandshakeError{
			Code: common.HandshakeErrStaleMaster,
			Msg:  fmt.Sprintf("consumer has seen term %d, ours is %d", hs.MasterTerm, s.term),
		}
	}

	start := hs.VLSN
	if start == common.NullVLSN {
		start = 1
	}
	if start > s.log.HighVLSN()+1 {
		return &common.HandshakeError{
			Code: common.HandshakeErrInvalid,
			Msg:  fmt.Sprintf("start vlsn %d beyond log end %d", start, s.log.HighVLSN()),
		}
	}
	if _, err := s.log.ReadAt(start); errors.Is(err, commitlog.ErrReclaimed) {
		return &common.HandshakeError{
			Code: common.HandshakeErrFullSyncRequired,
			Msg:  fmt.Sprintf("start vlsn %d already reclaimed", start),
		}
	}
	return nil
}

// Shutdown runs the clean group shutdown: every live feeder sends a
// ShutdownRequest and waits for its consumer's response, then the listener
// closes. Safe to call once.
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.feeders.Range(func(_ string, f *Feeder) bool {
		close(f.shutdown)
		return true
	})
	s.feeders.Range(func(_ string, f *Feeder) bool {
		<-f.done
		return true
	})

	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	log.Infof("feeder server stopped")
}
