package feeder

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/transport"
)

var (
	mRecordsSent    = metrics.NewCounter("feeder_records_sent_total")
	mHeartbeatsSent = metrics.NewCounter("feeder_heartbeats_sent_total")
	mAcksReceived   = metrics.NewCounter("feeder_acks_received_total")
)

// --------------------------------------------------------------------------
// Per-connection feeder
// --------------------------------------------------------------------------

// Feeder streams the commit log to one connected consumer. Two goroutines
// run per feeder: the output loop sends Entry/Commit pairs (heartbeats when
// idle), the reply loop consumes Acks and feeds them to the group tracker.
type Feeder struct {
	cfg      common.StreamConfig
	ch       *transport.Channel
	src      *MasterFeederSource
	log      commitlog.ILog
	tracker  *AckTracker
	term     uint64
	policy   common.SyncPolicy
	nodeName string
	nodeType common.NodeType

	nextVLSN    commitlog.VLSN
	heartbeatID atomic.Uint64
	ackedVLSN   atomic.Uint64

	shutdown     chan struct{} // closed by the server to start a clean group shutdown
	shutdownSeen chan struct{} // closed by the reply loop when the consumer acks the shutdown
	done         chan struct{}
}

func newFeeder(
	cfg common.StreamConfig,
	ch *transport.Channel,
	src *MasterFeederSource,
	log commitlog.ILog,
	tracker *AckTracker,
	term uint64,
	policy common.SyncPolicy,
	hs *common.Message,
) *Feeder {
	start := hs.VLSN
	if start == common.NullVLSN {
		start = 1
	}
	return &Feeder{
		cfg:          cfg,
		ch:           ch,
		src:          src,
		log:          log,
		tracker:      tracker,
		term:         term,
		policy:       policy,
		nodeName:     hs.Key,
		nodeType:     hs.NodeType,
		nextVLSN:     start,
		shutdown:     make(chan struct{}),
		shutdownSeen: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// AckedVLSN returns the highest VLSN this consumer has acknowledged.
func (f *Feeder) AckedVLSN() commitlog.VLSN {
	return commitlog.VLSN(f.ackedVLSN.Load())
}

// serve runs the feeder until the connection dies or a group shutdown
// completes. It always releases the source's file protection on exit.
func (f *Feeder) serve() {
	defer close(f.done)
	defer f.src.Shutdown()
	defer f.ch.Close()
	defer f.tracker.Forget(f.nodeName)

	replyDone := make(chan struct{})
	go f.replyLoop(replyDone)

	if err := f.streamLoop(); err != nil {
		log.Warningf("feeder for %s (%s) exited: %v", f.nodeName, f.nodeType, err)
	}

	// Closing the channel unblocks the reply loop's pending read.
	f.ch.Close()
	<-replyDone
}

// streamLoop is the output side: records while the log has them, heartbeats
// while it is idle, a ShutdownRequest when the server asks for one.
func (f *Feeder) streamLoop() error {
	writeTimeout := f.cfg.StreamTimeout()

	for {
		select {
		case <-f.shutdown:
			return f.runShutdown()
		default:
		}

		rec, err := f.src.GetWireRecord(f.nextVLSN, f.cfg.HeartbeatInterval())
		if err != nil {
			return fmt.Errorf("read record %d: %w", f.nextVLSN, err)
		}

		if rec == nil {
			// idle: prove liveness instead
			hb := common.NewHeartbeat(f.heartbeatID.Add(1))
			if err := f.ch.Write(hb, writeTimeout); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			mHeartbeatsSent.Inc()
			continue
		}

		if f.nodeType == common.NodeTypeReplica {
			// Arbiters never receive payloads, only commit markers.
			if err := f.ch.Write(common.NewEntry(rec.VLSN, rec.Key, rec.Value), writeTimeout); err != nil {
				return fmt.Errorf("write entry %d: %w", rec.VLSN, err)
			}
		}

		dtvlsn := f.tracker.DTVLSN(f.log.DurableVLSN())
		if err := f.ch.Write(common.NewCommit(rec.VLSN, rec.TxnID, dtvlsn, f.term, f.policy), writeTimeout); err != nil {
			return fmt.Errorf("write commit %d: %w", rec.VLSN, err)
		}
		mRecordsSent.Inc()
		f.nextVLSN = rec.VLSN + 1
	}
}

// runShutdown performs the clean half of a group shutdown: send the
// request, wait for the consumer's response up to one stream timeout.
func (f *Feeder) runShutdown() error {
	req := common.NewShutdownRequest(uint64(time.Now().UnixMilli()))
	if err := f.ch.Write(req, f.cfg.StreamTimeout()); err != nil {
		return fmt.Errorf("write shutdown request: %w", err)
	}

	select {
	case <-f.shutdownSeen:
		log.Infof("consumer %s acknowledged shutdown at vlsn %d", f.nodeName, f.AckedVLSN())
		return nil
	case <-time.After(f.cfg.StreamTimeout()):
		return fmt.Errorf("consumer %s did not acknowledge shutdown", f.nodeName)
	}
}

// replyLoop is the input side: acks, heartbeat responses and the shutdown
// response all arrive here.
func (f *Feeder) replyLoop(done chan struct{}) {
	defer close(done)

	for {
		msg, err := f.ch.Read(f.cfg.StreamTimeout())
		if err != nil {
			return
		}

		switch msg.MsgType {
		case common.MsgTAck:
			f.ackedVLSN.Store(uint64(msg.VLSN))
			f.tracker.RecordAck(f.nodeName, msg.VLSN)
			mAcksReceived.Inc()

		case common.MsgTHeartbeatResponse:
			// liveness only, nothing to record

		case common.MsgTShutdownResponse:
			close(f.shutdownSeen)
			return

		case common.MsgTProtocolError:
			log.Errorf("consumer %s reported protocol error: %s", f.nodeName, msg.Err)
			return

		default:
			log.Errorf("unexpected %s from consumer %s", msg.MsgType, f.nodeName)
			return
		}
	}
}
