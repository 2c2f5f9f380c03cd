package acker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/transport"
)

var log = logger.GetLogger("acker")

var (
	mCommitsReplayed = metrics.NewCounter("acker_commits_replayed_total")
	mGroupsFlushed   = metrics.NewCounter("acker_groups_flushed_total")
	mQueueOverflows  = metrics.NewCounter("acker_request_queue_overflows_total")
	mAcksSent        = metrics.NewCounter("acker_acks_sent_total")

	groupTimer = gometrics.GetOrRegisterTimer("acker.group.flush", nil)
)

// --------------------------------------------------------------------------
// Connection states
// --------------------------------------------------------------------------

// State is the lifecycle position of one acker connection.
type State uint32

const (
	StateConnecting State = iota
	StateHandshake
	StateStreaming
	// StateSoftDrain is entered on a group shutdown request: reading
	// stops, the queued work drains fully.
	StateSoftDrain
	// StateImmediateExit is entered on a fault: reading stops, queued
	// work still drains but the connection is already considered dead.
	StateImmediateExit
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateStreaming:
		return "streaming"
	case StateSoftDrain:
		return "soft-drain"
	case StateImmediateExit:
		return "immediate-exit"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Acker
// --------------------------------------------------------------------------

// Acker runs one established stream connection. Three loops cooperate:
// the read loop (the calling goroutine) takes messages off the wire, the
// replay loop applies them and produces acks, the output loop writes acks
// back. Two bounded queues join them; backpressure on the request queue
// propagates to the wire via poll-retry, never by dropping messages.
type Acker struct {
	cfg     common.StreamConfig
	ch      *transport.Channel
	applier IApplier

	requestQueue chan *common.Message
	outputQueue  chan *common.Message

	// replayFailed closes when the replay loop dies with an error, so a
	// read loop stuck against a full request queue stops offering.
	replayFailed chan struct{}

	state      atomic.Uint32
	firstBeat  bool
	shutdownMs uint64
}

// NewAcker wraps an already-handshaken channel.
func NewAcker(cfg common.StreamConfig, ch *transport.Channel, applier IApplier) *Acker {
	a := &Acker{
		cfg:          cfg,
		ch:           ch,
		applier:      applier,
		requestQueue: make(chan *common.Message, cfg.RequestQueueSize),
		outputQueue:  make(chan *common.Message, cfg.RequestQueueSize*cfg.OutputQueueFactor),
		replayFailed: make(chan struct{}),
	}
	a.state.Store(uint32(StateStreaming))
	return a
}

// State returns the current lifecycle state.
func (a *Acker) State() State {
	return State(a.state.Load())
}

func (a *Acker) setState(s State) {
	a.state.Store(uint32(s))
}

// Run streams until the connection dies or the master shuts the group
// down. The shutdown sequence is strict: the read loop stops first, then
// the replay loop is joined, then the output loop, and only then is the
// channel force-closed. A replay failure inverts this: the channel is
// force-closed immediately so a read loop blocked on the wire or on the
// full request queue cannot keep the connection alive. Run returns
// ErrGroupShutdown after a clean group shutdown.
func (a *Acker) Run() error {
	replayDone := make(chan error, 1)
	outputDone := make(chan error, 1)

	go func() {
		err := a.replayLoop()
		if err != nil && !errors.Is(err, ErrGroupShutdown) {
			a.setState(StateImmediateExit)
			close(a.replayFailed)
			a.ch.Close()
		}
		replayDone <- err
	}()
	go func() { outputDone <- a.outputLoop() }()

	readErr := a.readLoop()
	close(a.requestQueue)

	replayErr := <-replayDone
	close(a.outputQueue)
	outputErr := <-outputDone

	a.ch.Close()
	a.setState(StateClosed)

	// A group shutdown outranks the secondary errors it provokes, and a
	// replay failure outranks the read error its force-close caused.
	if replayErr != nil && isTerminal(replayErr) {
		return replayErr
	}
	for _, err := range []error{replayErr, readErr, outputErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// readLoop takes messages off the wire and routes them into the request
// queue. A full queue is handled by poll-retry: the loop waits one poll
// tick and offers again, counting the overflow. It never reads ahead
// while a message is stuck, so backpressure reaches the master's TCP
// window.
func (a *Acker) readLoop() error {
	for {
		timeout := a.cfg.StreamTimeout()
		if !a.firstBeat {
			timeout = a.cfg.PreHeartbeatTimeout()
		}

		msg, err := a.ch.Read(timeout)
		if err != nil {
			a.setState(StateImmediateExit)
			return fmt.Errorf("stream read: %w", err)
		}
		a.firstBeat = true

		switch msg.MsgType {
		case common.MsgTEntry, common.MsgTCommit, common.MsgTHeartbeat:
			if !a.enqueueRequest(msg) {
				return nil // replay died, it carries the error
			}

		case common.MsgTShutdownRequest:
			a.setState(StateSoftDrain)
			a.shutdownMs = msg.ShutdownTimeMs
			a.enqueueRequest(msg)
			return nil

		case common.MsgTProtocolError:
			a.setState(StateImmediateExit)
			return fmt.Errorf("master reported protocol error: %s", msg.Err)

		default:
			a.setState(StateImmediateExit)
			return fmt.Errorf("unexpected %s on replication stream", msg.MsgType)
		}
	}
}

// enqueueRequest offers msg to the request queue, poll-retrying while it
// is full. It reports false when the replay loop died, since a queue
// nobody consumes would otherwise block the read loop forever.
func (a *Acker) enqueueRequest(msg *common.Message) bool {
	for {
		select {
		case a.requestQueue <- msg:
			return true
		case <-a.replayFailed:
			return false
		default:
			mQueueOverflows.Inc()
			time.Sleep(a.cfg.QueuePoll())
		}
	}
}

// replayLoop applies queued messages and groups their durability: one Sync
// per group of up to GroupCommitLimit commits, forced early by a SYNC
// commit or by the fsync interval. Acks are produced strictly in commit
// order, after the group is durable.
func (a *Acker) replayLoop() error {
	ticker := time.NewTicker(a.cfg.FsyncInterval())
	defer ticker.Stop()

	var pendingAcks []*common.Message

	flush := func() error {
		if len(pendingAcks) == 0 {
			return nil
		}
		start := time.Now()
		if err := a.applier.Sync(); err != nil {
			return fmt.Errorf("group sync: %w", err)
		}
		groupTimer.UpdateSince(start)
		for _, ack := range pendingAcks {
			a.outputQueue <- ack
		}
		mAcksSent.Add(len(pendingAcks))
		mGroupsFlushed.Inc()
		pendingAcks = pendingAcks[:0]
		return nil
	}

	for {
		select {
		case msg, ok := <-a.requestQueue:
			if !ok {
				return flush()
			}

			switch msg.MsgType {
			case common.MsgTEntry:
				if err := a.applier.ApplyEntry(msg.VLSN, msg.Key, msg.Value); err != nil {
					return fmt.Errorf("apply entry %d: %w", msg.VLSN, err)
				}

			case common.MsgTCommit:
				if err := a.applier.ApplyCommit(msg); err != nil {
					return fmt.Errorf("apply commit %d: %w", msg.VLSN, err)
				}
				mCommitsReplayed.Inc()
				pendingAcks = append(pendingAcks, common.NewAck(msg.VLSN, msg.TxnID))
				if msg.SyncPolicy == common.SyncPolicySync || len(pendingAcks) >= a.cfg.GroupCommitLimit {
					if err := flush(); err != nil {
						return err
					}
				}

			case common.MsgTHeartbeat:
				// answered from here so the response orders after the
				// acks of everything replayed before the heartbeat
				if err := flush(); err != nil {
					return err
				}
				a.outputQueue <- common.NewHeartbeatResponse(msg.HeartbeatID)

			case common.MsgTShutdownRequest:
				// the response goes out before the final durability work
				a.outputQueue <- common.NewShutdownResponse()
				if err := flush(); err != nil {
					return err
				}
				if err := a.applier.Sync(); err != nil {
					return fmt.Errorf("final sync: %w", err)
				}
				log.Infof("group shutdown complete (requested at %d)", a.shutdownMs)
				return ErrGroupShutdown
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// outputLoop writes queued acks and responses back to the master.
func (a *Acker) outputLoop() error {
	for msg := range a.outputQueue {
		if err := a.ch.Write(msg, a.cfg.StreamTimeout()); err != nil {
			// drain the rest so the replay loop never blocks on a dead
			// output queue
			for range a.outputQueue {
			}
			return fmt.Errorf("stream write: %w", err)
		}
	}
	return nil
}
