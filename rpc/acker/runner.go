package acker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
	"github.com/relog-db/relog/rpc/transport"
)

// --------------------------------------------------------------------------
// Reconnect loop
// --------------------------------------------------------------------------

// MasterView is the runner's window into group state: who the master is
// and whether the group is in a state worth joining.
type MasterView interface {
	// MasterAddr returns the current master's stream address. The boolean
	// is false while no master is known.
	MasterAddr() (string, bool)

	// MasterTerm returns the highest master term this node has seen.
	MasterTerm() uint64

	// InSync reports whether the group is in a joinable state. While it
	// is false connection attempts are deferred, not counted as failures.
	InSync() bool
}

// Runner owns the consumer's outer lifecycle: find the master, connect,
// handshake, stream, classify the failure, retry within budgets.
type Runner struct {
	nodeName string
	nodeType common.NodeType
	cfg      common.StreamConfig
	retry    common.RetryConfig
	view     MasterView
	applier  IApplier
	ser      serializer.IWireSerializer
}

// NewRunner creates a reconnecting stream consumer.
func NewRunner(
	nodeName string,
	nodeType common.NodeType,
	cfg common.StreamConfig,
	retry common.RetryConfig,
	view MasterView,
	applier IApplier,
	ser serializer.IWireSerializer,
) *Runner {
	return &Runner{
		nodeName: nodeName,
		nodeType: nodeType,
		cfg:      cfg,
		retry:    retry,
		view:     view,
		applier:  applier,
		ser:      ser,
	}
}

// Run keeps the node attached to the master until the context ends, a
// terminal condition is hit, or a retry budget runs out. Network faults
// and service faults (no joinable master yet) consume separate budgets;
// any successful streaming session refills both.
func (r *Runner) Run(ctx context.Context) error {
	networkLeft := r.retry.NetworkRetries
	serviceLeft := r.retry.ServiceRetries
	networkFailures, serviceFailures := 0, 0

	exit := func(cause error) error {
		return &ExitReplicationError{
			NetworkFailures: networkFailures,
			ServiceFailures: serviceFailures,
			Cause:           cause,
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		addr, known := r.view.MasterAddr()
		if !known || !r.view.InSync() {
			serviceFailures++
			if serviceLeft--; serviceLeft < 0 {
				return exit(ErrMasterUnknown)
			}
			if err := sleepCtx(ctx, r.retry.RetryWait()); err != nil {
				return err
			}
			continue
		}

		streamed, err := r.runOnce(ctx, addr)
		if err == nil {
			continue
		}
		if isTerminal(err) {
			log.Infof("replication stream for %s ended: %v", r.nodeName, err)
			return err
		}

		if streamed {
			// a real session ran, so the budgets start over
			networkLeft = r.retry.NetworkRetries
			serviceLeft = r.retry.ServiceRetries
		}

		if isNetworkErr(err) {
			networkFailures++
			if networkLeft--; networkLeft < 0 {
				return exit(err)
			}
		} else {
			serviceFailures++
			if serviceLeft--; serviceLeft < 0 {
				return exit(err)
			}
		}

		log.Warningf("stream attempt for %s failed (%v), retrying", r.nodeName, err)
		if err := sleepCtx(ctx, r.retry.RetryWait()); err != nil {
			return err
		}
	}
}

// runOnce runs a single connect-handshake-stream cycle. The boolean
// reports whether the session reached the streaming state.
func (r *Runner) runOnce(ctx context.Context, addr string) (bool, error) {
	dialer := net.Dialer{Timeout: r.cfg.PreHeartbeatTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("dial master %s: %w", addr, err)
	}
	ch := transport.NewChannel(conn, r.ser)

	hs := common.NewHandshake(r.nodeName, r.nodeType, r.applier.StartVLSN(), r.view.MasterTerm())
	if err := ch.Write(hs, r.cfg.StreamTimeout()); err != nil {
		ch.Close()
		return false, fmt.Errorf("write handshake: %w", err)
	}
	resp, err := ch.Read(r.cfg.PreHeartbeatTimeout())
	if err != nil {
		ch.Close()
		return false, fmt.Errorf("read handshake response: %w", err)
	}
	if resp.MsgType != common.MsgTHandshakeResponse {
		ch.Close()
		return false, fmt.Errorf("expected handshake response, got %s", resp.MsgType)
	}
	if resp.ErrCode != common.HandshakeOK || resp.Err != "" {
		ch.Close()
		return false, handshakeError(resp)
	}

	log.Infof("%s (%s) joined master %s at term %d, streaming from vlsn %d",
		r.nodeName, r.nodeType, addr, resp.MasterTerm, r.applier.StartVLSN())

	return true, NewAcker(r.cfg, ch, r.applier).Run()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
