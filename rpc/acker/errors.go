package acker

import (
	"errors"
	"fmt"
	"net"

	"github.com/relog-db/relog/rpc/common"
)

// --------------------------------------------------------------------------
// Error taxonomy
// --------------------------------------------------------------------------

var (
	// ErrGroupShutdown reports that the master requested a clean group
	// shutdown. It is terminal: the consumer must not reconnect.
	ErrGroupShutdown = errors.New("master requested group shutdown")

	// ErrFullSyncRequired reports that the master has already reclaimed
	// the log position this consumer needs. Terminal for the stream; the
	// node needs an out-of-band full copy before it can rejoin.
	ErrFullSyncRequired = errors.New("start position reclaimed, full sync required")

	// ErrMasterUnknown reports that no master is currently known or the
	// group is not in a joinable state. Retried against the service
	// budget.
	ErrMasterUnknown = errors.New("no joinable master")
)

// ExitReplicationError is returned when the outer reconnect loop gives up:
// one of its retry budgets is exhausted or a terminal condition was hit.
type ExitReplicationError struct {
	NetworkFailures int
	ServiceFailures int
	Cause           error
}

func (e *ExitReplicationError) Error() string {
	return fmt.Sprintf("replication stream abandoned after %d network and %d service failures: %v",
		e.NetworkFailures, e.ServiceFailures, e.Cause)
}

func (e *ExitReplicationError) Unwrap() error {
	return e.Cause
}

// isTerminal reports whether the stream must not be retried at all.
func isTerminal(err error) bool {
	return errors.Is(err, ErrGroupShutdown) || errors.Is(err, ErrFullSyncRequired)
}

// isNetworkErr classifies connection-level faults, which consume the
// network retry budget. Everything neither terminal nor network-level
// counts against the service budget.
func isNetworkErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// handshakeError maps a coded rejection from the feeder onto the taxonomy.
// Only the code decides; the prose is carried for the logs.
func handshakeError(resp *common.Message) error {
	switch resp.ErrCode {
	case common.HandshakeErrFullSyncRequired:
		return fmt.Errorf("%s: %w", resp.Err, ErrFullSyncRequired)
	case common.HandshakeErrStaleMaster:
		return fmt.Errorf("handshake rejected, master view stale: %s", resp.Err)
	default:
		return fmt.Errorf("handshake rejected: %s", resp.Err)
	}
}
