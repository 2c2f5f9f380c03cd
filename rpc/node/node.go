package node

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/relog-db/relog/lib/commitlog"
	"github.com/relog-db/relog/lib/election"
	"github.com/relog-db/relog/rpc/acker"
	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/feeder"
	"github.com/relog-db/relog/rpc/serializer"
)

var log = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// Replication node
// --------------------------------------------------------------------------

// Node is one member of a replication group. It runs the election
// acceptor for its peers, campaigns when the group has no master, and
// then serves either role: feeding the log as master or replaying it as
// replica/arbiter.
type Node struct {
	cfg common.NodeConfig
	ser serializer.IWireSerializer

	clog     commitlog.ILog
	acceptor *election.Acceptor
	svc      *election.Service
	proposer *election.Proposer
	view     *groupView
}

// New assembles a node from its configuration. The commit log opens (or
// recovers) immediately; network activity starts with Run.
func New(cfg common.NodeConfig, ser serializer.IWireSerializer) (*Node, error) {
	if _, ok := cfg.ElectionMembers[cfg.NodeName]; !ok {
		return nil, fmt.Errorf("node %q has no election address", cfg.NodeName)
	}
	if _, ok := cfg.GroupMembers[cfg.NodeName]; !ok {
		return nil, fmt.Errorf("node %q has no stream address", cfg.NodeName)
	}

	var clog commitlog.ILog
	var err error
	if cfg.NodeType == common.NodeTypeArbiter {
		// arbiters track watermarks only, nothing touches disk
		clog = commitlog.NewMemoryLog(uint64(cfg.RecordsPerFile))
	} else {
		clog, err = commitlog.NewFileLog(cfg.DataDir, uint64(cfg.RecordsPerFile))
		if err != nil {
			return nil, err
		}
	}

	acceptors := make([]string, 0, len(cfg.ElectionMembers))
	for _, addr := range cfg.ElectionMembers {
		acceptors = append(acceptors, addr)
	}

	gen, err := election.NewTimebasedGenerator(cfg.NodeName)
	if err != nil {
		clog.Close()
		return nil, err
	}

	acceptor := election.NewAcceptor(cfg.NodeName)
	view := &groupView{}
	proposer := election.NewProposer(
		gen,
		election.NewMasterValueChooser(election.Value(cfg.NodeName)),
		election.NewTCPExchanger(),
		acceptors,
		cfg.Election.RoundTimeout(),
	)

	return &Node{
		cfg:      cfg,
		ser:      ser,
		clog:     clog,
		acceptor: acceptor,
		svc:      election.NewService(acceptor, cfg.Election.RoundTimeout()),
		proposer: proposer,
		view:     view,
	}, nil
}

// Run participates in the group until the context ends or the master
// shuts the group down cleanly.
func (n *Node) Run(ctx context.Context) error {
	defer n.clog.Close()

	ln, err := net.Listen("tcp", n.cfg.ElectionMembers[n.cfg.NodeName])
	if err != nil {
		return fmt.Errorf("election listen: %w", err)
	}
	go func() {
		if err := n.svc.Serve(ln); err != nil {
			log.Warningf("election service stopped: %v", err)
		}
	}()
	defer n.svc.Close()

	log.Infof("node starting: %s", n.cfg.String())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := n.elect(ctx); err != nil {
			var exit *election.ExitElectionError
			if errors.As(err, &exit) {
				log.Warningf("election attempt failed, retrying: %v", err)
				continue
			}
			return err
		}

		master, term := n.view.master()
		var runErr error
		if master == n.cfg.NodeName {
			runErr = n.runMaster(ctx, term)
		} else {
			runErr = n.runConsumer(ctx)
		}

		switch {
		case runErr == nil:
			return nil
		case errors.Is(runErr, acker.ErrGroupShutdown):
			log.Infof("group shut down cleanly")
			return nil
		case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
			return runErr
		default:
			// the master is gone or unreachable: campaign again
			log.Warningf("role ended (%v), returning to election", runErr)
			n.view.invalidate()
		}
	}
}

// elect runs one election attempt and installs the outcome in the view.
// The winning value is the master's node name; the proposal timestamp
// doubles as the master term.
func (n *Node) elect(ctx context.Context) error {
	win, err := n.proposer.IssueProposal(
		ctx,
		election.SimpleMajority,
		election.NewBoundedRetry(n.cfg.Election.RetryLimit, func() bool { return false }),
	)
	if err != nil {
		return err
	}

	master := string(win.Value)
	addr, ok := n.cfg.GroupMembers[master]
	if !ok {
		return fmt.Errorf("elected master %q has no stream address", master)
	}
	n.view.setMaster(master, addr, win.Proposal.TimeMs)
	log.Infof("election concluded: master=%s term=%d (rounds=%d)", master, win.Proposal.TimeMs, win.Stats.Rounds)
	return nil
}

// runMaster serves the feeder until the context ends, then runs the clean
// group shutdown.
func (n *Node) runMaster(ctx context.Context, term uint64) error {
	srv := feeder.NewServer(
		n.cfg.Stream,
		n.clog,
		n.ser,
		len(n.cfg.GroupMembers),
		term,
		common.SyncPolicyNoSync,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(n.cfg.GroupMembers[n.cfg.NodeName])
	}()

	select {
	case <-ctx.Done():
		srv.Shutdown()
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("feeder server: %w", err)
	}
}

// runConsumer attaches to the master as replica or arbiter.
func (n *Node) runConsumer(ctx context.Context) error {
	var applier acker.IApplier
	if n.cfg.NodeType == common.NodeTypeArbiter {
		applier = acker.NewArbiterApplier()
	} else {
		applier = acker.NewReplicaApplier(n.clog)
	}

	runner := acker.NewRunner(
		n.cfg.NodeName,
		n.cfg.NodeType,
		n.cfg.Stream,
		n.cfg.Retry,
		n.view,
		applier,
		n.ser,
	)
	return runner.Run(ctx)
}
