package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("election")

// Cumulative election counters, queryable without interrupting operation.
var (
	mRounds             = metrics.GetOrCreateCounter(`relog_election_rounds_total`)
	mWon                = metrics.GetOrCreateCounter(`relog_election_won_total`)
	mPhase1NoQuorum     = metrics.GetOrCreateCounter(`relog_election_phase1_no_quorum_total`)
	mPhase2NoQuorum     = metrics.GetOrCreateCounter(`relog_election_phase2_no_quorum_total`)
	mHigherProposalSeen = metrics.GetOrCreateCounter(`relog_election_higher_proposal_total`)
	mExhausted          = metrics.GetOrCreateCounter(`relog_election_exhausted_total`)
	roundTimer          = gometrics.GetOrRegisterTimer("election.round", nil)
)

// --------------------------------------------------------------------------
// Collaborator interfaces
// --------------------------------------------------------------------------

// Exchanger performs one request/response message exchange with a single
// acceptor. Implementations are expected to honor the context deadline and
// return an error for unreachable acceptors.
type Exchanger interface {
	Exchange(ctx context.Context, acceptor string, req Message) (Message, error)
}

// PromiseExchange captures one acceptor's phase 1 grant.
type PromiseExchange struct {
	// Acceptor is the address of the promising acceptor.
	Acceptor string

	// AcceptedProposal and AcceptedValue are the acceptor's highest
	// previously accepted pair; zero values if it never accepted anything.
	AcceptedProposal Proposal
	AcceptedValue    Value
}

// ValueChooser selects the value to push in phase 2 from the promises
// gathered in phase 1. Returning false forces a round retry.
type ValueChooser interface {
	ChoosePhase2Value(promises []PromiseExchange) (Value, bool)
}

// RetryPredicate decouples the retry policy from the consensus algorithm.
type RetryPredicate interface {
	// Retry reports whether another round may be issued.
	Retry() bool

	// Retries returns the number of rounds issued so far.
	Retries() int

	// RoundConcluded reports that a concurrent election round has already
	// decided, so this call should stop competing.
	RoundConcluded() bool
}

// --------------------------------------------------------------------------
// Results and errors
// --------------------------------------------------------------------------

// ElectionStats accumulates per-call diagnostics across rounds.
type ElectionStats struct {
	Rounds              int
	Phase1NoQuorum      int
	Phase1HigherRejects int
	Phase2NoQuorum      int
	Phase2HigherRejects int
	NoChoosableValue    int
	Unreachable         int
}

// WinningProposal is the terminal output of a successful election round.
type WinningProposal struct {
	Proposal Proposal
	Value    Value
	Stats    ElectionStats
}

// ExitElectionError is returned when retries are exhausted or a concurrent
// round concluded. It carries the accumulated statistics for diagnostics.
type ExitElectionError struct {
	Reason string
	Stats  ElectionStats
}

// Error implements the error interface.
func (e *ExitElectionError) Error() string {
	return fmt.Sprintf("election abandoned: %s (rounds=%d, p1-no-quorum=%d, p2-no-quorum=%d, higher-rejects=%d, unreachable=%d)",
		e.Reason, e.Stats.Rounds, e.Stats.Phase1NoQuorum, e.Stats.Phase2NoQuorum,
		e.Stats.Phase1HigherRejects+e.Stats.Phase2HigherRejects, e.Stats.Unreachable)
}

// --------------------------------------------------------------------------
// Proposer
// --------------------------------------------------------------------------

// Proposer runs the two-phase consensus protocol against a set of acceptors
// to elect a master value. The proposal generator and value chooser are
// injected so that the algorithm itself stays policy free.
type Proposer struct {
	gen       ProposalGenerator
	chooser   ValueChooser
	exchanger Exchanger
	acceptors []string
	timeout   time.Duration
}

// NewProposer creates a proposer for the given acceptor group. The timeout
// bounds each phase's wait for acceptor responses.
func NewProposer(gen ProposalGenerator, chooser ValueChooser, exchanger Exchanger, acceptors []string, phaseTimeout time.Duration) *Proposer {
	return &Proposer{
		gen:       gen,
		chooser:   chooser,
		exchanger: exchanger,
		acceptors: acceptors,
		timeout:   phaseTimeout,
	}
}

// IssueProposal runs election rounds until one wins, the retry predicate is
// exhausted, or a concurrent round concluded. Observing a higher-numbered
// proposal is not a fatal error; it restarts the round with a new, strictly
// higher proposal.
func (p *Proposer) IssueProposal(ctx context.Context, policy QuorumPolicy, retry RetryPredicate) (*WinningProposal, error) {
	stats := ElectionStats{}
	required := policy.Requirement(len(p.acceptors))

	for retry.Retry() {
		if retry.RoundConcluded() {
			mExhausted.Inc()
			return nil, &ExitElectionError{Reason: "concurrent election round concluded", Stats: stats}
		}
		if err := ctx.Err(); err != nil {
			return nil, &ExitElectionError{Reason: err.Error(), Stats: stats}
		}

		stats.Rounds++
		mRounds.Inc()
		roundStart := time.Now()

		proposal := p.gen.NextProposal()
		log.Debugf("issuing proposal %s (round %d)", proposal, stats.Rounds)

		// Phase 1: give every reachable acceptor its say
		ph1 := p.phase1(ctx, proposal)
		stats.Unreachable += ph1.unreachable
		if ph1.higherProposal {
			stats.Phase1HigherRejects++
			mHigherProposalSeen.Inc()
			continue
		}
		if len(ph1.promises) < required {
			stats.Phase1NoQuorum++
			mPhase1NoQuorum.Inc()
			continue
		}

		value, ok := p.chooser.ChoosePhase2Value(ph1.promises)
		if !ok {
			stats.NoChoosableValue++
			continue
		}

		// Phase 2: only the promisers vote
		ph2 := p.phase2(ctx, proposal, value, ph1.promisers(), required)
		stats.Unreachable += ph2.unreachable
		if ph2.higherProposal {
			stats.Phase2HigherRejects++
			mHigherProposalSeen.Inc()
			continue
		}
		if ph2.accepted < required {
			stats.Phase2NoQuorum++
			mPhase2NoQuorum.Inc()
			continue
		}

		roundTimer.UpdateSince(roundStart)
		mWon.Inc()
		log.Infof("proposal %s won with value %q after %d round(s)", proposal, value, stats.Rounds)
		return &WinningProposal{Proposal: proposal, Value: value, Stats: stats}, nil
	}

	mExhausted.Inc()
	return nil, &ExitElectionError{
		Reason: fmt.Sprintf("retries exhausted after %d attempt(s)", retry.Retries()),
		Stats:  stats,
	}
}

// --------------------------------------------------------------------------
// Phase 1
// --------------------------------------------------------------------------

// phase1Result is the owned accumulator of one phase 1 broadcast. It is
// created fresh each round and merged by the caller, so no mutable state is
// shared across the async exchanges.
type phase1Result struct {
	promises       []PromiseExchange
	higherProposal bool
	unreachable    int
}

// promisers returns the addresses of the acceptors that granted a promise.
func (r *phase1Result) promisers() []string {
	out := make([]string, 0, len(r.promises))
	for _, pe := range r.promises {
		out = append(out, pe.Acceptor)
	}
	return out
}

// phase1 broadcasts the proposal to all configured acceptors in parallel and
// collects responses until all reachable acceptors have replied. It is not
// short-circuited on quorum: a slower but more advanced node must get its
// say, because its promise may carry the value that has to win. A rejection
// carrying a higher in-flight proposal aborts the phase immediately.
func (p *Proposer) phase1(ctx context.Context, proposal Proposal) phase1Result {
	replies := p.broadcast(ctx, p.acceptors, NewPropose(proposal))

	res := phase1Result{}
	for i := 0; i < len(p.acceptors); i++ {
		r := <-replies
		if r.err != nil {
			res.unreachable++
			continue
		}
		switch r.msg.MsgType {
		case MsgTPromise:
			res.promises = append(res.promises, PromiseExchange{
				Acceptor:         r.acceptor,
				AcceptedProposal: r.msg.AcceptedProposal,
				AcceptedValue:    r.msg.Value,
			})
		case MsgTReject:
			// a higher-numbered proposal is in flight: this round cannot
			// win, stop waiting for the remaining replies
			log.Debugf("phase 1 reject from %s, promised %s", r.acceptor, r.msg.AcceptedProposal)
			res.higherProposal = true
			return res
		default:
			log.Warningf("unexpected %s from %s in phase 1", r.msg.MsgType, r.acceptor)
			res.unreachable++
		}
	}
	return res
}

// --------------------------------------------------------------------------
// Phase 2
// --------------------------------------------------------------------------

// phase2Result is the owned accumulator of one phase 2 broadcast.
type phase2Result struct {
	accepted       int
	higherProposal bool
	unreachable    int
}

// phase2 broadcasts the accept request to the promising acceptors only and
// tallies acceptances. Unlike phase 1, it short-circuits as soon as quorum is
// achieved: waiting further cannot change the outcome. Outstanding exchanges
// are abandoned, not awaited.
func (p *Proposer) phase2(ctx context.Context, proposal Proposal, value Value, promisers []string, required int) phase2Result {
	replies := p.broadcast(ctx, promisers, NewAccept(proposal, value))

	res := phase2Result{}
	for i := 0; i < len(promisers); i++ {
		r := <-replies
		if r.err != nil {
			res.unreachable++
			continue
		}
		switch r.msg.MsgType {
		case MsgTAccepted:
			res.accepted++
			if res.accepted >= required {
				return res
			}
		case MsgTReject:
			log.Debugf("phase 2 reject from %s, promised %s", r.acceptor, r.msg.AcceptedProposal)
			res.higherProposal = true
			return res
		default:
			log.Warningf("unexpected %s from %s in phase 2", r.msg.MsgType, r.acceptor)
			res.unreachable++
		}
	}
	return res
}

// --------------------------------------------------------------------------
// Broadcast helper
// --------------------------------------------------------------------------

// exchangeReply carries one acceptor's response through the tally loop.
type exchangeReply struct {
	acceptor string
	msg      Message
	err      error
}

// broadcast runs one exchange per target concurrently and returns a channel
// the tally loop drains in completion order, not send order. The channel is
// buffered so abandoned goroutines never leak.
func (p *Proposer) broadcast(ctx context.Context, targets []string, req Message) <-chan exchangeReply {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)

	replies := make(chan exchangeReply, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, target := range targets {
		go func(target string) {
			defer wg.Done()
			msg, err := p.exchanger.Exchange(cctx, target, req)
			replies <- exchangeReply{acceptor: target, msg: msg, err: err}
		}(target)
	}

	// release the phase timeout as soon as the last exchange finishes,
	// not when the timer fires
	go func() {
		wg.Wait()
		cancel()
	}()

	return replies
}

// --------------------------------------------------------------------------
// Default collaborator implementations
// --------------------------------------------------------------------------

// masterValueChooser implements the master election rule: if any acceptor
// already accepted a value, the value of the highest accepted proposal must
// win; otherwise the proposer's own candidate is pushed.
type masterValueChooser struct {
	self Value
}

// NewMasterValueChooser creates the default chooser pushing the given
// candidate when no prior acceptance exists.
func NewMasterValueChooser(candidate Value) ValueChooser {
	return &masterValueChooser{self: candidate}
}

func (c *masterValueChooser) ChoosePhase2Value(promises []PromiseExchange) (Value, bool) {
	best := ZeroProposal
	value := c.self
	for _, pe := range promises {
		if !pe.AcceptedProposal.IsZero() && pe.AcceptedProposal.Compare(best) > 0 {
			best = pe.AcceptedProposal
			value = pe.AcceptedValue
		}
	}
	if value == NoValue {
		return NoValue, false
	}
	return value, true
}

// boundedRetry implements RetryPredicate with a fixed round budget and an
// externally supplied conclusion check.
type boundedRetry struct {
	limit     int
	attempts  int
	concluded func() bool
}

// NewBoundedRetry creates a retry predicate allowing up to limit rounds.
// The concluded callback may be nil.
func NewBoundedRetry(limit int, concluded func() bool) RetryPredicate {
	return &boundedRetry{limit: limit, concluded: concluded}
}

func (r *boundedRetry) Retry() bool {
	if r.attempts >= r.limit {
		return false
	}
	r.attempts++
	return true
}

func (r *boundedRetry) Retries() int {
	return r.attempts
}

func (r *boundedRetry) RoundConcluded() bool {
	return r.concluded != nil && r.concluded()
}
