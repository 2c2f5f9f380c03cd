package election

import (
	"sync"
)

// --------------------------------------------------------------------------
// Acceptor
// --------------------------------------------------------------------------

// Acceptor implements the passive side of the consensus protocol. It grants
// promises and acceptances under the standard rules: never go back on a
// promise, and report the highest accepted pair when promising.
type Acceptor struct {
	name string

	mu            sync.Mutex
	promised      Proposal
	accepted      Proposal
	acceptedValue Value
}

// NewAcceptor creates an acceptor with empty promise/acceptance state.
func NewAcceptor(name string) *Acceptor {
	return &Acceptor{name: name}
}

// Name returns the acceptor's identity.
func (a *Acceptor) Name() string {
	return a.name
}

// Handle dispatches one election request and returns the reply.
func (a *Acceptor) Handle(req Message) Message {
	switch req.MsgType {
	case MsgTPropose:
		return a.handlePropose(req)
	case MsgTAccept:
		return a.handleAccept(req)
	default:
		return NewProtocolError(req.Proposal, "unexpected message type "+req.MsgType.String())
	}
}

// handlePropose grants a promise when the proposal is at least as high as
// everything promised before, reporting the highest accepted pair so the
// proposer can adopt a possibly chosen value.
func (a *Acceptor) handlePropose(req Message) Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Proposal.Compare(a.promised) < 0 {
		return NewReject(req.Proposal, a.promised)
	}
	a.promised = req.Proposal
	return NewPromise(req.Proposal, a.accepted, a.acceptedValue)
}

// handleAccept accepts the proposal unless a higher promise was given in the
// meantime.
func (a *Acceptor) handleAccept(req Message) Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Proposal.Compare(a.promised) < 0 {
		return NewReject(req.Proposal, a.promised)
	}
	a.promised = req.Proposal
	a.accepted = req.Proposal
	a.acceptedValue = req.Value
	return NewAccepted(req.Proposal, req.Value)
}

// Accepted returns the acceptor's current accepted pair.
func (a *Acceptor) Accepted() (Proposal, Value) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accepted, a.acceptedValue
}

// --------------------------------------------------------------------------
// Learner
// --------------------------------------------------------------------------

// Learner tallies acceptances and declares a value chosen once a quorum of
// distinct acceptors accepted the same proposal. Once chosen, the value
// never changes for the lifetime of the learner.
type Learner struct {
	policy    QuorumPolicy
	groupSize int

	mu     sync.Mutex
	votes  map[string]map[string]struct{} // proposal rendering -> acceptor set
	values map[string]Value               // proposal rendering -> value

	chosenProposal Proposal
	chosenValue    Value
	hasChosen      bool
}

// NewLearner creates a learner for a group of the given size.
func NewLearner(policy QuorumPolicy, groupSize int) *Learner {
	return &Learner{
		policy:    policy,
		groupSize: groupSize,
		votes:     make(map[string]map[string]struct{}),
		values:    make(map[string]Value),
	}
}

// Observe records one acceptance. It returns the chosen value and true once
// quorum has been reached for any proposal.
func (l *Learner) Observe(acceptor string, proposal Proposal, value Value) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hasChosen {
		return l.chosenValue, true
	}

	key := proposal.String()
	set, ok := l.votes[key]
	if !ok {
		set = make(map[string]struct{})
		l.votes[key] = set
		l.values[key] = value
	}
	set[acceptor] = struct{}{}

	if len(set) >= l.policy.Requirement(l.groupSize) {
		l.hasChosen = true
		l.chosenProposal = proposal
		l.chosenValue = l.values[key]
		return l.chosenValue, true
	}
	return NoValue, false
}

// Chosen returns the decided value, if any.
func (l *Learner) Chosen() (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chosenValue, l.hasChosen
}
