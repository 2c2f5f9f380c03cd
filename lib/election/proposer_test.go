package election

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// In-memory exchanger with simulated network behavior
// --------------------------------------------------------------------------

// memExchanger delivers exchanges to in-process acceptors with optional
// random delays and partitions
type memExchanger struct {
	mu        sync.Mutex
	acceptors map[string]*Acceptor
	maxDelay  time.Duration
	down      map[string]bool
	rng       *rand.Rand
}

func newMemExchanger(names ...string) *memExchanger {
	e := &memExchanger{
		acceptors: make(map[string]*Acceptor),
		down:      make(map[string]bool),
		rng:       rand.New(rand.NewSource(42)),
	}
	for _, n := range names {
		e.acceptors[n] = NewAcceptor(n)
	}
	return e
}

func (e *memExchanger) names() []string {
	out := make([]string, 0, len(e.acceptors))
	for n := range e.acceptors {
		out = append(out, n)
	}
	return out
}

func (e *memExchanger) setDown(name string, down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.down[name] = down
}

func (e *memExchanger) Exchange(ctx context.Context, acceptor string, req Message) (Message, error) {
	e.mu.Lock()
	a, ok := e.acceptors[acceptor]
	down := e.down[acceptor]
	var delay time.Duration
	if e.maxDelay > 0 {
		delay = time.Duration(e.rng.Int63n(int64(e.maxDelay)))
	}
	e.mu.Unlock()

	if !ok || down {
		return Message{}, errors.New("acceptor unreachable")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	return a.Handle(req), nil
}

func newTestProposer(t *testing.T, ex *memExchanger, candidate Value) *Proposer {
	t.Helper()
	gen, err := NewTimebasedGenerator(string(candidate))
	if err != nil {
		t.Fatalf("generator creation failed: %v", err)
	}
	return NewProposer(gen, NewMasterValueChooser(candidate), ex, ex.names(), time.Second)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestIssueProposalElects tests the happy path with all acceptors healthy
func TestIssueProposalElects(t *testing.T) {
	ex := newMemExchanger("a1", "a2", "a3")
	p := newTestProposer(t, ex, Value("node-1"))

	win, err := p.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil))
	if err != nil {
		t.Fatalf("election failed: %v", err)
	}
	if win.Value != Value("node-1") {
		t.Errorf("expected own candidate to win, got %q", win.Value)
	}
	if win.Stats.Rounds != 1 {
		t.Errorf("expected a single round, got %d", win.Stats.Rounds)
	}
}

// TestIssueProposalTwoMemberGroup tests that one acceptor plus the
// two-member quorum rule is enough
func TestIssueProposalTwoMemberGroup(t *testing.T) {
	ex := newMemExchanger("a1", "a2")
	ex.setDown("a2", true)
	p := newTestProposer(t, ex, Value("node-1"))

	win, err := p.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil))
	if err != nil {
		t.Fatalf("two-member election with one acceptor down failed: %v", err)
	}
	if win.Value != Value("node-1") {
		t.Errorf("unexpected winner %q", win.Value)
	}
}

// TestIssueProposalNoQuorum tests retry exhaustion when a majority is
// unreachable
func TestIssueProposalNoQuorum(t *testing.T) {
	ex := newMemExchanger("a1", "a2", "a3")
	ex.setDown("a2", true)
	ex.setDown("a3", true)
	p := newTestProposer(t, ex, Value("node-1"))

	_, err := p.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil))

	var exit *ExitElectionError
	if !errors.As(err, &exit) {
		t.Fatalf("expected ExitElectionError, got %v", err)
	}
	if exit.Stats.Rounds != 3 {
		t.Errorf("expected 3 exhausted rounds, got %d", exit.Stats.Rounds)
	}
	if exit.Stats.Phase1NoQuorum != 3 {
		t.Errorf("expected 3 phase 1 quorum failures, got %d", exit.Stats.Phase1NoQuorum)
	}
}

// TestIssueProposalConcluded tests the concurrent-round short circuit
func TestIssueProposalConcluded(t *testing.T) {
	ex := newMemExchanger("a1", "a2", "a3")
	p := newTestProposer(t, ex, Value("node-1"))

	_, err := p.IssueProposal(context.Background(), SimpleMajority,
		NewBoundedRetry(5, func() bool { return true }))

	var exit *ExitElectionError
	if !errors.As(err, &exit) {
		t.Fatalf("expected ExitElectionError, got %v", err)
	}
}

// TestIssueProposalAdoptsAcceptedValue tests the safety rule: a value that
// may already be chosen must be adopted, not overridden
func TestIssueProposalAdoptsAcceptedValue(t *testing.T) {
	ex := newMemExchanger("a1", "a2", "a3")

	// first proposer elects node-1
	p1 := newTestProposer(t, ex, Value("node-1"))
	if _, err := p1.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil)); err != nil {
		t.Fatalf("first election failed: %v", err)
	}

	// a later proposer with its own candidate must adopt the chosen value
	p2 := newTestProposer(t, ex, Value("node-2"))
	win, err := p2.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil))
	if err != nil {
		t.Fatalf("second election failed: %v", err)
	}
	if win.Value != Value("node-1") {
		t.Errorf("second proposer must adopt the accepted value node-1, got %q", win.Value)
	}
}

// TestConsensusSafetyUnderContention tests that concurrent proposers with
// randomized network delays never decide on different values
func TestConsensusSafetyUnderContention(t *testing.T) {
	for run := 0; run < 10; run++ {
		ex := newMemExchanger("a1", "a2", "a3", "a4", "a5")
		ex.maxDelay = 2 * time.Millisecond

		type outcome struct {
			value Value
			err   error
		}
		results := make(chan outcome, 3)

		for i := 0; i < 3; i++ {
			candidate := Value([]string{"node-1", "node-2", "node-3"}[i])
			p := newTestProposer(t, ex, candidate)
			go func(p *Proposer) {
				win, err := p.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(20, nil))
				if err != nil {
					results <- outcome{err: err}
					return
				}
				results <- outcome{value: win.Value}
			}(p)
		}

		chosen := NoValue
		for i := 0; i < 3; i++ {
			r := <-results
			if r.err != nil {
				// exhausting retries under contention is acceptable,
				// deciding differently is not
				continue
			}
			if chosen == NoValue {
				chosen = r.value
			} else if r.value != chosen {
				t.Fatalf("run %d: two different values decided: %q and %q", run, chosen, r.value)
			}
		}
	}
}

// ctxRecordingExchanger records the context of every exchange so a test
// can observe when the broadcast releases it
type ctxRecordingExchanger struct {
	*memExchanger
	mu   sync.Mutex
	ctxs []context.Context
}

func (e *ctxRecordingExchanger) Exchange(ctx context.Context, acceptor string, req Message) (Message, error) {
	e.mu.Lock()
	e.ctxs = append(e.ctxs, ctx)
	e.mu.Unlock()
	return e.memExchanger.Exchange(ctx, acceptor, req)
}

// TestBroadcastReleasesTimeoutEarly tests that a broadcast cancels its
// phase context once the last exchange answers, instead of holding it
// until the phase timer fires
func TestBroadcastReleasesTimeoutEarly(t *testing.T) {
	ex := &ctxRecordingExchanger{memExchanger: newMemExchanger("a1", "a2", "a3")}
	gen, err := NewTimebasedGenerator("node-1")
	if err != nil {
		t.Fatalf("generator creation failed: %v", err)
	}
	p := NewProposer(gen, NewMasterValueChooser(Value("node-1")), ex, ex.names(), time.Minute)

	if _, err := p.IssueProposal(context.Background(), SimpleMajority, NewBoundedRetry(3, nil)); err != nil {
		t.Fatalf("election failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	ex.mu.Lock()
	ctxs := append([]context.Context(nil), ex.ctxs...)
	ex.mu.Unlock()
	if len(ctxs) == 0 {
		t.Fatal("no exchanges recorded")
	}
	for _, ctx := range ctxs {
		select {
		case <-ctx.Done():
		case <-time.After(time.Until(deadline)):
			t.Fatal("phase context still held long after all exchanges finished")
		}
	}
}

// TestLearnerDeclaresChosen tests the learner quorum tally
func TestLearnerDeclaresChosen(t *testing.T) {
	l := NewLearner(SimpleMajority, 3)
	proposal := Proposal{TimeMs: 9, Suffix: "n1"}

	if _, chosen := l.Observe("a1", proposal, Value("node-1")); chosen {
		t.Error("one vote out of three must not decide")
	}
	value, chosen := l.Observe("a2", proposal, Value("node-1"))
	if !chosen || value != Value("node-1") {
		t.Errorf("two votes out of three must decide node-1, got %q chosen=%v", value, chosen)
	}

	// duplicate votes from the same acceptor must not count twice
	l2 := NewLearner(SimpleMajority, 3)
	l2.Observe("a1", proposal, Value("node-1"))
	if _, chosen := l2.Observe("a1", proposal, Value("node-1")); chosen {
		t.Error("duplicate votes from one acceptor must not reach quorum")
	}
}
