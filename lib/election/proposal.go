package election

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// Value is the opaque payload an election chooses - in this system the
// identity of the elected master. A Value must not contain the wire field
// separator.
type Value string

// NoValue marks the absence of a value.
const NoValue Value = ""

// --------------------------------------------------------------------------
// Proposal
// --------------------------------------------------------------------------

// Proposal is an immutable, totally ordered proposal identifier. Ordering is
// by timestamp first, with ties broken by the suffix content, so proposals
// from different nodes never compare equal unless they are the same proposal.
type Proposal struct {
	// TimeMs is the proposal timestamp in milliseconds.
	TimeMs uint64

	// Suffix is the opaque per-node tie breaker (typically the node name).
	Suffix string
}

// ZeroProposal is the proposal ordered before every real proposal.
var ZeroProposal = Proposal{}

// IsZero reports whether p is the zero proposal.
func (p Proposal) IsZero() bool {
	return p.TimeMs == 0 && p.Suffix == ""
}

// Compare returns -1, 0, or 1 as p orders before, equal to, or after o.
func (p Proposal) Compare(o Proposal) int {
	if p.TimeMs < o.TimeMs {
		return -1
	}
	if p.TimeMs > o.TimeMs {
		return 1
	}
	return strings.Compare(p.Suffix, o.Suffix)
}

// String renders the proposal as a fixed 16-hex-digit timestamp followed by
// the suffix. The rendering contains no wire field separator, so it can be
// embedded verbatim in a text protocol record.
func (p Proposal) String() string {
	return fmt.Sprintf("%016x%s", p.TimeMs, p.Suffix)
}

// ParseProposal parses the String rendering back into a Proposal.
func ParseProposal(s string) (Proposal, error) {
	if s == "" {
		return ZeroProposal, nil
	}
	if len(s) < 16 {
		return ZeroProposal, fmt.Errorf("proposal too short: %q", s)
	}
	ms, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return ZeroProposal, fmt.Errorf("invalid proposal timestamp in %q: %w", s, err)
	}
	return Proposal{TimeMs: ms, Suffix: s[16:]}, nil
}

// --------------------------------------------------------------------------
// Proposal generation
// --------------------------------------------------------------------------

// ProposalGenerator produces the next proposal for a round. Implementations
// must never produce a non-increasing proposal within one process lifetime,
// even under rapid successive invocation.
type ProposalGenerator interface {
	NextProposal() Proposal
}

// timebasedGenerator implements ProposalGenerator on the wall clock, bumping
// the timestamp by one millisecond whenever the clock has not advanced since
// the previous call.
type timebasedGenerator struct {
	suffix string
	lastMs atomic.Uint64
}

// NewTimebasedGenerator creates a monotonic wall-clock proposal generator.
// The suffix must not contain the wire field separator.
func NewTimebasedGenerator(suffix string) (ProposalGenerator, error) {
	if strings.ContainsRune(suffix, wireSeparator) {
		return nil, fmt.Errorf("proposal suffix %q contains the reserved separator %q", suffix, wireSeparator)
	}
	return &timebasedGenerator{suffix: suffix}, nil
}

func (g *timebasedGenerator) NextProposal() Proposal {
	for {
		now := uint64(time.Now().UnixMilli())
		last := g.lastMs.Load()
		if now <= last {
			now = last + 1
		}
		if g.lastMs.CompareAndSwap(last, now) {
			return Proposal{TimeMs: now, Suffix: g.suffix}
		}
	}
}
