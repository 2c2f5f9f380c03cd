package election

// --------------------------------------------------------------------------
// Quorum policies
// --------------------------------------------------------------------------

// QuorumPolicy determines how many acceptor votes constitute a decision.
type QuorumPolicy uint8

const (
	// SimpleMajority requires more than half of the voting members. With
	// exactly two voting members a single yes vote is sufficient, so a
	// two-node group stays available when one node is down.
	SimpleMajority QuorumPolicy = iota

	// AllVotes requires every voting member to agree. Used for operations
	// that must be visible on every node before they take effect.
	AllVotes
)

// String returns the string representation of a QuorumPolicy.
func (p QuorumPolicy) String() string {
	switch p {
	case SimpleMajority:
		return "simple-majority"
	case AllVotes:
		return "all"
	default:
		return "unknown"
	}
}

// Requirement returns the number of yes votes the policy demands for a group
// of the given size.
func (p QuorumPolicy) Requirement(groupSize int) int {
	switch p {
	case SimpleMajority:
		if groupSize == 2 {
			// special case: a two-member group accepts with one yes vote
			return 1
		}
		return groupSize/2 + 1
	case AllVotes:
		return groupSize
	default:
		return groupSize/2 + 1
	}
}
