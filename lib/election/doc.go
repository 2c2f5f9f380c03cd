// Package election implements the leader election protocol of the
// replication group: a two-phase, quorum-based consensus over a fixed set of
// acceptors that decides which node acts as master.
//
// Protocol roles:
//
//   - Proposer: the active role. It issues proposals in rounds, collecting
//     promises in phase 1 and acceptances in phase 2. Phase 1 waits for all
//     reachable acceptors (a slower but more advanced node must get its say),
//     while phase 2 short-circuits as soon as quorum is reached. A rejection
//     carrying a higher in-flight proposal restarts the round with a new,
//     strictly higher proposal; it is never treated as a failure.
//
//   - Acceptor: the passive role. It grants a promise when the proposal is
//     at least as high as everything promised before and reports its highest
//     accepted pair, so a possibly chosen value always survives into the
//     next round.
//
//   - Learner: tallies acceptances and declares a value chosen once a quorum
//     of distinct acceptors accepted the same proposal.
//
// Proposals are timestamp-ordered with the node name as tie breaker, and the
// generator guarantees strictly increasing proposals within one process even
// under rapid successive calls.
//
// Wire format: election messages travel as newline-terminated text records,
// fields separated by a reserved separator character that proposal
// renderings and values are guaranteed not to contain. The proposal itself
// serializes as a fixed 16-hex-digit timestamp followed by its suffix.
//
// Policy injection: the proposal generator, the phase 2 value chooser, and
// the retry predicate are supplied by the caller, keeping the consensus
// algorithm itself free of election policy. The quorum rule is configurable
// as well; SimpleMajority special-cases a two-member group, which accepts
// with a single yes vote.
package election
