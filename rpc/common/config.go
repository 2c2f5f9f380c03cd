package common

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Replication stream configuration
// --------------------------------------------------------------------------

// StreamConfig holds the tunables of the replication stream shared by the
// feeder (server side) and the acker (consumer side). All values are
// externally supplied; the protocol code never derives them internally.
type StreamConfig struct {
	// RequestQueueSize is the capacity of the bounded queue between the
	// network read loop and the replay goroutine.
	RequestQueueSize int

	// OutputQueueFactor sizes the output (ack) queue as a multiple of the
	// request queue so ack production cannot become the bottleneck.
	OutputQueueFactor int

	// GroupCommitLimit is the maximum number of consecutive messages replayed
	// as one durability group.
	GroupCommitLimit int

	// FsyncIntervalMs bounds how long a non-SYNC commit may stay unflushed.
	FsyncIntervalMs int64

	// HeartbeatIntervalMs is how often the feeder emits a heartbeat when the
	// stream is otherwise idle.
	HeartbeatIntervalMs int64

	// PreHeartbeatTimeoutMs is the channel read timeout before the first
	// heartbeat has been seen on a fresh connection.
	PreHeartbeatTimeoutMs int64

	// StreamTimeoutMs is the steady-state channel read timeout. Absence of
	// any traffic for this long is a connection failure, not an idle state.
	StreamTimeoutMs int64

	// QueuePollMs is the retry tick used when the request queue is full.
	QueuePollMs int64
}

// DefaultStreamConfig returns the stream defaults used when no explicit
// configuration is supplied.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RequestQueueSize:      1000,
		OutputQueueFactor:     2,
		GroupCommitLimit:      100,
		FsyncIntervalMs:       1000,
		HeartbeatIntervalMs:   1000,
		PreHeartbeatTimeoutMs: 10000,
		StreamTimeoutMs:       7000,
		QueuePollMs:           100,
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// StreamTimeout returns the steady-state read timeout as a duration.
func (c StreamConfig) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMs) * time.Millisecond
}

// PreHeartbeatTimeout returns the read timeout used before the first
// heartbeat arrives.
func (c StreamConfig) PreHeartbeatTimeout() time.Duration {
	return time.Duration(c.PreHeartbeatTimeoutMs) * time.Millisecond
}

// FsyncInterval returns the group flush interval as a duration.
func (c StreamConfig) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncIntervalMs) * time.Millisecond
}

// QueuePoll returns the request-queue retry tick as a duration.
func (c StreamConfig) QueuePoll() time.Duration {
	return time.Duration(c.QueuePollMs) * time.Millisecond
}

// --------------------------------------------------------------------------
// Consumer retry configuration
// --------------------------------------------------------------------------

// RetryConfig bounds the acker's outer reconnect loop. Network faults and
// service-not-yet-available faults each get their own retry budget.
type RetryConfig struct {
	NetworkRetries int
	ServiceRetries int
	RetryWaitMs    int64
}

// DefaultRetryConfig returns the reconnect defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		NetworkRetries: 10,
		ServiceRetries: 10,
		RetryWaitMs:    1000,
	}
}

// RetryWait returns the fixed backoff between reconnect attempts.
func (c RetryConfig) RetryWait() time.Duration {
	return time.Duration(c.RetryWaitMs) * time.Millisecond
}

// --------------------------------------------------------------------------
// Election configuration
// --------------------------------------------------------------------------

// ElectionConfig holds the tunables of the leader election protocol.
type ElectionConfig struct {
	// RetryLimit is the number of proposal rounds issued before the election
	// attempt is abandoned.
	RetryLimit int

	// RoundTimeoutMs bounds how long a single phase waits for acceptor
	// responses.
	RoundTimeoutMs int64
}

// DefaultElectionConfig returns the election defaults.
func DefaultElectionConfig() ElectionConfig {
	return ElectionConfig{
		RetryLimit:     10,
		RoundTimeoutMs: 2000,
	}
}

// RoundTimeout returns the per-phase timeout as a duration.
func (c ElectionConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutMs) * time.Millisecond
}

// --------------------------------------------------------------------------
// Node configuration
// --------------------------------------------------------------------------

// NodeConfig holds all configuration parameters of one replication node.
type NodeConfig struct {
	// NodeName is the unique identifier of this node within the group.
	NodeName string

	// NodeType is the replication role this node plays when it is not the
	// master (replica or arbiter).
	NodeType NodeType

	// GroupMembers maps node names to their replication stream addresses.
	GroupMembers map[string]string

	// ElectionMembers maps node names to their election (acceptor) addresses.
	ElectionMembers map[string]string

	// DataDir is the directory holding the segment files of the commit log.
	DataDir string

	// RecordsPerFile is the segment file capacity of the commit log.
	RecordsPerFile int

	// Stream, Retry and Election carry the protocol tunables.
	Stream   StreamConfig
	Retry    RetryConfig
	Election ElectionConfig

	// Logging configuration
	LogLevel string
}

// GroupSize returns the number of voting members of the group.
func (c *NodeConfig) GroupSize() int {
	return len(c.ElectionMembers)
}

// String returns a formatted string representation of the configuration.
func (c *NodeConfig) String() string {
	members := make([]string, 0, len(c.GroupMembers))
	for name, addr := range c.GroupMembers {
		members = append(members, fmt.Sprintf("%s=%s", name, addr))
	}
	sort.Strings(members)

	var b strings.Builder
	b.WriteString("NodeConfig{")
	b.WriteString(fmt.Sprintf("node=%s (%s), ", c.NodeName, c.NodeType))
	b.WriteString(fmt.Sprintf("members=[%s], ", strings.Join(members, ", ")))
	b.WriteString(fmt.Sprintf("dataDir=%s, ", c.DataDir))
	b.WriteString(fmt.Sprintf("queue=%d, group-commit=%d, fsync=%dms, ",
		c.Stream.RequestQueueSize, c.Stream.GroupCommitLimit, c.Stream.FsyncIntervalMs))
	b.WriteString(fmt.Sprintf("heartbeat=%dms, stream-timeout=%dms, ",
		c.Stream.HeartbeatIntervalMs, c.Stream.StreamTimeoutMs))
	b.WriteString(fmt.Sprintf("log-level=%s}", c.LogLevel))
	return b.String()
}
