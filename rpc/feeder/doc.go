// Package feeder implements the master side of the replication stream.
//
// One Server listens for consumer connections. Each accepted handshake
// spawns a Feeder that scans the commit log through a MasterFeederSource
// and streams Entry/Commit pairs (commit markers only, for arbiters),
// interleaving heartbeats while the log is idle. Acks flow back through
// the per-feeder reply loop into the shared AckTracker, which maintains
// the group's durable-transaction watermark (DTVLSN) piggybacked on every
// outgoing commit.
//
// The MasterFeederSource pins the segment files its scan still needs via
// the commit log's Protector and releases them on every exit path.
package feeder
