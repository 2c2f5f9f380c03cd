// Package common provides core data structures and utilities shared across
// the replicated key-value storage engine. It defines fundamental types,
// configuration structures, and protocol elements used by other packages.
//
// The package focuses on:
//   - Message protocol definition for the replication stream
//   - Configuration structures for node, stream, retry, and election tuning
//   - Custom logging implementation integrated with Dragonboat's logger facade
//
// Key Components:
//
//   - Message: Core data structure for every replication stream exchange
//     (entries, commits, heartbeats, acks, handshakes, shutdown requests),
//     with a flexible structure that adapts to the message type. Includes
//     factory methods for creating the various messages.
//
//   - MessageType: Enumeration defining the opcode space of the replication
//     stream protocol.
//
//   - VLSN / SyncPolicy / NodeType: The stream position type, the durability
//     policy a master attaches to commits, and the consumer role (replica
//     or arbiter).
//
//   - NodeConfig / StreamConfig / RetryConfig / ElectionConfig: External
//     configuration surface. The protocol code consumes these values and
//     never derives queue sizes, timeouts, or retry counts internally.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the
//     application.
package common
