// Package serializer provides message serialization capabilities for the
// replication stream. It defines a common interface and multiple
// implementations for serializing and deserializing messages between the
// feeder and its consumers.
//
// The package focuses on:
//   - Providing a consistent interface for different serialization formats
//   - Supporting efficient encoding of the system's message structure
//   - Minimizing memory allocations on the hot replay path
//
// Key Components:
//
//   - IWireSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - binarySerializerImpl: Custom binary format implementation optimized for
//     speed and space efficiency. Uses a flag-based approach to encode only
//     present fields (opcode byte, presence flags, packed integers, VLSNs
//     and the sync-policy ordinal), resulting in compact serialized data.
//     This is the production codec.
//
//   - jsonSerializerImpl: Implementation using JSON encoding, useful for
//     debugging a stream with external tooling, but with lower performance.
//
// The election sub-protocol does not use this package: its messages travel
// as delimiter-separated text records, implemented in lib/election.
package serializer
