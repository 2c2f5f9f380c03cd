package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relog-db/relog/lib/commitlog"
)

// --------------------------------------------------------------------------
// VLSN / Sync Policy
// --------------------------------------------------------------------------

// VLSN is the virtual log sequence number of a committed record in the
// replicated commit stream. The type is owned by the commit log; the alias
// keeps wire-level code readable.
type VLSN = commitlog.VLSN

// NullVLSN is the zero position, ordered before every real VLSN.
const NullVLSN = commitlog.NullVLSN

// SyncPolicy determines the durability requirement a master attaches to a
// commit before the consumer may acknowledge it.
type SyncPolicy uint8

const (
	// SyncPolicyNoSync requires no explicit flush before the ack.
	SyncPolicyNoSync SyncPolicy = iota
	// SyncPolicyWriteNoSync requires the write to reach the OS, not the disk.
	SyncPolicyWriteNoSync
	// SyncPolicySync requires an fsync before the ack is produced.
	SyncPolicySync
)

// String returns the string representation of a SyncPolicy.
func (p SyncPolicy) String() string {
	switch p {
	case SyncPolicyNoSync:
		return "no-sync"
	case SyncPolicyWriteNoSync:
		return "write-no-sync"
	case SyncPolicySync:
		return "sync"
	default:
		return "unknown"
	}
}

// NodeType identifies the replication role of a stream consumer.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	// NodeTypeReplica holds full data and replays every record.
	NodeTypeReplica
	// NodeTypeArbiter acknowledges commits for quorum purposes without
	// holding data. Its delivery order is not guaranteed to be VLSN ordered.
	NodeTypeArbiter
)

// String returns the string representation of a NodeType.
func (t NodeType) String() string {
	switch t {
	case NodeTypeReplica:
		return "replica"
	case NodeTypeArbiter:
		return "arbiter"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Handshake rejection codes
// --------------------------------------------------------------------------

// HandshakeErrCode classifies a handshake rejection on the wire, so the
// consumer's retry decision never depends on rejection prose.
type HandshakeErrCode uint8

const (
	// HandshakeOK means the handshake was accepted.
	HandshakeOK HandshakeErrCode = iota
	// HandshakeErrInvalid rejects a malformed or unserviceable handshake
	// (missing name, unknown role, bogus start position). Retryable.
	HandshakeErrInvalid
	// HandshakeErrStaleMaster reports that the consumer has seen a higher
	// master term than this feeder's. The consumer should find the newer
	// master. Retryable.
	HandshakeErrStaleMaster
	// HandshakeErrFullSyncRequired reports that the requested start
	// position was already reclaimed. Terminal: the node needs a full
	// copy before it can rejoin the stream.
	HandshakeErrFullSyncRequired
)

// String returns the string representation of a HandshakeErrCode.
func (c HandshakeErrCode) String() string {
	switch c {
	case HandshakeOK:
		return "ok"
	case HandshakeErrInvalid:
		return "invalid"
	case HandshakeErrStaleMaster:
		return "stale-master"
	case HandshakeErrFullSyncRequired:
		return "full-sync-required"
	default:
		return "unknown"
	}
}

// HandshakeError is a structured handshake rejection: a wire-stable code
// plus human-readable detail.
type HandshakeError struct {
	Code HandshakeErrCode
	Msg  string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (%s): %s", e.Code, e.Msg)
}

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single record of the replication stream protocol.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Stream position fields
	VLSN       VLSN   `json:"vlsn,omitempty"`        // Used for: Entry, Commit, Ack, Handshake (start position)
	TxnID      uint64 `json:"txn_id,omitempty"`      // Used for: Commit, Ack
	DTVLSN     VLSN   `json:"dtvlsn,omitempty"`      // Used for: Commit (master's durable watermark)
	MasterTerm uint64 `json:"master_term,omitempty"` // Used for: Commit, Handshake

	// Durability and timing fields
	SyncPolicy     SyncPolicy `json:"sync_policy,omitempty"`      // Used for: Commit
	TimestampMs    uint64     `json:"timestamp_ms,omitempty"`     // Used for: Commit, Heartbeat
	HeartbeatID    uint64     `json:"heartbeat_id,omitempty"`     // Used for: Heartbeat, HeartbeatResponse
	ShutdownTimeMs uint64     `json:"shutdown_time_ms,omitempty"` // Used for: ShutdownRequest

	// Payload fields
	Key   string `json:"key,omitempty"`   // Used for: Entry, Handshake (node name)
	Value []byte `json:"value,omitempty"` // Used for: Entry

	// Consumer identity
	NodeType NodeType `json:"node_type,omitempty"` // Used for: Handshake

	// Error transport
	Err     string           `json:"err,omitempty"`      // Used for: ProtocolError, HandshakeResponse
	ErrCode HandshakeErrCode `json:"err_code,omitempty"` // Used for: HandshakeResponse
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewEntry creates a new Entry message carrying one replicated record.
func NewEntry(vlsn VLSN, key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTEntry,
		VLSN:    vlsn,
		Key:     key,
		Value:   value,
	}
}

// NewCommit creates a new Commit message. The dtvlsn is the master's current
// durable-transaction watermark at send time.
func NewCommit(vlsn VLSN, txnID uint64, dtvlsn VLSN, masterTerm uint64, policy SyncPolicy) *Message {
	return &Message{
		MsgType:     MsgTCommit,
		VLSN:        vlsn,
		TxnID:       txnID,
		DTVLSN:      dtvlsn,
		MasterTerm:  masterTerm,
		SyncPolicy:  policy,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
}

// NewAck creates a new Ack message acknowledging a replayed commit.
func NewAck(vlsn VLSN, txnID uint64) *Message {
	return &Message{
		MsgType: MsgTAck,
		VLSN:    vlsn,
		TxnID:   txnID,
	}
}

// NewHeartbeat creates a new Heartbeat message.
func NewHeartbeat(id uint64) *Message {
	return &Message{
		MsgType:     MsgTHeartbeat,
		HeartbeatID: id,
		TimestampMs: uint64(time.Now().UnixMilli()),
	}
}

// NewHeartbeatResponse creates the response for a Heartbeat message.
func NewHeartbeatResponse(id uint64) *Message {
	return &Message{
		MsgType:     MsgTHeartbeatResponse,
		HeartbeatID: id,
	}
}

// NewShutdownRequest creates a master-initiated group shutdown request.
func NewShutdownRequest(shutdownTimeMs uint64) *Message {
	return &Message{
		MsgType:        MsgTShutdownRequest,
		ShutdownTimeMs: shutdownTimeMs,
	}
}

// NewShutdownResponse creates the consumer's ack for a shutdown request.
func NewShutdownResponse() *Message {
	return &Message{
		MsgType: MsgTShutdownResponse,
	}
}

// NewHandshake creates the first message a consumer sends after connecting.
// The vlsn is the position the consumer wants the stream to start at.
func NewHandshake(nodeName string, nodeType NodeType, startVLSN VLSN, masterTerm uint64) *Message {
	return &Message{
		MsgType:    MsgTHandshake,
		Key:        nodeName,
		NodeType:   nodeType,
		VLSN:       startVLSN,
		MasterTerm: masterTerm,
	}
}

// NewHandshakeResponse creates the feeder's reply to a Handshake. A
// structured HandshakeError carries its code onto the wire; any other
// error is reported as a generic invalid handshake.
func NewHandshakeResponse(masterTerm uint64, err error) *Message {
	msg := &Message{
		MsgType:    MsgTHandshakeResponse,
		MasterTerm: masterTerm,
	}
	if err != nil {
		var he *HandshakeError
		if errors.As(err, &he) {
			msg.ErrCode = he.Code
			msg.Err = he.Msg
		} else {
			msg.ErrCode = HandshakeErrInvalid
			msg.Err = err.Error()
		}
	}
	return msg
}

// NewProtocolError creates a new ProtocolError message.
func NewProtocolError(err string) *Message {
	return &Message{
		MsgType: MsgTProtocolError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the opcode of a replication stream message.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTEntry:
		return "entry"
	case MsgTHeartbeat:
		return "heartbeat"
	case MsgTHeartbeatResponse:
		return "heartbeatResponse"
	case MsgTCommit:
		return "commit"
	case MsgTAck:
		return "ack"
	case MsgTShutdownRequest:
		return "shutdownRequest"
	case MsgTShutdownResponse:
		return "shutdownResponse"
	case MsgTHandshake:
		return "handshake"
	case MsgTHandshakeResponse:
		return "handshakeResponse"
	case MsgTProtocolError:
		return "protocolError"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "entry":
		*t = MsgTEntry
	case "heartbeat":
		*t = MsgTHeartbeat
	case "heartbeatResponse":
		*t = MsgTHeartbeatResponse
	case "commit":
		*t = MsgTCommit
	case "ack":
		*t = MsgTAck
	case "shutdownRequest":
		*t = MsgTShutdownRequest
	case "shutdownResponse":
		*t = MsgTShutdownResponse
	case "handshake":
		*t = MsgTHandshake
	case "handshakeResponse":
		*t = MsgTHandshakeResponse
	case "protocolError":
		*t = MsgTProtocolError
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	MsgTUnknown MessageType = iota

	// Stream payload

	MsgTEntry  // One replicated record (key/value at a VLSN)
	MsgTCommit // Transaction commit marker, requests an acknowledgment

	// Liveness

	MsgTHeartbeat         // Liveness probe from the feeder
	MsgTHeartbeatResponse // Consumer's reply to a heartbeat

	// Acknowledgments

	MsgTAck // One acknowledgment per replayed commit

	// Connection lifecycle

	MsgTHandshake         // Consumer identity and requested start position
	MsgTHandshakeResponse // Feeder's accept/reject of the handshake
	MsgTShutdownRequest   // Master-initiated clean group shutdown
	MsgTShutdownResponse  // Consumer's ack of a shutdown request

	// Errors

	MsgTProtocolError // Unexpected message or framing violation
)
