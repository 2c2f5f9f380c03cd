package election

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Election Message Structure
// --------------------------------------------------------------------------

// MessageType defines the type of an election sub-protocol message.
type MessageType uint8

const (
	MsgTUnknown MessageType = iota

	MsgTPropose  // Phase 1 request carrying the proposal
	MsgTPromise  // Phase 1 grant, may carry a previously accepted proposal+value
	MsgTAccept   // Phase 2 request carrying proposal and value
	MsgTAccepted // Phase 2 grant
	MsgTReject   // Refusal carrying evidence of a higher in-flight proposal

	MsgTProtocolError // Malformed or out-of-context message
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTPropose:
		return "PROPOSE"
	case MsgTPromise:
		return "PROMISE"
	case MsgTAccept:
		return "ACCEPT"
	case MsgTAccepted:
		return "ACCEPTED"
	case MsgTReject:
		return "REJECT"
	case MsgTProtocolError:
		return "PROTOCOLERROR"
	default:
		return "UNKNOWN"
	}
}

// parseMessageType converts the wire name back to a MessageType.
func parseMessageType(s string) (MessageType, error) {
	switch s {
	case "PROPOSE":
		return MsgTPropose, nil
	case "PROMISE":
		return MsgTPromise, nil
	case "ACCEPT":
		return MsgTAccept, nil
	case "ACCEPTED":
		return MsgTAccepted, nil
	case "REJECT":
		return MsgTReject, nil
	case "PROTOCOLERROR":
		return MsgTProtocolError, nil
	default:
		return MsgTUnknown, fmt.Errorf("unknown election message type %q", s)
	}
}

// Message represents a single election sub-protocol exchange. Which fields
// are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType

	// Proposal is the proposal the exchange is about (all message types).
	Proposal Proposal

	// AcceptedProposal carries a previously accepted proposal (Promise) or
	// the higher promised proposal a rejection is evidence of (Reject).
	AcceptedProposal Proposal

	// Value carries the proposed value (Accept) or a previously accepted
	// value (Promise).
	Value Value

	// Err carries the failure description of a ProtocolError.
	Err string
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewPropose creates a phase 1 request.
func NewPropose(p Proposal) Message {
	return Message{MsgType: MsgTPropose, Proposal: p}
}

// NewPromise creates a phase 1 grant. accepted/value carry the acceptor's
// highest previously accepted pair, or zero values if none exists.
func NewPromise(p Proposal, accepted Proposal, value Value) Message {
	return Message{MsgType: MsgTPromise, Proposal: p, AcceptedProposal: accepted, Value: value}
}

// NewAccept creates a phase 2 request.
func NewAccept(p Proposal, value Value) Message {
	return Message{MsgType: MsgTAccept, Proposal: p, Value: value}
}

// NewAccepted creates a phase 2 grant.
func NewAccepted(p Proposal, value Value) Message {
	return Message{MsgType: MsgTAccepted, Proposal: p, Value: value}
}

// NewReject creates a refusal carrying the higher promised proposal.
func NewReject(p Proposal, promised Proposal) Message {
	return Message{MsgType: MsgTReject, Proposal: p, AcceptedProposal: promised}
}

// NewProtocolError creates a protocol error reply.
func NewProtocolError(p Proposal, err string) Message {
	return Message{MsgType: MsgTProtocolError, Proposal: p, Err: err}
}

// --------------------------------------------------------------------------
// Text framing
// --------------------------------------------------------------------------

// wireSeparator separates the fields of an election wire record. Proposal
// renderings and values are guaranteed not to contain it.
const wireSeparator = '|'

// numWireFields is the fixed field count of an election wire record.
const numWireFields = 5

// Encode renders the message as a single delimiter-separated text record:
//
//	TYPE|proposal|acceptedProposal|value|err
//
// Proposals serialize as a fixed-width hex timestamp plus suffix; empty
// fields stay empty.
func Encode(m Message) (string, error) {
	if strings.ContainsRune(string(m.Value), wireSeparator) {
		return "", fmt.Errorf("value %q contains the reserved separator %q", m.Value, wireSeparator)
	}
	if strings.ContainsRune(m.Err, wireSeparator) {
		return "", fmt.Errorf("error text %q contains the reserved separator %q", m.Err, wireSeparator)
	}

	fields := []string{
		m.MsgType.String(),
		renderProposal(m.Proposal),
		renderProposal(m.AcceptedProposal),
		string(m.Value),
		m.Err,
	}
	return strings.Join(fields, string(wireSeparator)), nil
}

// Decode parses a text record produced by Encode.
func Decode(record string) (Message, error) {
	fields := strings.Split(record, string(wireSeparator))
	if len(fields) != numWireFields {
		return Message{}, fmt.Errorf("election record has %d fields, want %d: %q", len(fields), numWireFields, record)
	}

	msgType, err := parseMessageType(fields[0])
	if err != nil {
		return Message{}, err
	}

	proposal, err := ParseProposal(fields[1])
	if err != nil {
		return Message{}, err
	}

	accepted, err := ParseProposal(fields[2])
	if err != nil {
		return Message{}, err
	}

	return Message{
		MsgType:          msgType,
		Proposal:         proposal,
		AcceptedProposal: accepted,
		Value:            Value(fields[3]),
		Err:              fields[4],
	}, nil
}

// renderProposal keeps zero proposals out of the record entirely.
func renderProposal(p Proposal) string {
	if p.IsZero() {
		return ""
	}
	return p.String()
}
