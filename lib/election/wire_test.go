package election

import (
	"strings"
	"testing"
)

// TestEncodeDecodePromise tests that a promise carrying a prior acceptance
// survives the text framing
func TestEncodeDecodePromise(t *testing.T) {
	proposal := Proposal{TimeMs: 500, Suffix: "node-b"}
	accepted := Proposal{TimeMs: 300, Suffix: "node-a"}

	record, err := Encode(NewPromise(proposal, accepted, Value("node-a")))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if strings.Count(record, "|") != numWireFields-1 {
		t.Errorf("unexpected field count in %q", record)
	}

	msg, err := Decode(record)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.MsgType != MsgTPromise {
		t.Errorf("expected PROMISE, got %s", msg.MsgType)
	}
	if msg.Proposal != proposal || msg.AcceptedProposal != accepted {
		t.Errorf("proposals corrupted: %+v", msg)
	}
	if msg.Value != Value("node-a") {
		t.Errorf("value corrupted: %q", msg.Value)
	}
}

// TestEncodeRejectsSeparatorInValue tests that a value containing the
// reserved separator is refused rather than framed ambiguously
func TestEncodeRejectsSeparatorInValue(t *testing.T) {
	proposal := Proposal{TimeMs: 1, Suffix: "n"}
	if _, err := Encode(NewAccept(proposal, Value("a|b"))); err == nil {
		t.Error("value containing the separator must be rejected")
	}
}

// TestDecodeMalformed tests decode failures on malformed records
func TestDecodeMalformed(t *testing.T) {
	malformed := []string{
		"",
		"PROPOSE",
		"NOSUCHTYPE||||",
		"PROPOSE|zzzz|||", // proposal shorter than the fixed hex prefix
		"PROPOSE|0123||",
	}
	for _, record := range malformed {
		if _, err := Decode(record); err == nil {
			t.Errorf("expected decode of %q to fail", record)
		}
	}
}
