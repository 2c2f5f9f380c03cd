package serializer

import (
	"bytes"
	"testing"

	"github.com/relog-db/relog/rpc/common"
)

// testSerializers returns all serializer implementations under test
func testSerializers() map[string]IWireSerializer {
	return map[string]IWireSerializer{
		"binary": NewBinarySerializer(),
		"json":   NewJSONSerializer(),
	}
}

// TestSerializeCommit tests the round trip of a fully populated commit
func TestSerializeCommit(t *testing.T) {
	msg := *common.NewCommit(42, 7, 40, 3, common.SyncPolicySync)

	for name, s := range testSerializers() {
		data, err := s.Serialize(msg)
		if err != nil {
			t.Fatalf("%s: serialize failed: %v", name, err)
		}

		var out common.Message
		if err := s.Deserialize(data, &out); err != nil {
			t.Fatalf("%s: deserialize failed: %v", name, err)
		}

		if out.MsgType != common.MsgTCommit {
			t.Errorf("%s: expected commit, got %s", name, out.MsgType)
		}
		if out.VLSN != 42 || out.TxnID != 7 || out.DTVLSN != 40 {
			t.Errorf("%s: position fields corrupted: vlsn=%d txn=%d dtvlsn=%d",
				name, out.VLSN, out.TxnID, out.DTVLSN)
		}
		if out.MasterTerm != 3 {
			t.Errorf("%s: expected master term 3, got %d", name, out.MasterTerm)
		}
		if out.SyncPolicy != common.SyncPolicySync {
			t.Errorf("%s: expected sync policy, got %s", name, out.SyncPolicy)
		}
		if out.TimestampMs != msg.TimestampMs {
			t.Errorf("%s: timestamp corrupted", name)
		}
	}
}

// TestSerializeEntry tests that entry payloads survive the round trip
func TestSerializeEntry(t *testing.T) {
	msg := *common.NewEntry(9, "user/17", []byte("payload bytes"))

	for name, s := range testSerializers() {
		data, err := s.Serialize(msg)
		if err != nil {
			t.Fatalf("%s: serialize failed: %v", name, err)
		}

		var out common.Message
		if err := s.Deserialize(data, &out); err != nil {
			t.Fatalf("%s: deserialize failed: %v", name, err)
		}

		if out.Key != "user/17" {
			t.Errorf("%s: expected key user/17, got %q", name, out.Key)
		}
		if !bytes.Equal(out.Value, []byte("payload bytes")) {
			t.Errorf("%s: value corrupted: %q", name, out.Value)
		}
	}
}

// TestSerializeHandshake tests that the consumer identity is preserved
func TestSerializeHandshake(t *testing.T) {
	msg := *common.NewHandshake("node-2", common.NodeTypeArbiter, 100, 5)

	for name, s := range testSerializers() {
		data, err := s.Serialize(msg)
		if err != nil {
			t.Fatalf("%s: serialize failed: %v", name, err)
		}

		var out common.Message
		if err := s.Deserialize(data, &out); err != nil {
			t.Fatalf("%s: deserialize failed: %v", name, err)
		}

		if out.NodeType != common.NodeTypeArbiter {
			t.Errorf("%s: expected arbiter, got %s", name, out.NodeType)
		}
		if out.Key != "node-2" || out.VLSN != 100 || out.MasterTerm != 5 {
			t.Errorf("%s: handshake fields corrupted: %+v", name, out)
		}
	}
}

// TestDeserializeResetsStaleFields ensures a reused message does not keep
// fields from a previous, larger message
func TestDeserializeResetsStaleFields(t *testing.T) {
	s := NewBinarySerializer()

	first := *common.NewEntry(9, "key", []byte("value"))
	second := *common.NewHeartbeat(1)

	var out common.Message

	data, err := s.Serialize(first)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	data, err = s.Serialize(second)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if out.Key != "" || out.Value != nil {
		t.Errorf("stale payload fields survived: key=%q value=%q", out.Key, out.Value)
	}
	if out.HeartbeatID != 1 {
		t.Errorf("expected heartbeat id 1, got %d", out.HeartbeatID)
	}
}

// TestDeserializeTruncated checks that truncated input fails cleanly
func TestDeserializeTruncated(t *testing.T) {
	s := NewBinarySerializer()

	msg := *common.NewEntry(9, "user/17", []byte("payload"))
	data, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	var out common.Message
	for cut := 1; cut < len(data); cut += 5 {
		if err := s.Deserialize(data[:cut], &out); err == nil && cut < len(data)-1 {
			// A clean decode of a truncated buffer is only acceptable when
			// the cut happens to land on a field boundary of a shorter
			// message; the payload length checks must catch everything else.
			if out.Key == msg.Key && bytes.Equal(out.Value, msg.Value) {
				t.Errorf("truncated buffer at %d decoded to full message", cut)
			}
		}
	}
}
