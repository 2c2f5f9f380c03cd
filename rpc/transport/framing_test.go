package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/relog-db/relog/rpc/common"
	"github.com/relog-db/relog/rpc/serializer"
)

// pipeChannels returns two connected channels
func pipeChannels() (*Channel, *Channel) {
	a, b := net.Pipe()
	ser := serializer.NewBinarySerializer()
	return NewChannel(a, ser), NewChannel(b, ser)
}

// TestChannelRoundTrip tests that a message written on one end arrives
// intact on the other
func TestChannelRoundTrip(t *testing.T) {
	left, right := pipeChannels()
	defer left.Close()
	defer right.Close()

	sent := common.NewCommit(12, 3, 10, 1, common.SyncPolicyNoSync)

	done := make(chan error, 1)
	go func() {
		done <- left.Write(sent, time.Second)
	}()

	got, err := right.Read(time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got.MsgType != common.MsgTCommit || got.VLSN != 12 || got.TxnID != 3 {
		t.Errorf("message corrupted in transit: %+v", got)
	}
}

// TestChannelReadTimeout tests that an idle channel reports the
// distinguished timeout error
func TestChannelReadTimeout(t *testing.T) {
	left, right := pipeChannels()
	defer left.Close()
	defer right.Close()

	_, err := right.Read(20 * time.Millisecond)
	if !errors.Is(err, ErrChannelTimeout) {
		t.Errorf("expected ErrChannelTimeout, got %v", err)
	}
}

// TestChannelRemoteClose tests that a closed peer surfaces a hard error,
// not a timeout
func TestChannelRemoteClose(t *testing.T) {
	left, right := pipeChannels()
	defer right.Close()

	left.Close()

	_, err := right.Read(time.Second)
	if err == nil {
		t.Fatal("expected error after remote close")
	}
	if errors.Is(err, ErrChannelTimeout) {
		t.Error("remote close must not be reported as a timeout")
	}
}
