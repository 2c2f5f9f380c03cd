package commitlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestMemoryLogAppendRead(t *testing.T) {
	l := NewMemoryLog(10)
	defer l.Close()

	v1, err := l.Append(1, "a", []byte("x"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if v1 != 1 {
		t.Errorf("expected vlsn 1, got %d", v1)
	}
	v2, _ := l.Append(1, "b", []byte("y"))
	if v2 != 2 {
		t.Errorf("expected vlsn 2, got %d", v2)
	}

	r, err := l.ReadAt(2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if r.Key != "b" || string(r.Value) != "y" || r.TxnID != 1 {
		t.Errorf("unexpected record: %+v", r)
	}

	if _, err := l.ReadAt(3); err != ErrOutOfRange {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMemoryLogDurability(t *testing.T) {
	l := NewMemoryLog(10)
	defer l.Close()

	l.Append(1, "a", nil)
	if l.DurableVLSN() != NullVLSN {
		t.Errorf("record durable before sync")
	}

	// timeout path: record exists but is not durable
	r, ok, err := l.WaitDurable(1, 10*time.Millisecond)
	if r != nil || ok || err != nil {
		t.Errorf("expected timeout (nil, false, nil), got (%v, %v, %v)", r, ok, err)
	}

	// wake path: a concurrent sync releases the waiter
	done := make(chan *Record, 1)
	go func() {
		r, ok, err := l.WaitDurable(1, 5*time.Second)
		if err != nil || !ok {
			t.Errorf("wait failed: ok=%v err=%v", ok, err)
		}
		done <- r
	}()
	time.Sleep(20 * time.Millisecond)
	if err := l.Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	select {
	case r := <-done:
		if r == nil || r.VLSN != 1 {
			t.Errorf("unexpected record from wait: %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by sync")
	}

	if l.DurableVLSN() != 1 {
		t.Errorf("expected durable vlsn 1, got %d", l.DurableVLSN())
	}
}

func TestProtectedRangeNeverMovesBackward(t *testing.T) {
	p := NewProtector()
	r, err := p.Protect("node-a", 5)
	if err != nil {
		t.Fatalf("protect failed: %v", err)
	}

	r.Advance(3)
	if r.StartFile() != 5 {
		t.Errorf("advance moved range backward to %d", r.StartFile())
	}
	r.Advance(8)
	if r.StartFile() != 8 {
		t.Errorf("expected start 8, got %d", r.StartFile())
	}
	r.Advance(8)
	if r.StartFile() != 8 {
		t.Errorf("expected start 8 after no-op advance, got %d", r.StartFile())
	}
}

func TestProtectedFloor(t *testing.T) {
	p := NewProtector()
	if _, ok := p.ProtectedFloor(); ok {
		t.Error("empty registrar reported a floor")
	}

	ra, _ := p.Protect("node-a", 5)
	rb, _ := p.Protect("node-b", 2)
	if floor, ok := p.ProtectedFloor(); !ok || floor != 2 {
		t.Errorf("expected floor 2, got %d (ok=%v)", floor, ok)
	}

	rb.Release()
	if floor, ok := p.ProtectedFloor(); !ok || floor != 5 {
		t.Errorf("expected floor 5 after release, got %d (ok=%v)", floor, ok)
	}

	ra.Release()
	ra.Release() // idempotent
	if _, ok := p.ProtectedFloor(); ok {
		t.Error("floor survived release of all ranges")
	}
}

func TestProtectDuplicateName(t *testing.T) {
	p := NewProtector()
	if _, err := p.Protect("node-a", 0); err != nil {
		t.Fatalf("protect failed: %v", err)
	}
	if _, err := p.Protect("node-a", 3); err == nil {
		t.Error("expected error for duplicate range name")
	}
}

func TestFileLogRollsSegments(t *testing.T) {
	l, err := NewFileLog(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 7; i++ {
		if _, err := l.Append(uint64(i), fmt.Sprintf("key-%d", i), []byte{byte(i)}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	// vlsns 1-3 in file 0, 4-6 in file 1, 7 in file 2
	if got := l.FileFor(3); got != 0 {
		t.Errorf("FileFor(3) = %d, expected 0", got)
	}
	if got := l.FileFor(4); got != 1 {
		t.Errorf("FileFor(4) = %d, expected 1", got)
	}
	if got := l.FileFor(7); got != 2 {
		t.Errorf("FileFor(7) = %d, expected 2", got)
	}

	for i := 0; i < 7; i++ {
		r, err := l.ReadAt(VLSN(i + 1))
		if err != nil {
			t.Fatalf("read vlsn %d failed: %v", i+1, err)
		}
		if r.Key != fmt.Sprintf("key-%d", i) || r.TxnID != uint64(i) {
			t.Errorf("unexpected record at vlsn %d: %+v", i+1, r)
		}
	}
}

func TestFileLogRecovery(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir, 3)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		l.Append(7, fmt.Sprintf("key-%d", i), []byte("v"))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	l2, err := NewFileLog(dir, 3)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	if l2.HighVLSN() != 5 {
		t.Errorf("expected high vlsn 5 after recovery, got %d", l2.HighVLSN())
	}
	if l2.DurableVLSN() != 5 {
		t.Errorf("expected durable vlsn 5 after recovery, got %d", l2.DurableVLSN())
	}
	r, err := l2.ReadAt(4)
	if err != nil {
		t.Fatalf("read after recovery failed: %v", err)
	}
	if r.Key != "key-3" {
		t.Errorf("unexpected record after recovery: %+v", r)
	}

	// appends continue from the recovered high watermark
	v, err := l2.Append(8, "key-5", nil)
	if err != nil {
		t.Fatalf("append after recovery failed: %v", err)
	}
	if v != 6 {
		t.Errorf("expected vlsn 6, got %d", v)
	}
}

func TestFileLogTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileLog(dir, 100)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	l.Append(1, "a", []byte("x"))
	l.Append(1, "b", []byte("y"))
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// simulate a crash mid-write: a header promising more bytes than exist
	path := l.segmentPath(0)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 999)
	f.Write(hdr[:])
	f.Write([]byte("partial"))
	f.Close()

	l2, err := NewFileLog(dir, 100)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	if l2.HighVLSN() != 2 {
		t.Errorf("expected high vlsn 2 after truncation, got %d", l2.HighVLSN())
	}
	if _, err := l2.ReadAt(2); err != nil {
		t.Errorf("intact record lost by truncation: %v", err)
	}
}

func TestFileLogDeleteHonorsProtection(t *testing.T) {
	l, err := NewFileLog(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 8; i++ {
		l.Append(1, fmt.Sprintf("key-%d", i), nil)
	}
	// files: 0 (1-2), 1 (3-4), 2 (5-6), 3 (7-8)

	r, err := l.Protector().Protect("feeder", 1)
	if err != nil {
		t.Fatalf("protect failed: %v", err)
	}

	// request deletion through file 2, protection caps it at file 1
	if err := l.DeleteTo(6); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if l.LowFile() != 1 {
		t.Errorf("expected low file 1, got %d", l.LowFile())
	}
	if _, err := l.ReadAt(1); err != ErrReclaimed {
		t.Errorf("expected ErrReclaimed for vlsn 1, got %v", err)
	}
	if _, err := l.ReadAt(3); err != nil {
		t.Errorf("protected record reclaimed: %v", err)
	}

	// once the scan advances and releases, the files become reclaimable
	r.Advance(2)
	if err := l.DeleteTo(6); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if l.LowFile() != 2 {
		t.Errorf("expected low file 2, got %d", l.LowFile())
	}

	r.Release()
	if err := l.DeleteTo(8); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if l.LowFile() != 3 {
		t.Errorf("expected low file 3, got %d", l.LowFile())
	}
	if _, err := l.ReadAt(7); err != nil {
		t.Errorf("current-file record lost: %v", err)
	}
}
