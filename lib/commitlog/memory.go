package commitlog

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// In-memory implementation
// --------------------------------------------------------------------------

// memoryLog keeps all records in a slice. It is used by tests and by
// arbiter nodes, which track watermarks without persisting record payloads.
type memoryLog struct {
	mu             sync.Mutex
	records        []Record
	lowVLSN        VLSN // first retained VLSN, records before it are reclaimed
	durable        VLSN
	closed         bool
	recordsPerFile uint64
	protector      *Protector

	// waitCh is closed and replaced whenever the durable watermark moves,
	// waking every WaitDurable caller at once.
	waitCh chan struct{}
}

// NewMemoryLog creates an empty in-memory log. recordsPerFile only affects
// the file numbering reported by FileFor.
func NewMemoryLog(recordsPerFile uint64) ILog {
	return &memoryLog{
		lowVLSN:        1,
		recordsPerFile: recordsPerFile,
		protector:      NewProtector(),
		waitCh:         make(chan struct{}),
	}
}

func (l *memoryLog) Append(txnID uint64, key string, value []byte) (VLSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NullVLSN, ErrClosed
	}

	vlsn := l.lowVLSN + VLSN(len(l.records))
	l.records = append(l.records, Record{
		VLSN:  vlsn,
		TxnID: txnID,
		Key:   key,
		Value: value,
	})
	return vlsn, nil
}

func (l *memoryLog) ReadAt(vlsn VLSN) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAtLocked(vlsn)
}

func (l *memoryLog) readAtLocked(vlsn VLSN) (*Record, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if vlsn < l.lowVLSN {
		return nil, ErrReclaimed
	}
	if vlsn >= l.lowVLSN+VLSN(len(l.records)) {
		return nil, ErrOutOfRange
	}
	r := l.records[vlsn-l.lowVLSN]
	return &r, nil
}

func (l *memoryLog) WaitDurable(vlsn VLSN, wait time.Duration) (*Record, bool, error) {
	deadline := time.Now().Add(wait)

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, false, ErrClosed
		}
		if vlsn <= l.durable {
			r, err := l.readAtLocked(vlsn)
			l.mu.Unlock()
			if err != nil {
				return nil, false, err
			}
			return r, true, nil
		}
		ch := l.waitCh
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, false, nil
		}
	}
}

func (l *memoryLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	high := l.lowVLSN + VLSN(len(l.records)) - 1
	if high > l.durable {
		l.durable = high
		close(l.waitCh)
		l.waitCh = make(chan struct{})
	}
	return nil
}

func (l *memoryLog) HighVLSN() VLSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lowVLSN + VLSN(len(l.records)) - 1
}

func (l *memoryLog) DurableVLSN() VLSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durable
}

func (l *memoryLog) FileFor(vlsn VLSN) uint64 {
	if vlsn == NullVLSN {
		return 0
	}
	return (uint64(vlsn) - 1) / l.recordsPerFile
}

func (l *memoryLog) Protector() *Protector {
	return l.protector
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.waitCh)
	return nil
}
