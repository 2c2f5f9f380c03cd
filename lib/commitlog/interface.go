package commitlog

import (
	"errors"
	"time"
)

// --------------------------------------------------------------------------
// Core types
// --------------------------------------------------------------------------

// VLSN is the virtual log sequence number of a committed record. VLSNs start
// at 1 and are assigned densely by Append.
type VLSN uint64

// NullVLSN is the zero position, ordered before every real VLSN.
const NullVLSN VLSN = 0

// Record is one committed entry of the log.
type Record struct {
	VLSN  VLSN
	TxnID uint64
	Key   string
	Value []byte
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("commit log is closed")

	// ErrOutOfRange is returned when a VLSN lies beyond the end of the log.
	ErrOutOfRange = errors.New("vlsn out of range")

	// ErrReclaimed is returned when a VLSN's segment file was already
	// deleted by the cleaner.
	ErrReclaimed = errors.New("vlsn already reclaimed")
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ILog is the durable, file-organized commit log the replication core runs
// on. Write operations are single-writer (the master's commit path); read
// operations may run concurrently with writes.
type ILog interface {
	// Append adds one record and returns its VLSN. The record is visible
	// immediately but only durable after the next Sync.
	Append(txnID uint64, key string, value []byte) (VLSN, error)

	// ReadAt returns the record at the given VLSN.
	ReadAt(vlsn VLSN) (*Record, error)

	// WaitDurable blocks up to wait for the record at vlsn to become
	// durable. It returns (nil, false, nil) on timeout - the caller
	// interprets that as "nothing new yet", not as an error.
	WaitDurable(vlsn VLSN, wait time.Duration) (*Record, bool, error)

	// Sync makes every appended record durable and advances the durable
	// watermark.
	Sync() error

	// HighVLSN returns the last appended VLSN.
	HighVLSN() VLSN

	// DurableVLSN returns the durable watermark.
	DurableVLSN() VLSN

	// FileFor returns the segment file number holding the given VLSN.
	FileFor(vlsn VLSN) uint64

	// Protector returns the file-protection registrar of this log.
	Protector() *Protector

	// Close releases the log's resources.
	Close() error
}
