package commitlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("commitlog")

var (
	mAppends      = metrics.NewCounter("commitlog_appends_total")
	mSyncs        = metrics.NewCounter("commitlog_syncs_total")
	mFilesDeleted = metrics.NewCounter("commitlog_files_deleted_total")
	mDeleteDenied = metrics.NewCounter("commitlog_delete_denied_total")
)

const segmentSuffix = ".log"

// --------------------------------------------------------------------------
// File-backed implementation
// --------------------------------------------------------------------------

// FileLog stores records in numbered segment files of fixed capacity. File N
// holds VLSNs N*recordsPerFile+1 through (N+1)*recordsPerFile, so the
// segment holding a VLSN is computable without an index lookup.
//
// Appends go to the highest file; Sync fsyncs it. The cleaner deletes whole
// files from the low end, but never a file at or above the protected floor.
type FileLog struct {
	dir            string
	recordsPerFile uint64
	protector      *Protector

	mu      sync.Mutex
	cur     *os.File
	curFile uint64
	offsets map[uint64][]int64 // file number -> record offsets within the file
	lowFile uint64
	high    VLSN
	durable VLSN
	closed  bool
	waitCh  chan struct{}
}

// NewFileLog opens the log in dir, creating it when empty and recovering
// the high and durable watermarks from existing segment files. A torn tail
// record left by a crash is truncated away.
func NewFileLog(dir string, recordsPerFile uint64) (*FileLog, error) {
	if recordsPerFile == 0 {
		return nil, fmt.Errorf("recordsPerFile must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &FileLog{
		dir:            dir,
		recordsPerFile: recordsPerFile,
		protector:      NewProtector(),
		offsets:        make(map[uint64][]int64),
		waitCh:         make(chan struct{}),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLog) segmentPath(file uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x%s", file, segmentSuffix))
}

// recover scans the directory, rebuilds the per-file offset index and sets
// the watermarks. Everything found on disk survived an fsync or a clean
// close, so the durable watermark starts equal to the high watermark.
func (l *FileLog) recover() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}

	var files []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 16, 64)
		if err != nil {
			log.Warningf("ignoring unrecognized file %q in log dir", name)
			continue
		}
		files = append(files, n)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })

	if len(files) == 0 {
		f, err := os.OpenFile(l.segmentPath(0), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("create segment: %w", err)
		}
		l.cur = f
		l.curFile = 0
		l.offsets[0] = nil
		return nil
	}

	l.lowFile = files[0]
	for i, file := range files {
		last := i == len(files)-1
		offs, err := l.indexSegment(file, last)
		if err != nil {
			return err
		}
		l.offsets[file] = offs
		l.high = VLSN(file*l.recordsPerFile + uint64(len(offs)))
	}

	l.curFile = files[len(files)-1]
	f, err := os.OpenFile(l.segmentPath(l.curFile), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	l.cur = f
	l.durable = l.high
	log.Infof("recovered commit log: files %d..%d, high vlsn %d", l.lowFile, l.curFile, l.high)
	return nil
}

// indexSegment reads one segment file and returns the offsets of its
// records. For the last segment a torn tail record is truncated.
func (l *FileLog) indexSegment(file uint64, truncateTail bool) ([]int64, error) {
	f, err := os.OpenFile(l.segmentPath(file), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	fileSize := info.Size()

	var offs []int64
	var off int64
	var hdr [4]byte
	for off < fileSize {
		if off+4 > fileSize {
			break // torn header
		}
		if _, err := f.ReadAt(hdr[:], off); err != nil {
			return nil, fmt.Errorf("read record header: %w", err)
		}
		size := int64(binary.BigEndian.Uint32(hdr[:]))
		if off+4+size > fileSize {
			break // torn payload
		}
		offs = append(offs, off)
		off += 4 + size
	}
	if off == fileSize {
		return offs, nil
	}

	if !truncateTail {
		return nil, fmt.Errorf("segment %016x is torn in the middle of the log", file)
	}
	log.Warningf("truncating torn tail of segment %016x at offset %d", file, off)
	if err := f.Truncate(off); err != nil {
		return nil, fmt.Errorf("truncate segment: %w", err)
	}
	return offs, nil
}

// encodeRecord writes the on-disk form: a 4-byte length header followed by
// vlsn, txn id, key and value, each length-prefixed where variable.
func encodeRecord(r *Record) []byte {
	size := 8 + 8 + 2 + len(r.Key) + 4 + len(r.Value)
	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.VLSN))
	binary.BigEndian.PutUint64(buf[12:20], r.TxnID)
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(r.Key)))
	n := 22 + copy(buf[22:], r.Key)
	binary.BigEndian.PutUint32(buf[n:n+4], uint32(len(r.Value)))
	copy(buf[n+4:], r.Value)
	return buf
}

func decodeRecord(payload []byte) (*Record, error) {
	if len(payload) < 18 {
		return nil, fmt.Errorf("record too short: %d bytes", len(payload))
	}
	r := &Record{
		VLSN:  VLSN(binary.BigEndian.Uint64(payload[0:8])),
		TxnID: binary.BigEndian.Uint64(payload[8:16]),
	}
	keyLen := int(binary.BigEndian.Uint16(payload[16:18]))
	if len(payload) < 18+keyLen+4 {
		return nil, fmt.Errorf("record key overruns payload")
	}
	r.Key = string(payload[18 : 18+keyLen])
	valLen := int(binary.BigEndian.Uint32(payload[18+keyLen : 18+keyLen+4]))
	if len(payload) != 18+keyLen+4+valLen {
		return nil, fmt.Errorf("record value overruns payload")
	}
	r.Value = append([]byte(nil), payload[18+keyLen+4:]...)
	return r, nil
}

func (l *FileLog) Append(txnID uint64, key string, value []byte) (VLSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NullVLSN, ErrClosed
	}

	vlsn := l.high + 1
	file := l.fileFor(vlsn)
	if file != l.curFile {
		if err := l.rollLocked(file); err != nil {
			return NullVLSN, err
		}
	}

	rec := Record{VLSN: vlsn, TxnID: txnID, Key: key, Value: value}
	off, err := l.cur.Seek(0, io.SeekEnd)
	if err != nil {
		return NullVLSN, fmt.Errorf("seek segment: %w", err)
	}
	if _, err := l.cur.Write(encodeRecord(&rec)); err != nil {
		return NullVLSN, fmt.Errorf("write record: %w", err)
	}

	l.offsets[file] = append(l.offsets[file], off)
	l.high = vlsn
	mAppends.Inc()
	return vlsn, nil
}

// rollLocked syncs and closes the current segment and opens the next one.
func (l *FileLog) rollLocked(file uint64) error {
	if err := l.cur.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := l.cur.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	f, err := os.OpenFile(l.segmentPath(file), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	l.cur = f
	l.curFile = file
	l.offsets[file] = nil
	return nil
}

func (l *FileLog) ReadAt(vlsn VLSN) (*Record, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if vlsn == NullVLSN || vlsn > l.high {
		l.mu.Unlock()
		return nil, ErrOutOfRange
	}
	file := l.fileFor(vlsn)
	if file < l.lowFile {
		l.mu.Unlock()
		return nil, ErrReclaimed
	}
	idx := (uint64(vlsn) - 1) % l.recordsPerFile
	offs := l.offsets[file]
	if uint64(len(offs)) <= idx {
		l.mu.Unlock()
		return nil, ErrOutOfRange
	}
	off := offs[idx]
	path := l.segmentPath(file)
	l.mu.Unlock()

	// The record region is immutable once written, so the read runs
	// without the lock.
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrReclaimed
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("read record header: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := f.ReadAt(payload, off+4); err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return decodeRecord(payload)
}

func (l *FileLog) WaitDurable(vlsn VLSN, wait time.Duration) (*Record, bool, error) {
	deadline := time.Now().Add(wait)

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, false, ErrClosed
		}
		durable := l.durable
		ch := l.waitCh
		l.mu.Unlock()

		if vlsn <= durable {
			r, err := l.ReadAt(vlsn)
			if err != nil {
				return nil, false, err
			}
			return r, true, nil
		}

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

func (l *FileLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.high == l.durable {
		return nil
	}
	if err := l.cur.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	l.durable = l.high
	close(l.waitCh)
	l.waitCh = make(chan struct{})
	mSyncs.Inc()
	return nil
}

func (l *FileLog) HighVLSN() VLSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high
}

func (l *FileLog) DurableVLSN() VLSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durable
}

func (l *FileLog) fileFor(vlsn VLSN) uint64 {
	return (uint64(vlsn) - 1) / l.recordsPerFile
}

func (l *FileLog) FileFor(vlsn VLSN) uint64 {
	if vlsn == NullVLSN {
		return 0
	}
	return l.fileFor(vlsn)
}

func (l *FileLog) Protector() *Protector {
	return l.protector
}

// LowFile returns the lowest retained segment file number.
func (l *FileLog) LowFile() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lowFile
}

// DeleteTo removes whole segment files strictly below the file holding
// vlsn. Files at or above the protected floor are kept even when they fall
// below the requested point.
func (l *FileLog) DeleteTo(vlsn VLSN) error {
	limit := l.FileFor(vlsn)
	if floor, ok := l.protector.ProtectedFloor(); ok && floor < limit {
		mDeleteDenied.Inc()
		log.Infof("file reclamation capped at %d by protected range (requested %d)", floor, limit)
		limit = floor
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	for l.lowFile < limit && l.lowFile < l.curFile {
		if err := os.Remove(l.segmentPath(l.lowFile)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete segment: %w", err)
		}
		delete(l.offsets, l.lowFile)
		l.lowFile++
		mFilesDeleted.Inc()
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.waitCh)

	if err := l.cur.Sync(); err != nil {
		l.cur.Close()
		return fmt.Errorf("sync segment: %w", err)
	}
	return l.cur.Close()
}
