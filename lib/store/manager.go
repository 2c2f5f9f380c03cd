package store

import (
	"sort"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/relog-db/relog/lib/topology"
)

var log = logger.GetLogger("store")

// --------------------------------------------------------------------------
// Partition manager
// --------------------------------------------------------------------------

// partition holds one partition's entries as a key-sorted slice plus a
// map for point access. Scans only ever walk forward, so a sorted slice
// with binary search beats a tree at this size.
type partition struct {
	mu         sync.RWMutex
	keys       []string
	values     map[string][]byte
	caughtUpTo uint64
}

// manager implements IPartitionStore on an xsync map of partitions.
type manager struct {
	parts *xsync.MapOf[topology.PartitionID, *partition]
}

// NewManager creates an empty partition store.
func NewManager() IPartitionStore {
	return &manager{
		parts: xsync.NewMapOf[topology.PartitionID, *partition](),
	}
}

func (m *manager) OpenPartition(pid topology.PartitionID, caughtUpTo uint64) error {
	p := &partition{
		values:     make(map[string][]byte),
		caughtUpTo: caughtUpTo,
	}
	if _, loaded := m.parts.LoadOrStore(pid, p); loaded {
		return ErrPartitionOpen
	}
	log.Infof("opened partition %d (caught up to topology %d)", pid, caughtUpTo)
	return nil
}

func (m *manager) ClosePartition(pid topology.PartitionID) ([]Entry, error) {
	p, ok := m.parts.LoadAndDelete(pid)
	if !ok {
		return nil, ErrPartitionClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]Entry, len(p.keys))
	for i, k := range p.keys {
		entries[i] = Entry{Key: k, Value: p.values[k]}
	}
	log.Infof("closed partition %d (%d entries handed off)", pid, len(entries))
	return entries, nil
}

func (m *manager) IsOpen(pid topology.PartitionID) bool {
	_, ok := m.parts.Load(pid)
	return ok
}

func (m *manager) OpenSet() []topology.PartitionID {
	var pids []topology.PartitionID
	m.parts.Range(func(pid topology.PartitionID, _ *partition) bool {
		pids = append(pids, pid)
		return true
	})
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (m *manager) CaughtUpTo(pid topology.PartitionID) (uint64, bool) {
	p, ok := m.parts.Load(pid)
	if !ok {
		return 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caughtUpTo, true
}

func (m *manager) MarkCaughtUp(pid topology.PartitionID, seqNum uint64) error {
	p, ok := m.parts.Load(pid)
	if !ok {
		return ErrPartitionClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seqNum > p.caughtUpTo {
		p.caughtUpTo = seqNum
	}
	return nil
}

func (m *manager) Put(pid topology.PartitionID, key string, value []byte) error {
	p, ok := m.parts.Load(pid)
	if !ok {
		return ErrPartitionClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.values[key]; !exists {
		idx := sort.SearchStrings(p.keys, key)
		p.keys = append(p.keys, "")
		copy(p.keys[idx+1:], p.keys[idx:])
		p.keys[idx] = key
	}
	p.values[key] = value
	return nil
}

func (m *manager) ScanFrom(pid topology.PartitionID, fromKey string, limit int) ([]Entry, bool, error) {
	p, ok := m.parts.Load(pid)
	if !ok {
		return nil, false, ErrPartitionClosed
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	// first key strictly greater than fromKey
	idx := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] > fromKey })

	end := idx + limit
	if limit <= 0 || end > len(p.keys) {
		end = len(p.keys)
	}
	entries := make([]Entry, 0, end-idx)
	for _, k := range p.keys[idx:end] {
		entries = append(entries, Entry{Key: k, Value: p.values[k]})
	}
	return entries, end < len(p.keys), nil
}
