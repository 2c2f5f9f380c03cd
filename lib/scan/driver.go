package scan

import (
	"fmt"

	"github.com/relog-db/relog/lib/store"
	"github.com/relog-db/relog/lib/topology"
)

// --------------------------------------------------------------------------
// Cluster-wide scan driver
// --------------------------------------------------------------------------

// Driver runs a cluster-wide scan from the proxy side: it walks the base
// topology's shards in order, then the virtual scan list, batch by batch,
// carrying the position in an opaque continuation token.
type Driver struct {
	topo     *topology.History
	scanners map[topology.ShardID]Scanner
	limit    int
}

// NewDriver creates a scan driver. scanners must cover every shard the
// topology can name; limit is the per-batch entry cap.
func NewDriver(topo *topology.History, scanners map[topology.ShardID]Scanner, limit int) *Driver {
	return &Driver{topo: topo, scanners: scanners, limit: limit}
}

// Next returns the next batch of the scan identified by token (empty for
// a fresh scan) and the token for the batch after it. An empty next token
// means the scan is complete.
func (d *Driver) Next(token string) ([]store.Entry, string, error) {
	ck, err := d.position(token)
	if err != nil {
		return nil, "", err
	}
	base, ok := d.topo.Get(ck.BaseTopoNum)
	if !ok {
		return nil, "", fmt.Errorf("topology %d: %w", ck.BaseTopoNum, ErrTopologyUnknown)
	}
	shards := base.Shards()

	// base phase: the shards of the planning topology, in id order
	for ck.ShardIdx < len(shards) {
		shard := shards[ck.ShardIdx]
		scanner, ok := d.scanners[shard]
		if !ok {
			return nil, "", fmt.Errorf("no scanner for shard %d", shard)
		}

		resp, err := scanner.Scan(Request{
			BaseTopoNum:     ck.BaseTopoNum,
			ResumePartition: ck.ResumePartition,
			ResumeKey:       ck.ResumeKey,
			Limit:           d.limit,
		})
		if err != nil {
			return nil, "", err
		}
		for _, m := range resp.Migrated {
			if err := ck.recordMigration(m); err != nil {
				return nil, "", err
			}
		}

		if resp.Done {
			ck.ShardIdx++
			ck.ResumePartition = 0
			ck.ResumeKey = ""
		} else {
			ck.ResumePartition = resp.NextPartition
			ck.ResumeKey = resp.NextKey
		}

		if len(resp.Entries) > 0 {
			next, err := ck.Encode()
			if err != nil {
				return nil, "", err
			}
			return resp.Entries, next, nil
		}
		// empty batch (migrations only, or a shard exhausted exactly at
		// the limit): move straight on
	}

	// virtual phase: partitions that escaped their base shard, scanned on
	// whichever shard holds them now
	for ck.VSIdx < len(ck.VirtualScans) {
		entry := &ck.VirtualScans[ck.VSIdx]
		if entry.Done {
			ck.VSIdx++
			continue
		}
		scanner, ok := d.scanners[entry.TargetShard]
		if !ok {
			return nil, "", fmt.Errorf("no scanner for shard %d", entry.TargetShard)
		}

		resp, err := scanner.Scan(Request{
			BaseTopoNum: ck.BaseTopoNum,
			VirtualPid:  entry.Pid,
			ResumeKey:   entry.ResumeKey,
			Limit:       d.limit,
		})
		if err != nil {
			return nil, "", err
		}

		if resp.Done {
			entry.Done = true
			ck.VSIdx++
		} else {
			entry.ResumeKey = resp.NextKey
		}

		if len(resp.Entries) > 0 {
			next, err := ck.Encode()
			if err != nil {
				return nil, "", err
			}
			return resp.Entries, next, nil
		}
	}

	return nil, "", nil
}

// position decodes the token, minting a fresh position against the
// current topology when the token is empty.
func (d *Driver) position(token string) (*ContinuationKey, error) {
	if token == "" {
		return &ContinuationKey{BaseTopoNum: d.topo.Current().SeqNum()}, nil
	}
	return DecodeToken(token)
}

// Run drives a scan to completion, returning every entry. Mostly a test
// and tooling convenience; interactive clients page with Next.
func (d *Driver) Run() ([]store.Entry, error) {
	var all []store.Entry
	token := ""
	for {
		entries, next, err := d.Next(token)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if next == "" {
			return all, nil
		}
		token = next
	}
}
