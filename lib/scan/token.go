package scan

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/relog-db/relog/lib/topology"
)

// --------------------------------------------------------------------------
// Continuation tokens
// --------------------------------------------------------------------------

// VirtualScanEntry records one partition that migrated away from its base
// shard mid-scan and must be picked up on its new shard. Entries are never
// removed from a token, only marked done, so positions in the list stay
// stable across batches.
type VirtualScanEntry struct {
	Pid         topology.PartitionID `json:"pid"`
	TargetShard topology.ShardID     `json:"target"`
	ResumeKey   string               `json:"resume_key"`
	Done        bool                 `json:"done,omitempty"`
}

// ContinuationKey is the full resumable position of a cluster-wide scan.
// It pins the topology the scan was planned against: shard order and
// partition assignment never change underneath a running scan, migrations
// are absorbed through the virtual scan list instead.
type ContinuationKey struct {
	// BaseTopoNum is the topology snapshot the scan was planned against.
	BaseTopoNum uint64 `json:"base_topo"`

	// ShardIdx indexes the base topology's sorted shard list. Once it
	// passes the end of that list the scan is in its virtual phase.
	ShardIdx int `json:"shard_idx"`

	// ResumePartition and ResumeKey locate the next entry within the
	// current shard.
	ResumePartition topology.PartitionID `json:"resume_pid"`
	ResumeKey       string               `json:"resume_key"`

	// VSIdx indexes VirtualScans during the virtual phase.
	VSIdx int `json:"vs_idx"`

	// VirtualScans lists the partitions that escaped their base shard.
	VirtualScans []VirtualScanEntry `json:"virtual_scans,omitempty"`
}

// Encode renders the key as an opaque token handed to the client.
func (ck *ContinuationKey) Encode() (string, error) {
	raw, err := json.Marshal(ck)
	if err != nil {
		return "", fmt.Errorf("encode continuation key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a token back into a continuation key.
func DecodeToken(token string) (*ContinuationKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode continuation token: %w", err)
	}
	ck := &ContinuationKey{}
	if err := json.Unmarshal(raw, ck); err != nil {
		return nil, fmt.Errorf("decode continuation key: %w", err)
	}
	return ck, nil
}

// recordMigration appends a virtual scan entry for pid. Seeing the same
// partition a second time means it migrated more than once while the scan
// ran, which the protocol does not chase.
func (ck *ContinuationKey) recordMigration(e VirtualScanEntry) error {
	for _, existing := range ck.VirtualScans {
		if existing.Pid == e.Pid {
			return fmt.Errorf("partition %d: %w", e.Pid, ErrStaleVirtualScan)
		}
	}
	ck.VirtualScans = append(ck.VirtualScans, e)
	return nil
}
