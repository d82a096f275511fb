package durable

import (
	"fmt"
	"path"
)

// Key layout per tenant:
//
//	tenants/<tenant>/generation                    current-generation pointer (CAS)
//	tenants/<tenant>/lock                          bulk-operation lock record (CAS)
//	tenants/<tenant>/<gen>/snapshots/<seq>.db.zst  full database snapshots
//	tenants/<tenant>/<gen>/wal/<seq>.seg.zst       contiguous WAL byte segments
//	control/architecture                           tenant tier flags (CAS)

// GenerationKey returns the key of a tenant's current-generation pointer.
func GenerationKey(tenantID string) string {
	return path.Join("tenants", tenantID, "generation")
}

// LockKey returns the key of a tenant's bulk-operation lock record.
func LockKey(tenantID string) string {
	return path.Join("tenants", tenantID, "lock")
}

// SnapshotKey returns the key of a full snapshot taken at segment seq.
func SnapshotKey(tenantID, generationID string, seq uint64) string {
	return path.Join("tenants", tenantID, generationID, "snapshots", fmt.Sprintf("%016d.db.zst", seq))
}

// SnapshotPrefix returns the listing prefix for a generation's snapshots.
func SnapshotPrefix(tenantID, generationID string) string {
	return path.Join("tenants", tenantID, generationID, "snapshots") + "/"
}

// SegmentKey returns the key of the WAL segment with the given sequence.
func SegmentKey(tenantID, generationID string, seq uint64) string {
	return path.Join("tenants", tenantID, generationID, "wal", fmt.Sprintf("%016d.seg.zst", seq))
}

// SegmentPrefix returns the listing prefix for a generation's WAL segments.
func SegmentPrefix(tenantID, generationID string) string {
	return path.Join("tenants", tenantID, generationID, "wal") + "/"
}

// GenerationPrefix returns the listing prefix for everything a generation owns.
func GenerationPrefix(tenantID, generationID string) string {
	return path.Join("tenants", tenantID, generationID) + "/"
}

// ArchitectureKey returns the key of the tenant tier flag object.
func ArchitectureKey() string {
	return "control/architecture"
}

// SeqFromKey extracts the numeric sequence from a snapshot or segment key.
func SeqFromKey(key string) (uint64, error) {
	base := path.Base(key)
	var seq uint64
	var suffix string
	if _, err := fmt.Sscanf(base, "%d.%s", &seq, &suffix); err != nil {
		return 0, fmt.Errorf("parse sequence from %q: %w", key, err)
	}
	return seq, nil
}
