package replica

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/planwise/planwise/internal/durable"
)

// restoreResult carries what Start needs to resume shipping exactly where
// the restored generation left off.
type restoreResult struct {
	gen        durable.Generation
	genVersion string
	fresh      bool
	walOffset  int64  // bytes of the restored WAL already present in the store
	nextSeq    uint64 // sequence of the next object to ship
}

// restoreWithRetry runs restore a bounded number of times with doubling
// backoff. A lost bootstrap race retries immediately, since the winner's
// generation is already readable.
func (s *Supervisor) restoreWithRetry(ctx context.Context, tenantID, dbPath string) (restoreResult, error) {
	backoff := s.restoreBackoff
	var lastErr error
	for attempt := 1; attempt <= s.restoreAttempts; attempt++ {
		res, err := s.restore(ctx, tenantID, dbPath)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, errConcurrentBootstrap) {
			continue
		}
		s.logger.Warn().Err(err).
			Str("tenant", tenantID).
			Int("attempt", attempt).
			Msg("Restore attempt failed")
		if attempt == s.restoreAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return restoreResult{}, ctx.Err()
		}
		backoff *= 2
	}
	return restoreResult{}, lastErr
}

// restore materializes the tenant's current generation at dbPath: the newest
// snapshot, then every later WAL segment concatenated into dbPath-wal so
// SQLite replays them on open. A tenant with no generation pointer is
// bootstrapped as an empty database instead.
func (s *Supervisor) restore(ctx context.Context, tenantID, dbPath string) (restoreResult, error) {
	s.removeLocalFiles(dbPath)

	gen, genVersion, err := durable.ReadGeneration(ctx, s.store, tenantID)
	if errors.Is(err, durable.ErrNotFound) {
		return s.bootstrap(ctx, tenantID, dbPath)
	}
	if err != nil {
		return restoreResult{}, err
	}

	snapSeq, snapKey, err := s.newestSnapshot(ctx, tenantID, gen.GenerationID)
	if err != nil {
		return restoreResult{}, err
	}

	snapData, _, err := s.store.Get(ctx, snapKey)
	if err != nil {
		return restoreResult{}, fmt.Errorf("fetch snapshot %s: %w", snapKey, err)
	}
	raw, err := s.codec.decompress(snapData)
	if err != nil {
		return restoreResult{}, fmt.Errorf("snapshot %s: %w", snapKey, err)
	}
	if err := os.WriteFile(dbPath, raw, 0o600); err != nil {
		return restoreResult{}, fmt.Errorf("write restored database: %w", err)
	}

	walOffset, lastSeq, err := s.replaySegments(ctx, tenantID, gen.GenerationID, snapSeq, dbPath)
	if err != nil {
		return restoreResult{}, err
	}

	return restoreResult{
		gen:        gen,
		genVersion: genVersion,
		walOffset:  walOffset,
		nextSeq:    lastSeq + 1,
	}, nil
}

func (s *Supervisor) newestSnapshot(ctx context.Context, tenantID, generationID string) (uint64, string, error) {
	keys, err := s.store.List(ctx, durable.SnapshotPrefix(tenantID, generationID))
	if err != nil {
		return 0, "", err
	}
	if len(keys) == 0 {
		return 0, "", fmt.Errorf("generation %s has no snapshots", generationID)
	}
	// Keys are zero-padded, so lexical order is sequence order.
	key := keys[len(keys)-1]
	seq, err := durable.SeqFromKey(key)
	if err != nil {
		return 0, "", err
	}
	return seq, key, nil
}

// replaySegments appends every segment after snapSeq, in order, to the
// restored database's WAL file. Segments are contiguous byte ranges of the
// live WAL, so a gap in the sequence means the generation is corrupt.
func (s *Supervisor) replaySegments(ctx context.Context, tenantID, generationID string, snapSeq uint64, dbPath string) (int64, uint64, error) {
	keys, err := s.store.List(ctx, durable.SegmentPrefix(tenantID, generationID))
	if err != nil {
		return 0, 0, err
	}

	var pending []string
	lastSeq := snapSeq
	for _, key := range keys {
		seq, err := durable.SeqFromKey(key)
		if err != nil {
			return 0, 0, err
		}
		if seq <= snapSeq {
			continue
		}
		if seq != lastSeq+1 {
			return 0, 0, fmt.Errorf("generation %s missing segment %d", generationID, lastSeq+1)
		}
		pending = append(pending, key)
		lastSeq = seq
	}
	if len(pending) == 0 {
		return 0, snapSeq, nil
	}

	wal, err := os.OpenFile(dbPath+"-wal", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("create restored wal: %w", err)
	}
	defer wal.Close()

	var offset int64
	for _, key := range pending {
		data, _, err := s.store.Get(ctx, key)
		if err != nil {
			return 0, 0, fmt.Errorf("fetch segment %s: %w", key, err)
		}
		raw, err := s.codec.decompress(data)
		if err != nil {
			return 0, 0, fmt.Errorf("segment %s: %w", key, err)
		}
		n, err := wal.Write(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("write restored wal: %w", err)
		}
		offset += int64(n)
	}
	if err := wal.Sync(); err != nil {
		return 0, 0, fmt.Errorf("sync restored wal: %w", err)
	}
	return offset, lastSeq, nil
}
