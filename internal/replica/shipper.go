package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/planwise/planwise/internal/durable"
)

// shipOpTimeout bounds a single shipping pass against a slow durable store.
const shipOpTimeout = time.Minute

// maxConsecutiveFailures is how many shipping passes may fail in a row
// before the handle is marked Failed and the next access cold-starts.
const maxConsecutiveFailures = 5

// shipper is the per-tenant replication loop. It ships the bytes appended to
// the live WAL since the last pass as numbered segments, and periodically
// collapses the WAL into a fresh full snapshot. Segment uploads are
// create-only: if another process is shipping the same generation, the loser
// notices the sequence collision and fails its handle.
type shipper struct {
	sup     *Supervisor
	h       *TenantHandle
	db      *sql.DB
	dbPath  string
	walPath string
	genID   string

	offset  int64
	nextSeq uint64

	flushOnStop bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func newShipper(s *Supervisor, h *TenantHandle, db *sql.DB, res restoreResult) *shipper {
	return &shipper{
		sup:     s,
		h:       h,
		db:      db,
		dbPath:  h.LocalPath,
		walPath: h.LocalPath + "-wal",
		genID:   res.gen.GenerationID,
		offset:  res.walOffset,
		nextSeq: res.nextSeq,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (sh *shipper) run() {
	defer close(sh.doneCh)

	ticker := time.NewTicker(sh.sup.syncInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-sh.stopCh:
			if sh.flushOnStop {
				ctx, cancel := context.WithTimeout(context.Background(), shipOpTimeout)
				if err := sh.ship(ctx); err != nil {
					sh.sup.logger.Warn().Err(err).
						Str("tenant", sh.h.TenantID).
						Msg("Final WAL flush failed")
				}
				cancel()
			}
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), shipOpTimeout)
			err := sh.ship(ctx)
			cancel()
			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, durable.ErrAlreadyExists):
				// Another process owns this generation's sequence space.
				sh.sup.markFailed(sh.h, fmt.Errorf("segment conflict at seq %d: %w", sh.nextSeq, err))
				return
			default:
				failures++
				sh.sup.logger.Warn().Err(err).
					Str("tenant", sh.h.TenantID).
					Int("consecutive", failures).
					Msg("WAL shipping pass failed")
				if failures >= maxConsecutiveFailures {
					sh.sup.markFailed(sh.h, err)
					return
				}
			}
		}
	}
}

// stop signals the loop and waits for it to exit. With flush set, bytes not
// yet replicated are shipped before the loop ends.
func (sh *shipper) stop(ctx context.Context, flush bool) {
	sh.stopOnce.Do(func() {
		sh.flushOnStop = flush
		close(sh.stopCh)
	})
	select {
	case <-sh.doneCh:
	case <-ctx.Done():
	}
}

func (sh *shipper) running() bool {
	select {
	case <-sh.doneCh:
		return false
	default:
		return true
	}
}

func (sh *shipper) ship(ctx context.Context) error {
	fi, err := os.Stat(sh.walPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat wal: %w", err)
	}
	size := fi.Size()

	if size < sh.offset {
		// The engine restarted the WAL underneath us; resync from a fresh
		// snapshot rather than shipping bytes we cannot place.
		return sh.checkpointAndSnapshot(ctx)
	}

	if size > sh.offset {
		if err := sh.shipSegment(ctx, size); err != nil {
			return err
		}
	}

	if size > sh.sup.checkpointBytes {
		return sh.checkpointAndSnapshot(ctx)
	}
	return nil
}

// shipSegment uploads WAL bytes [offset, size) as the next numbered segment.
func (sh *shipper) shipSegment(ctx context.Context, size int64) error {
	f, err := os.Open(sh.walPath)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(sh.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek wal: %w", err)
	}
	raw := make([]byte, size-sh.offset)
	if _, err := io.ReadFull(f, raw); err != nil {
		return fmt.Errorf("read wal segment: %w", err)
	}

	key := durable.SegmentKey(sh.h.TenantID, sh.genID, sh.nextSeq)
	n, err := sh.sup.upload(ctx, key, raw, true)
	if err != nil {
		return err
	}
	sh.nextSeq++
	sh.offset = size

	if m := sh.sup.metrics; m != nil {
		m.SegmentsShipped.Inc()
		m.SegmentBytes.Add(float64(n))
	}
	sh.sup.logger.Debug().
		Str("tenant", sh.h.TenantID).
		Str("key", key).
		Int("bytes", n).
		Msg("WAL segment shipped")
	return nil
}

// checkpointAndSnapshot collapses the WAL into the main database file and
// uploads a full snapshot at the next sequence, superseding all earlier
// segments. Old snapshots and superseded segments are pruned best effort.
func (sh *shipper) checkpointAndSnapshot(ctx context.Context) error {
	if _, err := sh.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	raw, err := os.ReadFile(sh.dbPath)
	if err != nil {
		return fmt.Errorf("read database for snapshot: %w", err)
	}

	key := durable.SnapshotKey(sh.h.TenantID, sh.genID, sh.nextSeq)
	n, err := sh.sup.upload(ctx, key, raw, true)
	if err != nil {
		return err
	}
	snapSeq := sh.nextSeq
	sh.nextSeq++
	sh.offset = 0

	if m := sh.sup.metrics; m != nil {
		m.SnapshotsShipped.Inc()
		m.SnapshotBytes.Add(float64(n))
	}
	sh.sup.logger.Info().
		Str("tenant", sh.h.TenantID).
		Str("generation", sh.genID).
		Uint64("seq", snapSeq).
		Int("bytes", n).
		Msg("Snapshot shipped")

	sh.prune(ctx)
	return nil
}

// prune keeps the two newest snapshots and drops segments only needed by
// snapshots older than those. Failures are logged and retried implicitly on
// the next checkpoint.
func (sh *shipper) prune(ctx context.Context) {
	snaps, err := sh.sup.store.List(ctx, durable.SnapshotPrefix(sh.h.TenantID, sh.genID))
	if err != nil || len(snaps) <= 2 {
		return
	}
	keep := snaps[len(snaps)-2:]
	oldestKeptSeq, err := durable.SeqFromKey(keep[0])
	if err != nil {
		return
	}
	for _, key := range snaps[:len(snaps)-2] {
		if err := sh.sup.store.Delete(ctx, key); err != nil {
			sh.sup.logger.Warn().Err(err).Str("key", key).Msg("Prune snapshot failed")
		}
	}

	segs, err := sh.sup.store.List(ctx, durable.SegmentPrefix(sh.h.TenantID, sh.genID))
	if err != nil {
		return
	}
	for _, key := range segs {
		seq, err := durable.SeqFromKey(key)
		if err != nil || seq > oldestKeptSeq {
			continue
		}
		if err := sh.sup.store.Delete(ctx, key); err != nil {
			sh.sup.logger.Warn().Err(err).Str("key", key).Msg("Prune segment failed")
		}
	}
}
