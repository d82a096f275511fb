package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
	"github.com/planwise/planwise/internal/metrics"
)

// errConcurrentBootstrap signals that another process published the tenant's
// first generation while we were bootstrapping; the restore loop retries and
// hydrates from theirs instead.
var errConcurrentBootstrap = errors.New("tenant bootstrapped concurrently")

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateTenantID rejects tenant identifiers that cannot be used as durable
// key components and local file names.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return nil
}

// Config holds configuration for the replication supervisor.
type Config struct {
	Store      durable.Store
	ScratchDir string
	Logger     zerolog.Logger
	Metrics    *metrics.StorageMetrics

	SyncInterval    time.Duration // WAL shipping interval (default 1s)
	CheckpointBytes int64         // WAL size that triggers checkpoint+snapshot (default 4 MiB)
	RestoreAttempts int           // bounded cold-start retries (default 3)
	RestoreBackoff  time.Duration // initial retry backoff, doubled per attempt (default 500ms)
	UploadRateBytes int           // upload rate limit in bytes/sec (0 = unlimited)
}

// Supervisor owns the continuous replication process bound to each tenant's
// local database file: it restores the latest generation on cold start,
// ships WAL segments while the tenant is resident, and flushes and tears
// down on eviction.
type Supervisor struct {
	store   durable.Store
	scratch string
	logger  zerolog.Logger
	metrics *metrics.StorageMetrics
	codec   *codec
	limiter *rate.Limiter

	syncInterval    time.Duration
	checkpointBytes int64
	restoreAttempts int
	restoreBackoff  time.Duration
}

// NewSupervisor creates a supervisor and its scratch directory.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("durable store is required")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("scratch dir is required")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = time.Second
	}
	if cfg.CheckpointBytes == 0 {
		cfg.CheckpointBytes = 4 << 20
	}
	if cfg.RestoreAttempts == 0 {
		cfg.RestoreAttempts = 3
	}
	if cfg.RestoreBackoff == 0 {
		cfg.RestoreBackoff = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if cfg.UploadRateBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRateBytes), cfg.UploadRateBytes)
	}

	return &Supervisor{
		store:           cfg.Store,
		scratch:         cfg.ScratchDir,
		logger:          cfg.Logger.With().Str("component", "replica").Logger(),
		metrics:         cfg.Metrics,
		codec:           newCodec(),
		limiter:         limiter,
		syncInterval:    cfg.SyncInterval,
		checkpointBytes: cfg.CheckpointBytes,
		restoreAttempts: cfg.RestoreAttempts,
		restoreBackoff:  cfg.RestoreBackoff,
	}, nil
}

// LocalPath returns the deterministic local database path for a tenant.
func (s *Supervisor) LocalPath(tenantID string) string {
	return filepath.Join(s.scratch, tenantID+".db")
}

// Start cold-starts a tenant: restores the latest generation into a fresh
// local file (or initializes an empty schema for a first-ever tenant),
// opens the database, and starts continuous WAL shipping. Restore failures
// are retried with backoff before surfacing ErrRestoreFailed.
func (s *Supervisor) Start(ctx context.Context, tenantID string) (*TenantHandle, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	h := newHandle(tenantID, s.LocalPath(tenantID))
	if err := h.transition(StateRestoring); err != nil {
		return nil, err
	}

	started := time.Now()
	if s.metrics != nil {
		s.metrics.RestoresTotal.Inc()
	}

	res, err := s.restoreWithRetry(ctx, tenantID, h.LocalPath)
	if err != nil {
		_ = h.transition(StateFailed)
		s.removeLocalFiles(h.LocalPath)
		h.closeDone()
		if s.metrics != nil {
			s.metrics.RestoreFailures.Inc()
		}
		s.logger.Error().Err(err).Str("tenant", tenantID).Msg("Cold start failed")
		return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	db, err := openTenantDB(ctx, h.LocalPath)
	if err != nil {
		_ = h.transition(StateFailed)
		s.removeLocalFiles(h.LocalPath)
		h.closeDone()
		return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	h.mu.Lock()
	h.db = db
	h.Generation = res.gen
	h.mu.Unlock()

	if err := h.transition(StateActive); err != nil {
		db.Close()
		h.closeDone()
		return nil, err
	}

	sh := newShipper(s, h, db, res)
	h.mu.Lock()
	h.shipper = sh
	h.mu.Unlock()
	go sh.run()

	if s.metrics != nil {
		s.metrics.RestoreSeconds.Observe(time.Since(started).Seconds())
	}
	s.logger.Info().
		Str("tenant", tenantID).
		Str("generation", res.gen.GenerationID).
		Bool("fresh", res.fresh).
		Dur("took", time.Since(started)).
		Msg("Tenant hydrated")

	return h, nil
}

// Stop terminates a tenant's replication and releases its local resources.
// With flush set, unreplicated WAL bytes are shipped first; invalidation
// after a bulk replace passes flush=false because the old generation's tail
// is obsolete.
func (s *Supervisor) Stop(ctx context.Context, h *TenantHandle, flush bool) error {
	h.mu.Lock()
	sh := h.shipper
	db := h.db
	h.shipper = nil
	h.db = nil
	h.mu.Unlock()

	if sh != nil {
		sh.stop(ctx, flush)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			s.logger.Warn().Err(err).Str("tenant", h.TenantID).Msg("Close tenant database failed")
		}
	}
	s.removeLocalFiles(h.LocalPath)

	// The registry may have claimed the handle as Evicted already.
	if err := h.transition(StateEvicted); err != nil && h.State() != StateEvicted {
		return err
	}
	h.closeDone()

	s.logger.Info().Str("tenant", h.TenantID).Msg("Tenant evicted")
	return nil
}

// IsHealthy reports whether the tenant's replication is running. A handle
// whose shipper exited unexpectedly is Failed and needs a fresh cold start.
func (s *Supervisor) IsHealthy(h *TenantHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateActive && h.shipper != nil && h.shipper.running()
}

func (s *Supervisor) markFailed(h *TenantHandle, cause error) {
	if err := h.transition(StateFailed); err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.ShipperCrashes.Inc()
	}
	s.logger.Error().Err(cause).Str("tenant", h.TenantID).Msg("Replication shipper failed")
}

func (s *Supervisor) removeLocalFiles(dbPath string) {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", p).Msg("Remove local file failed")
		}
	}
}

// upload compresses and writes one object, honoring the upload rate limit.
// Conditional uploads create-only, so a sequence collision with another
// writer surfaces as durable.ErrAlreadyExists.
func (s *Supervisor) upload(ctx context.Context, key string, raw []byte, conditional bool) (int, error) {
	data, err := s.codec.compress(raw)
	if err != nil {
		return 0, err
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(data)); err != nil {
			return 0, err
		}
	}
	if conditional {
		_, err = s.store.CompareAndPut(ctx, key, data, durable.VersionAbsent)
	} else {
		_, err = s.store.Put(ctx, key, data)
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// OpenLocalDB opens a local tenant database file with the same pragmas the
// supervisor applies, so checkpoints behave identically for working copies.
func OpenLocalDB(ctx context.Context, path string) (*sql.DB, error) {
	return openTenantDB(ctx, path)
}

func openTenantDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}
	// Single connection: incremental writes are serialized by the engine, and
	// the shipper owns all checkpointing.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA wal_autocheckpoint=0"); err != nil {
		db.Close()
		return nil, fmt.Errorf("disable autocheckpoint: %w", err)
	}
	return db, nil
}

// bootstrap initializes a first-ever tenant: empty schema, an initial
// snapshot, and the generation pointer published create-only so concurrent
// bootstraps collapse to a single winner.
func (s *Supervisor) bootstrap(ctx context.Context, tenantID, dbPath string) (restoreResult, error) {
	db, err := openTenantDB(ctx, dbPath)
	if err != nil {
		return restoreResult{}, err
	}
	if err := contact.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return restoreResult{}, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.Close()
		return restoreResult{}, fmt.Errorf("checkpoint fresh database: %w", err)
	}
	if err := db.Close(); err != nil {
		return restoreResult{}, fmt.Errorf("close fresh database: %w", err)
	}

	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return restoreResult{}, fmt.Errorf("read fresh database: %w", err)
	}

	gen := durable.Generation{
		TenantID:     tenantID,
		GenerationID: durable.NewGenerationID(),
		CreatedAt:    time.Now().UTC(),
		RowCount:     0,
	}
	if n, err := s.upload(ctx, durable.SnapshotKey(tenantID, gen.GenerationID, 0), raw, false); err != nil {
		return restoreResult{}, fmt.Errorf("upload bootstrap snapshot: %w", err)
	} else if s.metrics != nil {
		s.metrics.SnapshotsShipped.Inc()
		s.metrics.SnapshotBytes.Add(float64(n))
	}

	if _, err := durable.PublishGeneration(ctx, s.store, gen, durable.VersionAbsent); err != nil {
		if errors.Is(err, durable.ErrAlreadyExists) {
			// Lost the bootstrap race; clean up and hydrate from the winner.
			_ = s.store.Delete(ctx, durable.SnapshotKey(tenantID, gen.GenerationID, 0))
			return restoreResult{}, errConcurrentBootstrap
		}
		return restoreResult{}, fmt.Errorf("publish bootstrap generation: %w", err)
	}

	s.logger.Info().Str("tenant", tenantID).Str("generation", gen.GenerationID).Msg("Tenant bootstrapped")
	return restoreResult{gen: gen, fresh: true, walOffset: 0, nextSeq: 1}, nil
}
