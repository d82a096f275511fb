// Package bulk implements atomic whole-dataset replacement for a tenant. A
// job merges an incoming batch into an isolated working copy of the current
// generation and publishes the result as a brand-new generation; readers see
// either the old dataset or the new one, never a half-imported mix.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
	"github.com/planwise/planwise/internal/lock"
	"github.com/planwise/planwise/internal/metrics"
	"github.com/planwise/planwise/internal/replica"
)

// Pipeline error types.
var (
	ErrJobInProgress  = errors.New("bulk job already in progress for tenant")
	ErrTooManyRetries = errors.New("bulk job lost the publish race too many times")
	ErrUnknownPolicy  = errors.New("unknown duplicate policy")
)

// Policy decides what happens when an incoming row's key matches an
// existing contact.
type Policy string

const (
	// PolicyOverwrite replaces the existing contact with the incoming row.
	PolicyOverwrite Policy = "overwrite"
	// PolicySkip keeps the existing contact and drops the incoming row.
	PolicySkip Policy = "skip"
)

// RowError describes one rejected input row.
type RowError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarizes a completed bulk replace.
type Result struct {
	JobID      string     `json:"job_id"`
	TenantID   string     `json:"tenant_id"`
	Generation string     `json:"generation"`
	Added      int64      `json:"added"`   // rows applied, overwrites included
	Skipped    int64      `json:"skipped"` // duplicate and invalid rows dropped
	Total      int64      `json:"total"`   // contacts in the published generation
	RowErrors  []RowError `json:"row_errors,omitempty"`
}

// maxRowErrors caps how many per-row rejections a result carries back.
const maxRowErrors = 25

// Invalidator is satisfied by *registry.Registry. The pipeline only needs
// to force the tenant's resident handle out after a publish.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// Config holds configuration for the bulk pipeline.
type Config struct {
	Supervisor *replica.Supervisor
	Registry   Invalidator
	Locks      *lock.Manager
	WorkDir    string
	Logger     zerolog.Logger
	Metrics    *metrics.StorageMetrics

	LeaseDuration   time.Duration // lock lease covering one job (default 5m)
	PublishAttempts int           // bounded retries on publish conflicts (default 3)
}

// Pipeline runs bulk replace jobs.
type Pipeline struct {
	sup     *replica.Supervisor
	reg     Invalidator
	locks   *lock.Manager
	workDir string
	logger  zerolog.Logger
	metrics *metrics.StorageMetrics

	lease    time.Duration
	attempts int
}

// New creates a bulk pipeline and its working directory.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("create bulk work dir: %w", err)
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	return &Pipeline{
		sup:      cfg.Supervisor,
		reg:      cfg.Registry,
		locks:    cfg.Locks,
		workDir:  cfg.WorkDir,
		logger:   cfg.Logger.With().Str("component", "bulk").Logger(),
		metrics:  cfg.Metrics,
		lease:    cfg.LeaseDuration,
		attempts: cfg.PublishAttempts,
	}, nil
}

// Replace merges rows into the tenant's dataset under the given duplicate
// policy and publishes the merged state as a new generation. At most one job
// per tenant runs at a time; a second concurrent job fails fast with
// ErrJobInProgress rather than queueing.
func (p *Pipeline) Replace(ctx context.Context, tenantID string, rows []contact.Row, policy Policy) (Result, error) {
	if policy != PolicyOverwrite && policy != PolicySkip {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	if err := replica.ValidateTenantID(tenantID); err != nil {
		return Result{}, err
	}

	jobID := uuid.NewString()
	logger := p.logger.With().Str("tenant", tenantID).Str("job", jobID).Logger()

	token, err := p.locks.Acquire(ctx, tenantID, p.lease, "bulk-replace "+jobID)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			if p.metrics != nil {
				p.metrics.LockContentionTotal.Inc()
			}
			p.countJob("rejected")
			return Result{}, fmt.Errorf("%w: %s", ErrJobInProgress, tenantID)
		}
		p.countJob("failure")
		return Result{}, err
	}
	if p.metrics != nil {
		p.metrics.LockAcquiredTotal.Inc()
	}
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.keepLockAlive(renewCtx, logger, token)
	}()
	defer func() {
		stopRenew()
		<-renewDone
		if err := p.locks.Release(context.WithoutCancel(ctx), token); err != nil {
			logger.Warn().Err(err).Msg("Release bulk lock failed")
		}
	}()

	started := time.Now()
	res, err := p.run(ctx, logger, jobID, tenantID, rows, policy)
	if err != nil {
		p.countJob("failure")
		logger.Error().Err(err).Msg("Bulk replace failed")
		return Result{}, err
	}
	p.countJob("success")
	if p.metrics != nil {
		p.metrics.BulkRowsAdded.Add(float64(res.Added))
		p.metrics.BulkRowsSkipped.Add(float64(res.Skipped))
	}

	logger.Info().
		Str("generation", res.Generation).
		Int64("added", res.Added).
		Int64("skipped", res.Skipped).
		Int64("total", res.Total).
		Dur("took", time.Since(started)).
		Msg("Bulk replace complete")
	return res, nil
}

// keepLockAlive renews the job's lease at a fraction of its duration so a
// job that outlives the initial lease keeps its cross-process exclusivity.
func (p *Pipeline) keepLockAlive(ctx context.Context, logger zerolog.Logger, token *lock.Token) {
	ticker := time.NewTicker(p.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.locks.Renew(ctx, token, p.lease); err != nil {
				logger.Warn().Err(err).Msg("Renew bulk lock failed")
			}
		}
	}
}

// run executes the merge-and-publish loop while the tenant lock is held.
// The lock serializes bulk jobs but not incremental writers in other
// processes, so the publish stays conditional on the pointer version and a
// lost race re-merges from the winner's generation.
func (p *Pipeline) run(ctx context.Context, logger zerolog.Logger, jobID, tenantID string, rows []contact.Row, policy Policy) (Result, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		wc, err := p.sup.MaterializeWorkingCopy(ctx, tenantID, filepath.Join(p.workDir, jobID))
		if err != nil {
			return Result{}, fmt.Errorf("materialize working copy: %w", err)
		}

		res, total, err := p.merge(ctx, wc.Path, rows, policy)
		if err != nil {
			p.sup.Discard(wc)
			return Result{}, err
		}
		res.JobID = jobID
		res.TenantID = tenantID
		res.Total = total

		retire := ""
		if !wc.Fresh {
			retire = wc.Gen.GenerationID
		}
		gen, err := p.sup.PublishGeneration(ctx, tenantID, wc.Path, total, wc.GenVersion, retire)
		p.sup.Discard(wc)
		if err != nil {
			if errors.Is(err, durable.ErrVersionMismatch) || errors.Is(err, durable.ErrAlreadyExists) {
				if p.metrics != nil {
					p.metrics.GenerationConflicts.Inc()
				}
				logger.Warn().Int("attempt", attempt).Msg("Publish conflict, re-merging against new generation")
				continue
			}
			return Result{}, fmt.Errorf("publish generation: %w", err)
		}
		res.Generation = gen.GenerationID

		if p.reg != nil {
			// Best effort: a still-resident handle serves the old generation
			// until it is invalidated or evicted.
			if err := p.reg.Invalidate(ctx, tenantID); err != nil {
				logger.Warn().Err(err).Msg("Invalidate resident handle failed")
			}
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: tenant %s", ErrTooManyRetries, tenantID)
}

// merge applies the batch to the working copy and returns per-row counts and
// the final contact total. Invalid rows are skipped and reported, never
// fatal. Within one batch the first row for a key wins; later rows with the
// same key count as skipped regardless of policy.
func (p *Pipeline) merge(ctx context.Context, dbPath string, rows []contact.Row, policy Policy) (Result, int64, error) {
	db, err := replica.OpenLocalDB(ctx, dbPath)
	if err != nil {
		return Result{}, 0, err
	}
	defer db.Close()

	idx, err := contact.KeyIndex(ctx, db)
	if err != nil {
		return Result{}, 0, err
	}

	var res Result
	seen := make(map[string]bool, len(rows))
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, 0, fmt.Errorf("begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	for i, row := range rows {
		rec, err := contact.Parse(row)
		if err != nil {
			var verr *contact.ValidationError
			if !errors.As(err, &verr) {
				return Result{}, 0, err
			}
			res.Skipped++
			if len(res.RowErrors) < maxRowErrors {
				res.RowErrors = append(res.RowErrors, RowError{Index: i, Reason: verr.Error()})
			}
			continue
		}

		key := rec.Key()
		if seen[key] {
			res.Skipped++
			continue
		}
		seen[key] = true

		existingID, exists := idx[key]
		switch {
		case !exists:
			id, err := contact.Insert(ctx, tx, rec)
			if err != nil {
				return Result{}, 0, err
			}
			idx[key] = id
			res.Added++
		case policy == PolicyOverwrite:
			rec.ID = existingID
			if err := contact.Update(ctx, tx, rec); err != nil {
				return Result{}, 0, err
			}
			res.Added++
		default:
			res.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, 0, fmt.Errorf("commit merge transaction: %w", err)
	}

	total, err := contact.Count(ctx, db)
	if err != nil {
		return Result{}, 0, err
	}
	// Fold the merged WAL back into the main file so the published snapshot
	// is the single database file.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return Result{}, 0, fmt.Errorf("checkpoint working copy: %w", err)
	}
	return res, total, nil
}

func (p *Pipeline) countJob(result string) {
	if p.metrics != nil {
		p.metrics.BulkJobsTotal.WithLabelValues(result).Inc()
	}
}
