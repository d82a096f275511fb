// Package registry is the process-wide table of tenant handles. It routes
// every storage call to an existing handle or coalesces concurrent callers
// onto a single cold start, and it evicts tenants that have been idle long
// enough to give their local disk and file handles back.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/planwise/planwise/internal/metrics"
	"github.com/planwise/planwise/internal/replica"
)

// ErrScratchDirBusy means another process already owns the scratch
// directory. Local database files are process-exclusive; two registries
// sharing one scratch dir would corrupt each other's tenants.
var ErrScratchDirBusy = errors.New("scratch directory locked by another process")

// Config holds configuration for the tenant registry.
type Config struct {
	Supervisor *replica.Supervisor
	ScratchDir string
	Logger     zerolog.Logger
	Metrics    *metrics.StorageMetrics

	IdleAfter      time.Duration // evict tenants untouched for this long (default 15m)
	SweepInterval  time.Duration // how often the eviction sweep runs (default 1m)
	RestoreTimeout time.Duration // bound on one coalesced cold start (default 2m)
}

// Registry owns every TenantHandle in this process.
type Registry struct {
	sup     *replica.Supervisor
	logger  zerolog.Logger
	metrics *metrics.StorageMetrics
	flk     *flock.Flock

	idleAfter      time.Duration
	sweepInterval  time.Duration
	restoreTimeout time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	handles map[string]*replica.TenantHandle
}

// New creates a registry and takes exclusive ownership of the scratch
// directory, failing fast when another process holds it.
func New(cfg Config) (*Registry, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("scratch dir is required")
	}
	if cfg.IdleAfter == 0 {
		cfg.IdleAfter = 15 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RestoreTimeout == 0 {
		cfg.RestoreTimeout = 2 * time.Minute
	}

	flk := flock.New(filepath.Join(cfg.ScratchDir, ".registry.lock"))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock scratch dir: %w", err)
	}
	if !locked {
		return nil, ErrScratchDirBusy
	}

	return &Registry{
		sup:            cfg.Supervisor,
		logger:         cfg.Logger.With().Str("component", "registry").Logger(),
		metrics:        cfg.Metrics,
		flk:            flk,
		idleAfter:      cfg.IdleAfter,
		sweepInterval:  cfg.SweepInterval,
		restoreTimeout: cfg.RestoreTimeout,
		handles:        make(map[string]*replica.TenantHandle),
	}, nil
}

// AcquireHandle returns the live handle for a tenant, cold-starting it if
// needed. Concurrent callers for the same tenant share a single in-flight
// restore. A failed restore leaves the tenant unloaded so the next call
// retries from scratch.
func (r *Registry) AcquireHandle(ctx context.Context, tenantID string) (*replica.TenantHandle, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		h := r.handles[tenantID]
		r.mu.Unlock()

		if h != nil {
			switch h.State() {
			case replica.StateActive, replica.StateIdlePendingEviction:
				h.Touch()
				return h, nil
			}
		}

		v, err, _ := r.group.Do(tenantID, func() (interface{}, error) {
			return r.coldStart(tenantID)
		})
		if err != nil {
			return nil, err
		}
		h = v.(*replica.TenantHandle)
		switch h.State() {
		case replica.StateActive, replica.StateIdlePendingEviction:
			h.Touch()
			return h, nil
		}
		// Lost a race with eviction between cold start and here; go again.
	}
	return nil, fmt.Errorf("tenant %s: handle kept disappearing during acquisition", tenantID)
}

// coldStart runs under singleflight for one tenant. It tears down any dead
// handle still occupying the slot, then hydrates a fresh one. The restore
// runs on its own timeout rather than the first caller's context so that
// one impatient caller cannot cancel the restore out from under the rest.
func (r *Registry) coldStart(tenantID string) (*replica.TenantHandle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.restoreTimeout)
	defer cancel()

	r.mu.Lock()
	h := r.handles[tenantID]
	r.mu.Unlock()

	if h != nil {
		switch h.State() {
		case replica.StateActive, replica.StateIdlePendingEviction:
			return h, nil
		case replica.StateFailed:
			// Crashed shipper: release its resources before rehydrating.
			if err := r.sup.Stop(ctx, h, false); err != nil {
				return nil, err
			}
		default:
			select {
			case <-h.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r.removeHandle(tenantID, h)
	}

	nh, err := r.sup.Start(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.handles[tenantID] = nh
	resident := len(r.handles)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ResidentTenants.Set(float64(resident))
	}
	return nh, nil
}

// WithTenantDatabase runs fn against the tenant's hydrated local database,
// hiding cold-start latency from the caller. The handle cannot be evicted
// while fn runs.
func (r *Registry) WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		h, err := r.AcquireHandle(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := h.BeginOp(); err != nil {
			// Evicted between acquire and pin; acquire again.
			continue
		}
		err = fn(h.DB())
		h.EndOp()
		return err
	}
	return fmt.Errorf("tenant %s: could not pin a live handle", tenantID)
}

// Invalidate forcibly takes a tenant's handle out of service and discards
// its local file without a final flush. Used after a bulk replace publishes
// a new generation: the next access cold-starts against it.
func (r *Registry) Invalidate(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	h := r.handles[tenantID]
	r.mu.Unlock()
	if h == nil {
		return nil
	}

	h.Retire()
	if err := h.WaitDrained(ctx); err != nil {
		return err
	}
	if err := r.sup.Stop(ctx, h, false); err != nil {
		return err
	}
	r.removeHandle(tenantID, h)
	r.logger.Info().Str("tenant", tenantID).Msg("Tenant handle invalidated")
	return nil
}

// EvictIdle tears down every tenant idle longer than the configured
// threshold, waiting out any in-flight operations first. Handles whose
// shipper crashed are reclaimed regardless of age: nothing else touches a
// Failed tenant until its next access, which may never come. Returns the
// number of tenants evicted.
func (r *Registry) EvictIdle(ctx context.Context) int {
	r.mu.Lock()
	candidates := make([]*replica.TenantHandle, 0, len(r.handles))
	for _, h := range r.handles {
		candidates = append(candidates, h)
	}
	r.mu.Unlock()

	evicted := 0
	for _, h := range candidates {
		if h.State() == replica.StateFailed {
			if err := h.WaitDrained(ctx); err != nil {
				return evicted
			}
			if err := r.sup.Stop(ctx, h, false); err != nil {
				r.logger.Warn().Err(err).Str("tenant", h.TenantID).Msg("Failed handle reclaim failed")
				continue
			}
			r.removeHandle(h.TenantID, h)
			evicted++
			if r.metrics != nil {
				r.metrics.EvictionsTotal.Inc()
			}
			continue
		}
		if !h.MarkIdle(r.idleAfter) {
			continue
		}
		if err := h.WaitDrained(ctx); err != nil {
			return evicted
		}
		if !h.BeginTeardown() {
			// Revived by an access while we waited.
			continue
		}
		if err := r.sup.Stop(ctx, h, true); err != nil {
			r.logger.Warn().Err(err).Str("tenant", h.TenantID).Msg("Idle eviction failed")
			continue
		}
		r.removeHandle(h.TenantID, h)
		evicted++
		if r.metrics != nil {
			r.metrics.EvictionsTotal.Inc()
		}
	}
	return evicted
}

// Run drives the periodic eviction sweep until ctx is cancelled. Callers
// own final teardown via Close.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(ctx); n > 0 {
				r.logger.Info().Int("evicted", n).Msg("Idle sweep complete")
			}
		}
	}
}

// Close flushes and tears down all resident tenants and releases the
// scratch directory.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*replica.TenantHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		h.Retire()
		if err := h.WaitDrained(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.sup.Stop(ctx, h, true); err != nil && firstErr == nil {
			firstErr = err
		}
		r.removeHandle(h.TenantID, h)
	}
	if err := r.flk.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unlock scratch dir: %w", err)
	}
	return firstErr
}

// Resident returns the number of currently hydrated tenants.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) removeHandle(tenantID string, h *replica.TenantHandle) {
	r.mu.Lock()
	if r.handles[tenantID] == h {
		delete(r.handles, tenantID)
	}
	resident := len(r.handles)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ResidentTenants.Set(float64(resident))
	}
}
