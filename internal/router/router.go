// Package router is the migration seam between the replicated storage tier
// and legacy externally-hosted tenant databases. A per-tenant flag in the
// durable store decides which backend is authoritative; the router does a
// lookup and a branch, nothing more.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/planwise/planwise/internal/bulk"
	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
)

// Router error types.
var (
	ErrUnknownTier        = errors.New("unknown architecture tier")
	ErrBackendUnavailable = errors.New("backend not configured")
)

// Tier names which storage backend is authoritative for a tenant.
type Tier string

const (
	TierLegacy     Tier = "legacy"
	TierReplicated Tier = "replicated"
)

func (t Tier) valid() bool {
	return t == TierLegacy || t == TierReplicated
}

// Backend is the storage surface the router dispatches to.
type Backend interface {
	WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error
	BulkReplace(ctx context.Context, tenantID string, rows []contact.Row, policy bulk.Policy) (bulk.Result, error)
}

// flagsDoc is the durable architecture-flags document. Tenants not listed
// fall through to the default tier.
type flagsDoc struct {
	DefaultTier Tier            `json:"default_tier"`
	Tenants     map[string]Tier `json:"tenants,omitempty"`
}

// Config holds configuration for the architecture router.
type Config struct {
	Store      durable.Store
	Legacy     Backend
	Replicated Backend
	Logger     zerolog.Logger

	CacheTTL time.Duration // how long the flags document is cached (default 30s)
}

// Router dispatches storage calls to the backend each tenant's architecture
// flag names. The flags document is read-mostly and cached briefly; flips
// propagate within CacheTTL on other instances and immediately on the one
// that performed the flip.
type Router struct {
	store      durable.Store
	legacy     Backend
	replicated Backend
	logger     zerolog.Logger
	cacheTTL   time.Duration

	mu       sync.Mutex
	cached   flagsDoc
	cachedAt time.Time
}

// New creates an architecture router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, errors.New("durable store is required")
	}
	if cfg.Replicated == nil {
		return nil, errors.New("replicated backend is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Legacy == nil {
		cfg.Legacy = unavailable{tier: TierLegacy}
	}
	return &Router{
		store:      cfg.Store,
		legacy:     cfg.Legacy,
		replicated: cfg.Replicated,
		logger:     cfg.Logger.With().Str("component", "router").Logger(),
		cacheTTL:   cfg.CacheTTL,
	}, nil
}

// TenantArchitecture returns the authoritative tier for a tenant.
func (r *Router) TenantArchitecture(ctx context.Context, tenantID string) (Tier, error) {
	doc, err := r.flags(ctx)
	if err != nil {
		return "", err
	}
	if tier, ok := doc.Tenants[tenantID]; ok {
		return tier, nil
	}
	return doc.DefaultTier, nil
}

// SetArchitecture flips one tenant's flag. The write is conditional on the
// flags document version, so concurrent flips of different tenants never
// lose each other; a lost race re-reads and retries.
func (r *Router) SetArchitecture(ctx context.Context, tenantID string, tier Tier) error {
	if !tier.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	for attempt := 0; attempt < 5; attempt++ {
		doc, version, err := r.load(ctx)
		if err != nil {
			return err
		}
		if doc.Tenants == nil {
			doc.Tenants = make(map[string]Tier)
		}
		if tier == doc.DefaultTier {
			delete(doc.Tenants, tenantID)
		} else {
			doc.Tenants[tenantID] = tier
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode architecture flags: %w", err)
		}
		_, err = r.store.CompareAndPut(ctx, durable.ArchitectureKey(), data, version)
		if errors.Is(err, durable.ErrVersionMismatch) || errors.Is(err, durable.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write architecture flags: %w", err)
		}

		r.mu.Lock()
		r.cached = doc
		r.cachedAt = time.Now()
		r.mu.Unlock()

		r.logger.Info().Str("tenant", tenantID).Str("tier", string(tier)).Msg("Tenant architecture flipped")
		return nil
	}
	return errors.New("set architecture flag: too many concurrent updates")
}

// WithTenantDatabase dispatches to the tenant's authoritative backend.
func (r *Router) WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error {
	backend, err := r.backend(ctx, tenantID)
	if err != nil {
		return err
	}
	return backend.WithTenantDatabase(ctx, tenantID, fn)
}

// BulkReplace dispatches to the tenant's authoritative backend.
func (r *Router) BulkReplace(ctx context.Context, tenantID string, rows []contact.Row, policy bulk.Policy) (bulk.Result, error) {
	backend, err := r.backend(ctx, tenantID)
	if err != nil {
		return bulk.Result{}, err
	}
	return backend.BulkReplace(ctx, tenantID, rows, policy)
}

func (r *Router) backend(ctx context.Context, tenantID string) (Backend, error) {
	tier, err := r.TenantArchitecture(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch tier {
	case TierLegacy:
		return r.legacy, nil
	case TierReplicated:
		return r.replicated, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
}

// flags returns the cached flags document, refreshing it past the TTL.
func (r *Router) flags(ctx context.Context) (flagsDoc, error) {
	r.mu.Lock()
	if !r.cachedAt.IsZero() && time.Since(r.cachedAt) < r.cacheTTL {
		doc := r.cached
		r.mu.Unlock()
		return doc, nil
	}
	r.mu.Unlock()

	doc, _, err := r.load(ctx)
	if err != nil {
		return flagsDoc{}, err
	}

	r.mu.Lock()
	r.cached = doc
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return doc, nil
}

// load reads the flags document and its version. A missing document means
// every tenant is on the replicated tier.
func (r *Router) load(ctx context.Context) (flagsDoc, string, error) {
	data, version, err := r.store.Get(ctx, durable.ArchitectureKey())
	if errors.Is(err, durable.ErrNotFound) {
		return flagsDoc{DefaultTier: TierReplicated}, durable.VersionAbsent, nil
	}
	if err != nil {
		return flagsDoc{}, "", fmt.Errorf("read architecture flags: %w", err)
	}
	var doc flagsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return flagsDoc{}, "", fmt.Errorf("decode architecture flags: %w", err)
	}
	if doc.DefaultTier == "" {
		doc.DefaultTier = TierReplicated
	}
	return doc, version, nil
}

// unavailable is the backend for a tier with nothing wired behind it.
type unavailable struct {
	tier Tier
}

func (u unavailable) WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error {
	return fmt.Errorf("%w: tier %s", ErrBackendUnavailable, u.tier)
}

func (u unavailable) BulkReplace(ctx context.Context, tenantID string, rows []contact.Row, policy bulk.Policy) (bulk.Result, error) {
	return bulk.Result{}, fmt.Errorf("%w: tier %s", ErrBackendUnavailable, u.tier)
}
