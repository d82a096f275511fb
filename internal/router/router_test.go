package router

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planwise/planwise/internal/bulk"
	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
)

// recordingBackend counts dispatches so tests can see where calls landed.
type recordingBackend struct {
	name  string
	calls int
}

func (b *recordingBackend) WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error {
	b.calls++
	return nil
}

func (b *recordingBackend) BulkReplace(ctx context.Context, tenantID string, rows []contact.Row, policy bulk.Policy) (bulk.Result, error) {
	b.calls++
	return bulk.Result{TenantID: tenantID}, nil
}

func newFSStore(t *testing.T) *durable.FSStore {
	t.Helper()
	store, err := durable.NewFSStore(filepath.Join(t.TempDir(), "durable"))
	require.NoError(t, err)
	return store
}

func newTestRouter(t *testing.T, store durable.Store) (*Router, *recordingBackend, *recordingBackend) {
	t.Helper()
	legacy := &recordingBackend{name: "legacy"}
	replicated := &recordingBackend{name: "replicated"}
	r, err := New(Config{
		Store:      store,
		Legacy:     legacy,
		Replicated: replicated,
		Logger:     zerolog.Nop(),
		// Flips must be visible immediately within a test.
		CacheTTL: time.Nanosecond,
	})
	require.NoError(t, err)
	return r, legacy, replicated
}

func TestTenantArchitecture_DefaultsToReplicated(t *testing.T) {
	r, _, _ := newTestRouter(t, newFSStore(t))

	tier, err := r.TenantArchitecture(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, TierReplicated, tier)
}

func TestSetArchitecture_FlipsOneTenant(t *testing.T) {
	r, _, _ := newTestRouter(t, newFSStore(t))
	ctx := context.Background()

	require.NoError(t, r.SetArchitecture(ctx, "acme", TierLegacy))

	tier, err := r.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, TierLegacy, tier)

	// Other tenants keep the default.
	tier, err = r.TenantArchitecture(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, TierReplicated, tier)
}

func TestSetArchitecture_FlipBack(t *testing.T) {
	r, _, _ := newTestRouter(t, newFSStore(t))
	ctx := context.Background()

	require.NoError(t, r.SetArchitecture(ctx, "acme", TierLegacy))
	require.NoError(t, r.SetArchitecture(ctx, "acme", TierReplicated))

	tier, err := r.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, TierReplicated, tier)
}

func TestSetArchitecture_RejectsUnknownTier(t *testing.T) {
	r, _, _ := newTestRouter(t, newFSStore(t))
	err := r.SetArchitecture(context.Background(), "acme", Tier("hybrid"))
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestSetArchitecture_ConcurrentFlipsDoNotLoseEachOther(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	// Two router instances sharing one store, as two server processes would.
	r1, _, _ := newTestRouter(t, store)
	r2, _, _ := newTestRouter(t, store)

	require.NoError(t, r1.SetArchitecture(ctx, "acme", TierLegacy))
	require.NoError(t, r2.SetArchitecture(ctx, "globex", TierLegacy))

	tier, err := r1.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, TierLegacy, tier)
	tier, err = r1.TenantArchitecture(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, TierLegacy, tier)
}

func TestDispatch_FollowsTenantFlag(t *testing.T) {
	r, legacy, replicated := newTestRouter(t, newFSStore(t))
	ctx := context.Background()
	noop := func(*sql.DB) error { return nil }

	require.NoError(t, r.WithTenantDatabase(ctx, "acme", noop))
	assert.Equal(t, 1, replicated.calls)
	assert.Zero(t, legacy.calls)

	require.NoError(t, r.SetArchitecture(ctx, "acme", TierLegacy))
	require.NoError(t, r.WithTenantDatabase(ctx, "acme", noop))
	assert.Equal(t, 1, legacy.calls)

	_, err := r.BulkReplace(ctx, "acme", nil, bulk.PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, 2, legacy.calls)
}

func TestDispatch_UnconfiguredLegacyBackendFails(t *testing.T) {
	store := newFSStore(t)
	replicated := &recordingBackend{name: "replicated"}
	r, err := New(Config{
		Store:      store,
		Replicated: replicated,
		Logger:     zerolog.Nop(),
		CacheTTL:   time.Nanosecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.SetArchitecture(ctx, "acme", TierLegacy))
	err = r.WithTenantDatabase(ctx, "acme", func(*sql.DB) error { return nil })
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestFlags_CacheServesWithinTTL(t *testing.T) {
	store := newFSStore(t)
	legacy := &recordingBackend{name: "legacy"}
	replicated := &recordingBackend{name: "replicated"}
	r, err := New(Config{
		Store:      store,
		Legacy:     legacy,
		Replicated: replicated,
		Logger:     zerolog.Nop(),
		CacheTTL:   time.Hour,
	})
	require.NoError(t, err)
	ctx := context.Background()

	tier, err := r.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, TierReplicated, tier)

	// A flip through a different router is invisible until the TTL lapses.
	other, _, _ := newTestRouter(t, store)
	require.NoError(t, other.SetArchitecture(ctx, "acme", TierLegacy))

	tier, err = r.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, TierReplicated, tier)

	// The instance that flips sees its own write immediately.
	require.NoError(t, r.SetArchitecture(ctx, "acme", TierLegacy))
	tier, err = r.TenantArchitecture(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, TierLegacy, tier)
}
