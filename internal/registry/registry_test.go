package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
	"github.com/planwise/planwise/internal/replica"
)

// countingStore counts generation-pointer reads, one per cold start.
type countingStore struct {
	durable.Store
	coldStarts atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if filepath.Base(key) == "generation" {
		c.coldStarts.Add(1)
	}
	return c.Store.Get(ctx, key)
}

func newTestRegistry(t *testing.T, store durable.Store) *Registry {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), "scratch")
	sup, err := replica.NewSupervisor(replica.Config{
		Store:      store,
		ScratchDir: scratch,
		Logger:     zerolog.Nop(),
		// The background shipper must not fire mid-test.
		SyncInterval:   time.Hour,
		RestoreBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	reg, err := New(Config{
		Supervisor: sup,
		ScratchDir: scratch,
		Logger:     zerolog.Nop(),
		IdleAfter:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg
}

func newFSStore(t *testing.T) *durable.FSStore {
	t.Helper()
	store, err := durable.NewFSStore(filepath.Join(t.TempDir(), "durable"))
	require.NoError(t, err)
	return store
}

func TestAcquireHandle_ReusesResidentHandle(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	ctx := context.Background()

	h1, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)
	h2, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, reg.Resident())
}

func TestAcquireHandle_CoalescesConcurrentColdStarts(t *testing.T) {
	store := &countingStore{Store: newFSStore(t)}
	reg := newTestRegistry(t, store)
	ctx := context.Background()

	const callers = 16
	handles := make([]*replica.TenantHandle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.AcquireHandle(ctx, "acme")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	// Everyone got the same handle from a single restore.
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, int64(1), store.coldStarts.Load())
}

func TestAcquireHandle_DistinctTenantsAreIndependent(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	ctx := context.Background()

	h1, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)
	h2, err := reg.AcquireHandle(ctx, "globex")
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.NotEqual(t, h1.LocalPath, h2.LocalPath)
	assert.Equal(t, 2, reg.Resident())
}

func TestWithTenantDatabase(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	ctx := context.Background()

	err := reg.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		_, err := contact.Insert(ctx, db, contact.Record{
			FirstName: "Jane", LastName: "Doe", Email: "jane@example.com",
		})
		return err
	})
	require.NoError(t, err)

	err = reg.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		n, err := contact.Count(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTenantDatabase_RecoversAfterInvalidate(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	ctx := context.Background()

	_, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, reg.Invalidate(ctx, "acme"))
	assert.Zero(t, reg.Resident())

	// The next access cold-starts transparently.
	err = reg.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		_, err := contact.Count(ctx, db)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Resident())
}

func TestInvalidate_UnknownTenantIsNoop(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	assert.NoError(t, reg.Invalidate(context.Background(), "nobody"))
}

func TestEvictIdle(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	reg.idleAfter = time.Millisecond
	ctx := context.Background()

	h, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, reg.EvictIdle(ctx))
	assert.Equal(t, replica.StateEvicted, h.State())
	assert.Zero(t, reg.Resident())
	assert.NoFileExists(t, h.LocalPath)
}

func TestEvictIdle_ReclaimsFailedHandle(t *testing.T) {
	store := newFSStore(t)
	scratch := filepath.Join(t.TempDir(), "scratch")
	sup, err := replica.NewSupervisor(replica.Config{
		Store:          store,
		ScratchDir:     scratch,
		Logger:         zerolog.Nop(),
		SyncInterval:   10 * time.Millisecond,
		RestoreBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	reg, err := New(Config{
		Supervisor: sup,
		ScratchDir: scratch,
		Logger:     zerolog.Nop(),
		IdleAfter:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close(context.Background()) })
	ctx := context.Background()

	h, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)

	// Occupy the shipper's next segment slot so its create-only upload
	// collides and the handle crashes to Failed.
	_, err = store.Put(ctx, durable.SegmentKey("acme", h.Generation.GenerationID, 1), []byte("x"))
	require.NoError(t, err)
	err = reg.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		_, err := contact.Insert(ctx, db, contact.Record{
			FirstName: "Jane", LastName: "Doe", Email: "jane@example.com",
		})
		return err
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.State() == replica.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	// The sweep reclaims the crashed tenant even though it was never idle.
	assert.Equal(t, 1, reg.EvictIdle(ctx))
	assert.Equal(t, replica.StateEvicted, h.State())
	assert.Zero(t, reg.Resident())
	assert.NoFileExists(t, h.LocalPath)
}

func TestEvictIdle_SkipsRecentlyTouched(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	ctx := context.Background()

	_, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)

	assert.Zero(t, reg.EvictIdle(ctx))
	assert.Equal(t, 1, reg.Resident())
}

func TestEvictIdle_InflightOpBlocksEviction(t *testing.T) {
	reg := newTestRegistry(t, newFSStore(t))
	reg.idleAfter = time.Millisecond
	ctx := context.Background()

	h, err := reg.AcquireHandle(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, h.BeginOp())
	time.Sleep(5 * time.Millisecond)

	assert.Zero(t, reg.EvictIdle(ctx))
	h.EndOp()

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, reg.EvictIdle(ctx))
}

func TestClose_FlushesAndNextProcessRestores(t *testing.T) {
	store := newFSStore(t)
	scratch := filepath.Join(t.TempDir(), "scratch")
	ctx := context.Background()

	open := func() *Registry {
		sup, err := replica.NewSupervisor(replica.Config{
			Store:          store,
			ScratchDir:     scratch,
			Logger:         zerolog.Nop(),
			SyncInterval:   time.Hour,
			RestoreBackoff: 5 * time.Millisecond,
		})
		require.NoError(t, err)
		reg, err := New(Config{Supervisor: sup, ScratchDir: scratch, Logger: zerolog.Nop()})
		require.NoError(t, err)
		return reg
	}

	reg := open()
	err := reg.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		_, err := contact.Insert(ctx, db, contact.Record{
			FirstName: "Jane", LastName: "Doe", Email: "jane@example.com",
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, reg.Close(ctx))

	reg2 := open()
	defer reg2.Close(ctx)
	err = reg2.WithTenantDatabase(ctx, "acme", func(db *sql.DB) error {
		n, err := contact.Count(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestNew_RejectsSecondProcessOnScratchDir(t *testing.T) {
	store := newFSStore(t)
	scratch := filepath.Join(t.TempDir(), "scratch")

	sup, err := replica.NewSupervisor(replica.Config{
		Store: store, ScratchDir: scratch, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	reg, err := New(Config{Supervisor: sup, ScratchDir: scratch, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reg.Close(context.Background())

	_, err = New(Config{Supervisor: sup, ScratchDir: scratch, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, ErrScratchDirBusy)
}
