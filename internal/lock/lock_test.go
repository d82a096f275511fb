package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planwise/planwise/internal/durable"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	store, err := durable.NewFSStore(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, zerolog.Nop())
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquire_FreshResource(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "acme", time.Minute, "bulk import")
	require.NoError(t, err)
	assert.Equal(t, "acme", token.ResourceID)
	assert.NotEmpty(t, token.HolderID)

	record, err := m.Inspect(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, token.HolderID, record.HolderID)
	assert.Equal(t, "bulk import", record.Reason)
}

func TestAcquire_HeldFailsFast(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acme", time.Minute, "first")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "acme", time.Minute, "second")
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestAcquire_ExpiredLeaseIsAvailable(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "acme", time.Minute, "crashed holder")
	require.NoError(t, err)

	// Lease lapses without an explicit release.
	*now = now.Add(2 * time.Minute)

	second, err := m.Acquire(ctx, "acme", time.Minute, "takeover")
	require.NoError(t, err)
	assert.NotEqual(t, first.HolderID, second.HolderID)

	// The stale token cannot release the new holder's lock.
	err = m.Release(ctx, first)
	assert.ErrorIs(t, err, ErrNotHeld)

	record, err := m.Inspect(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, second.HolderID, record.HolderID)
}

func TestAcquire_PerResourceIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "acme", time.Minute, "a")
	require.NoError(t, err)

	// Unrelated resources are never blocked.
	_, err = m.Acquire(ctx, "globex", time.Minute, "b")
	assert.NoError(t, err)
}

func TestRelease_AllowsReacquire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "acme", time.Minute, "job")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, token))

	_, err = m.Acquire(ctx, "acme", time.Minute, "next job")
	assert.NoError(t, err)
}

func TestRelease_TwiceFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "acme", time.Minute, "job")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, token))
	assert.ErrorIs(t, m.Release(ctx, token), ErrNotHeld)
}

func TestRenew_ExtendsLease(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "acme", time.Minute, "long job")
	require.NoError(t, err)

	*now = now.Add(50 * time.Second)
	require.NoError(t, m.Renew(ctx, token, time.Minute))

	// Past the original lease but inside the renewed one.
	*now = now.Add(30 * time.Second)
	_, err = m.Acquire(ctx, "acme", time.Minute, "contender")
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestRenew_AfterTakeoverFails(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "acme", time.Minute, "hung holder")
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "acme", time.Minute, "takeover")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Renew(ctx, stale, time.Minute), ErrNotHeld)
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, "acme", time.Minute, "race")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, held int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrLockHeld):
			held++
		default:
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, contenders-1, held)
}
