package durable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFSStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Get(context.Background(), "tenants/acme/generation")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_PutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	version, err := store.Put(ctx, "tenants/acme/generation", []byte(`{"v":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, version)

	data, got, err := store.Get(ctx, "tenants/acme/generation")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), data)
	assert.Equal(t, version, got)
}

func TestFSStore_CompareAndPut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("create only succeeds when absent", func(t *testing.T) {
		v1, err := store.CompareAndPut(ctx, "tenants/a/lock", []byte("one"), VersionAbsent)
		require.NoError(t, err)

		_, err = store.CompareAndPut(ctx, "tenants/a/lock", []byte("two"), VersionAbsent)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		// Object unchanged after the failed write
		data, v, err := store.Get(ctx, "tenants/a/lock")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), data)
		assert.Equal(t, v1, v)
	})

	t.Run("swap succeeds with matching version", func(t *testing.T) {
		v1, err := store.Put(ctx, "tenants/b/generation", []byte("gen-1"))
		require.NoError(t, err)

		v2, err := store.CompareAndPut(ctx, "tenants/b/generation", []byte("gen-2"), v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		data, _, err := store.Get(ctx, "tenants/b/generation")
		require.NoError(t, err)
		assert.Equal(t, []byte("gen-2"), data)
	})

	t.Run("swap fails with stale version", func(t *testing.T) {
		stale, err := store.Put(ctx, "tenants/c/generation", []byte("gen-1"))
		require.NoError(t, err)

		_, err = store.CompareAndPut(ctx, "tenants/c/generation", []byte("gen-2"), stale)
		require.NoError(t, err)

		_, err = store.CompareAndPut(ctx, "tenants/c/generation", []byte("gen-3"), stale)
		assert.ErrorIs(t, err, ErrVersionMismatch)

		data, _, err := store.Get(ctx, "tenants/c/generation")
		require.NoError(t, err)
		assert.Equal(t, []byte("gen-2"), data)
	})

	t.Run("swap against missing object fails", func(t *testing.T) {
		_, err := store.CompareAndPut(ctx, "tenants/d/generation", []byte("x"), "deadbeef")
		assert.ErrorIs(t, err, ErrVersionMismatch)
	})
}

func TestFSStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "tenants/acme/lock", []byte("held"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "tenants/acme/lock"))
	_, _, err = store.Get(ctx, "tenants/acme/lock")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error
	assert.NoError(t, store.Delete(ctx, "tenants/acme/lock"))
}

func TestFSStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keys := []string{
		"tenants/acme/gen-01/wal/0000000000000002.seg.zst",
		"tenants/acme/gen-01/wal/0000000000000001.seg.zst",
		"tenants/acme/gen-01/snapshots/0000000000000000.db.zst",
		"tenants/other/generation",
	}
	for _, k := range keys {
		_, err := store.Put(ctx, k, []byte("data"))
		require.NoError(t, err)
	}

	got, err := store.List(ctx, "tenants/acme/gen-01/wal/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tenants/acme/gen-01/wal/0000000000000001.seg.zst",
		"tenants/acme/gen-01/wal/0000000000000002.seg.zst",
	}, got)

	got, err = store.List(ctx, "tenants/missing/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "../outside", []byte("x"))
	assert.Error(t, err)

	_, _, err = store.Get(ctx, "/etc/passwd")
	assert.Error(t, err)
}
