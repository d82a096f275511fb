// Package durable provides versioned object storage with compare-and-swap
// writes. It is the only resource shared between server processes: replication
// segments, snapshots, generation pointers and lock records all live here.
package durable

import (
	"context"
	"errors"
)

// Store error types.
var (
	ErrNotFound        = errors.New("object not found")
	ErrVersionMismatch = errors.New("object version mismatch")
	ErrAlreadyExists   = errors.New("object already exists")
)

// VersionAbsent is the expected version for create-only writes: the
// compare-and-swap succeeds only if the object does not exist yet.
const VersionAbsent = ""

// Store is a flat keyspace of objects, each carrying an opaque version that
// changes on every write. Keys use forward slashes as separators.
type Store interface {
	// Get retrieves an object and its current version.
	Get(ctx context.Context, key string) (data []byte, version string, err error)

	// Put writes an object unconditionally and returns the new version.
	Put(ctx context.Context, key string, data []byte) (version string, err error)

	// CompareAndPut writes an object only if its current version matches
	// expect. Pass VersionAbsent to require that the object does not exist.
	// Returns ErrVersionMismatch (or ErrAlreadyExists for create-only writes)
	// when the condition fails.
	CompareAndPut(ctx context.Context, key string, data []byte, expect string) (version string, err error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under the given prefix, sorted lexically.
	List(ctx context.Context, prefix string) ([]string, error)
}
