// Package lock implements a cross-process mutual-exclusion primitive on top
// of durable-store conditional writes. A lock is a small JSON record with a
// bounded lease; a holder that crashes simply loses exclusivity once the
// lease lapses, no cleanup required.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/planwise/planwise/internal/durable"
)

// Lock error types.
var (
	ErrLockHeld = errors.New("lock held by another holder")
	ErrNotHeld  = errors.New("lock not held by this token")
)

// Record is the durable representation of a held lock. A record with an empty
// HolderID is released; a record whose lease has lapsed counts as available
// even if the previous holder never released it.
type Record struct {
	ResourceID     string    `json:"resource_id"`
	HolderID       string    `json:"holder_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Reason         string    `json:"reason"`
}

func (r Record) heldAt(now time.Time) bool {
	return r.HolderID != "" && now.Before(r.LeaseExpiresAt)
}

// Token proves ownership of an acquired lock. Release and renew verify the
// holder ID against the durable record, so a token that outlived its lease
// cannot release a lock someone else has since acquired.
type Token struct {
	ResourceID string
	HolderID   string

	version string
}

// Manager acquires and releases locks against a durable store.
type Manager struct {
	store  durable.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager.
func NewManager(store durable.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "lock").Logger(),
		now:    time.Now,
	}
}

// Acquire takes the lock for resourceID with the given lease duration. It
// fails fast with ErrLockHeld when an unexpired lock exists; it never queues.
// An expired or released record is replaced through a conditional write, so
// two racing acquirers can never both succeed.
func (m *Manager) Acquire(ctx context.Context, resourceID string, lease time.Duration, reason string) (*Token, error) {
	key := durable.LockKey(resourceID)
	now := m.now().UTC()

	record := Record{
		ResourceID:     resourceID,
		HolderID:       uuid.NewString(),
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(lease),
		Reason:         reason,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode lock record: %w", err)
	}

	current, version, err := m.read(ctx, key)
	switch {
	case errors.Is(err, durable.ErrNotFound):
		version, err = m.store.CompareAndPut(ctx, key, data, durable.VersionAbsent)
		if errors.Is(err, durable.ErrAlreadyExists) {
			return nil, ErrLockHeld
		}
	case err != nil:
		return nil, err
	case current.heldAt(now):
		m.logger.Debug().
			Str("resource", resourceID).
			Str("holder", current.HolderID).
			Str("reason", current.Reason).
			Time("lease_expires", current.LeaseExpiresAt).
			Msg("Lock held, acquire rejected")
		return nil, ErrLockHeld
	default:
		// Released or lease lapsed: take over, conditioned on the record we read.
		version, err = m.store.CompareAndPut(ctx, key, data, version)
		if errors.Is(err, durable.ErrVersionMismatch) {
			return nil, ErrLockHeld
		}
	}
	if err != nil {
		return nil, fmt.Errorf("write lock record: %w", err)
	}

	m.logger.Debug().
		Str("resource", resourceID).
		Str("holder", record.HolderID).
		Dur("lease", lease).
		Msg("Lock acquired")

	return &Token{ResourceID: resourceID, HolderID: record.HolderID, version: version}, nil
}

// Renew extends the lease of a held lock for long-running operations.
func (m *Manager) Renew(ctx context.Context, token *Token, lease time.Duration) error {
	key := durable.LockKey(token.ResourceID)

	current, version, err := m.read(ctx, key)
	if errors.Is(err, durable.ErrNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if current.HolderID != token.HolderID {
		return ErrNotHeld
	}

	current.LeaseExpiresAt = m.now().UTC().Add(lease)
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	newVersion, err := m.store.CompareAndPut(ctx, key, data, version)
	if errors.Is(err, durable.ErrVersionMismatch) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("renew lock record: %w", err)
	}
	token.version = newVersion
	return nil
}

// Release gives up a held lock. The write is conditional on the holder still
// owning the record: releasing after lease expiry and re-acquisition by
// another process fails with ErrNotHeld instead of clobbering their lock.
func (m *Manager) Release(ctx context.Context, token *Token) error {
	key := durable.LockKey(token.ResourceID)

	current, version, err := m.read(ctx, key)
	if errors.Is(err, durable.ErrNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if current.HolderID != token.HolderID {
		return ErrNotHeld
	}

	released := Record{ResourceID: token.ResourceID}
	data, err := json.Marshal(released)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := m.store.CompareAndPut(ctx, key, data, version); err != nil {
		if errors.Is(err, durable.ErrVersionMismatch) {
			return ErrNotHeld
		}
		return fmt.Errorf("release lock record: %w", err)
	}

	m.logger.Debug().
		Str("resource", token.ResourceID).
		Str("holder", token.HolderID).
		Msg("Lock released")
	return nil
}

// Inspect returns the current lock record for a resource, if any.
func (m *Manager) Inspect(ctx context.Context, resourceID string) (Record, error) {
	record, _, err := m.read(ctx, durable.LockKey(resourceID))
	return record, err
}

func (m *Manager) read(ctx context.Context, key string) (Record, string, error) {
	data, version, err := m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			return Record{}, "", durable.ErrNotFound
		}
		return Record{}, "", fmt.Errorf("read lock record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, "", fmt.Errorf("decode lock record: %w", err)
	}
	return record, version, nil
}
