package replica

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/durable"
)

// WorkingCopy is an isolated materialization of a tenant's current
// generation, used by the bulk pipeline. It never touches the tenant's live
// local file and is disposable at any point.
type WorkingCopy struct {
	Path       string
	Gen        durable.Generation
	GenVersion string // pointer version for the optimistic publish
	Fresh      bool   // tenant had no prior generation
}

// MaterializeWorkingCopy restores the tenant's current generation into dir.
// A tenant with no prior generation yields an empty schema-initialized
// database and a create-only publish condition.
func (s *Supervisor) MaterializeWorkingCopy(ctx context.Context, tenantID, dir string) (WorkingCopy, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return WorkingCopy{}, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return WorkingCopy{}, fmt.Errorf("create working dir: %w", err)
	}
	path := filepath.Join(dir, tenantID+".db")
	s.removeLocalFiles(path)

	gen, genVersion, err := durable.ReadGeneration(ctx, s.store, tenantID)
	if errors.Is(err, durable.ErrNotFound) {
		db, err := openTenantDB(ctx, path)
		if err != nil {
			return WorkingCopy{}, err
		}
		if err := contact.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return WorkingCopy{}, err
		}
		if err := db.Close(); err != nil {
			return WorkingCopy{}, fmt.Errorf("close working copy: %w", err)
		}
		return WorkingCopy{Path: path, GenVersion: durable.VersionAbsent, Fresh: true}, nil
	}
	if err != nil {
		return WorkingCopy{}, err
	}

	snapSeq, snapKey, err := s.newestSnapshot(ctx, tenantID, gen.GenerationID)
	if err != nil {
		return WorkingCopy{}, err
	}
	snapData, _, err := s.store.Get(ctx, snapKey)
	if err != nil {
		return WorkingCopy{}, fmt.Errorf("fetch snapshot %s: %w", snapKey, err)
	}
	raw, err := s.codec.decompress(snapData)
	if err != nil {
		return WorkingCopy{}, fmt.Errorf("snapshot %s: %w", snapKey, err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return WorkingCopy{}, fmt.Errorf("write working copy: %w", err)
	}
	if _, _, err := s.replaySegments(ctx, tenantID, gen.GenerationID, snapSeq, path); err != nil {
		return WorkingCopy{}, err
	}

	return WorkingCopy{Path: path, Gen: gen, GenVersion: genVersion}, nil
}

// Discard removes a working copy's local files.
func (s *Supervisor) Discard(wc WorkingCopy) {
	if wc.Path != "" {
		s.removeLocalFiles(wc.Path)
	}
}

// PublishGeneration uploads the working copy as a brand-new generation and
// atomically swings the tenant's pointer to it, conditioned on the pointer
// version read when the copy was materialized. A concurrent publish
// surfaces as durable.ErrVersionMismatch (or ErrAlreadyExists for a
// first-ever generation) and leaves the prior generation untouched.
func (s *Supervisor) PublishGeneration(ctx context.Context, tenantID, dbPath string, rowCount int64, expect string, retire string) (durable.Generation, error) {
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return durable.Generation{}, fmt.Errorf("read working copy: %w", err)
	}

	gen := durable.Generation{
		TenantID:     tenantID,
		GenerationID: durable.NewGenerationID(),
		CreatedAt:    time.Now().UTC(),
		RowCount:     rowCount,
	}
	snapKey := durable.SnapshotKey(tenantID, gen.GenerationID, 0)
	n, err := s.upload(ctx, snapKey, raw, false)
	if err != nil {
		return durable.Generation{}, fmt.Errorf("upload generation snapshot: %w", err)
	}

	if _, err := durable.PublishGeneration(ctx, s.store, gen, expect); err != nil {
		// The new generation's objects are unreachable without the pointer;
		// delete the snapshot so a lost race leaves nothing behind.
		_ = s.store.Delete(ctx, snapKey)
		return durable.Generation{}, err
	}

	if s.metrics != nil {
		s.metrics.GenerationsPublished.Inc()
		s.metrics.SnapshotsShipped.Inc()
		s.metrics.SnapshotBytes.Add(float64(n))
	}
	s.logger.Info().
		Str("tenant", tenantID).
		Str("generation", gen.GenerationID).
		Int64("rows", rowCount).
		Msg("Generation published")

	if retire != "" {
		s.retireGeneration(ctx, tenantID, retire)
	}
	return gen, nil
}

// retireGeneration deletes a superseded generation's objects. Best effort:
// leftover objects are unreachable and only cost storage.
func (s *Supervisor) retireGeneration(ctx context.Context, tenantID, generationID string) {
	keys, err := s.store.List(ctx, durable.GenerationPrefix(tenantID, generationID))
	if err != nil {
		s.logger.Warn().Err(err).Str("generation", generationID).Msg("List retired generation failed")
		return
	}
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Delete retired object failed")
		}
	}
	s.logger.Debug().
		Str("tenant", tenantID).
		Str("generation", generationID).
		Int("objects", len(keys)).
		Msg("Generation retired")
}
