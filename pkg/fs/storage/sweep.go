package storage

import (
	"context"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/manifest"
	"github.com/marmos91/parsecfs/pkg/store/local"
)

// SweepStats describes one SweepChunks run.
type SweepStats struct {
	Existing   int // dirty chunks and pending blocks in the store
	Referenced int // ids referenced by a local file manifest
	Orphaned   int // existing ids nothing references
	Deleted    int
}

// SweepChunks removes dirty chunks and pending blocks that no local file
// manifest references, which happens when the process stopped between a
// data write and the manifest that points to it. Commits wait while the
// sweep runs. With dryRun, orphans are only counted.
func (s *Storage) SweepChunks(ctx context.Context, dryRun bool) (SweepStats, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var stats SweepStats
	var existing []local.ID
	err := s.store.IterKind(ctx, local.KindDirtyBlock, func(id local.ID, _ int) error {
		existing = append(existing, id)
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Existing = len(existing)

	referenced := s.referencedChunks()
	stats.Referenced = len(referenced)

	var orphans []local.ID
	for _, id := range existing {
		if _, ok := referenced[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	stats.Orphaned = len(orphans)
	if dryRun || len(orphans) == 0 {
		return stats, nil
	}

	err = s.store.Batch(ctx, func(b local.Batch) error {
		for _, id := range orphans {
			b.Remove(local.KindDirtyBlock, id)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Deleted = len(orphans)
	logger.Debug("Swept %d orphan chunk(s)", stats.Deleted)
	return stats, nil
}

func (s *Storage) referencedChunks() map[local.ID]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[local.ID]struct{})
	for _, m := range s.manifests {
		f, ok := m.(*manifest.LocalFile)
		if !ok {
			continue
		}
		for _, list := range [][]manifest.Chunk{f.Blocks, f.DirtyBlocks} {
			for _, c := range list {
				out[local.ID(c.ID)] = struct{}{}
				if c.Access != nil {
					out[local.ID(c.Access.ID)] = struct{}{}
				}
			}
		}
	}
	return out
}
