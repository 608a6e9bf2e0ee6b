package loader

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/kgserve/internal/models"
)

// PruneResult contains the outcome of an asset prune.
type PruneResult struct {
	AssetsScanned    int
	AssetsDeleted    int
	ReferencedAssets int
}

// prune removes assets that the given documents no longer reference, so the
// docs directory mirrors the active bundle.
func (l *Loader) prune(ctx context.Context, docs []models.Document) (*PruneResult, error) {
	result := &PruneResult{}

	referenced := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if name, err := AssetName(doc.Path); err == nil {
			referenced[name] = true
		}
	}
	result.ReferencedAssets = len(referenced)

	names, err := l.assets.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	result.AssetsScanned = len(names)

	for _, name := range names {
		if referenced[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := l.assets.Delete(ctx, name); err != nil {
			l.logger.Warn("prune: failed to delete asset", "name", name, "error", err)
			continue
		}
		result.AssetsDeleted++
	}

	l.metrics.observePruned(result.AssetsDeleted)
	l.logger.Info("asset prune complete",
		"scanned", result.AssetsScanned,
		"referenced", result.ReferencedAssets,
		"deleted", result.AssetsDeleted,
	)
	return result, nil
}
