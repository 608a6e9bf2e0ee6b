package loader

import (
	"context"
	"os"
	"strings"

	"github.com/kilupskalvis/kgserve/internal/assets"
	"github.com/kilupskalvis/kgserve/internal/bundle"
	"github.com/kilupskalvis/kgserve/internal/models"
)

// docsPrefix is stripped from listed paths so bundle docs/ lands at the
// asset root.
const docsPrefix = "docs/"

// publish copies listed document files into the asset store. The graph is
// already committed at this point, so a missing or unwritable asset is
// logged and counted, never fatal.
func (l *Loader) publish(ctx context.Context, r *bundle.Reader, docs []models.Document, res *Result) {
	for _, doc := range docs {
		if ctx.Err() != nil {
			l.logger.Warn("asset publishing cancelled", "remaining", len(docs)-res.AssetsPublished-res.AssetsSkipped)
			break
		}
		if l.publishOne(ctx, r, doc.Path) {
			res.AssetsPublished++
		} else {
			res.AssetsSkipped++
		}
	}
	l.metrics.observeAssets(res.AssetsPublished, res.AssetsSkipped)
	if res.AssetsPublished > 0 {
		l.logger.Info("published document assets", "count", res.AssetsPublished, "skipped", res.AssetsSkipped)
	}
}

func (l *Loader) publishOne(ctx context.Context, r *bundle.Reader, rel string) bool {
	src, err := r.Resolve(rel)
	if err != nil {
		l.logger.Warn("document asset path rejected", "path", rel, "error", err)
		return false
	}
	f, err := os.Open(src)
	if err != nil {
		l.logger.Warn("document asset not found", "path", rel, "error", err)
		return false
	}
	defer f.Close()

	name, err := AssetName(rel)
	if err != nil {
		l.logger.Warn("document asset path rejected", "path", rel, "error", err)
		return false
	}
	if _, err := l.assets.Put(ctx, name, f); err != nil {
		l.logger.Warn("publish document asset", "path", rel, "error", err)
		return false
	}
	return true
}

// AssetName maps a bundle-relative document path to its published name.
func AssetName(rel string) (string, error) {
	name, err := assets.CleanName(rel)
	if err != nil {
		return "", err
	}
	if trimmed := strings.TrimPrefix(name, docsPrefix); trimmed != "" {
		name = trimmed
	}
	return name, nil
}
