package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/kilupskalvis/kgserve/internal/bundle"
	"github.com/kilupskalvis/kgserve/internal/validate"
)

// Inspection is the outcome of a dry-run load.
type Inspection struct {
	Source        string
	Manifest      bundle.Manifest
	Checksum      string
	Entities      int
	Relationships int
	Documents     int
	MissingAssets []string
}

// Inspect runs every stage of a load except materialization: the manifest,
// every row and referential integrity are checked and the checksum is
// computed. Nothing is written.
func Inspect(ctx context.Context, source string) (*Inspection, error) {
	b, err := bundle.Open(source)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	checksum, err := b.Checksum(ctx)
	if err != nil {
		return nil, fmt.Errorf("checksum bundle: %w", err)
	}

	r := b.Reader()
	v, err := validate.New(b.Manifest).Validate(ctx, r)
	if err != nil {
		return nil, err
	}

	in := &Inspection{
		Source:        source,
		Manifest:      b.Manifest,
		Checksum:      checksum,
		Entities:      len(v.Entities),
		Relationships: len(v.Relationships),
		Documents:     len(v.Documents),
	}
	for _, doc := range v.Documents {
		p, err := r.Resolve(doc.Path)
		if err != nil {
			in.MissingAssets = append(in.MissingAssets, doc.Path)
			continue
		}
		if info, err := os.Stat(p); err != nil || !info.Mode().IsRegular() {
			in.MissingAssets = append(in.MissingAssets, doc.Path)
		}
	}
	return in, nil
}
