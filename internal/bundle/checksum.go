package bundle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
)

const checksumDomain = "kgserve.bundle.v1"

// Checksum returns the content checksum of the bundle: the manifest bytes
// plus every declared data file, hashed with BLAKE3. Files are hashed
// concurrently and combined in a fixed order, so the result only depends on
// content.
func (b *Bundle) Checksum(ctx context.Context) (string, error) {
	type part struct {
		collection string
		name       string
		path       string
		data       []byte
	}
	parts := []part{{name: ManifestFile, data: b.raw}}
	r := b.Reader()
	declared := []struct {
		collection string
		ref        *FileRef
	}{
		{"entities", &b.Manifest.Entities},
		{"relationships", &b.Manifest.Relationships},
		{"documents", b.Manifest.Documents},
	}
	for _, d := range declared {
		if d.ref == nil {
			continue
		}
		full, err := r.Resolve(d.ref.Path)
		if err != nil {
			return "", kgerr.ManifestInvalid(d.collection+".path", err.Error())
		}
		parts = append(parts, part{collection: d.collection, name: d.ref.Path, path: full})
	}

	sums := make([][]byte, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.path == "" {
				sum := blake3.Sum256(p.data)
				sums[i] = sum[:]
				return nil
			}
			sum, err := hashFile(p.path)
			if errors.Is(err, os.ErrNotExist) {
				return kgerr.ManifestInvalid(p.collection+".path", fmt.Sprintf("declared file %q does not exist", p.name))
			}
			if err != nil {
				return fmt.Errorf("hash %s: %w", p.name, err)
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	h := blake3.New()
	h.Write([]byte(checksumDomain))
	for i, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p.name))
		h.Write([]byte{0})
		h.Write(sums[i])
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
