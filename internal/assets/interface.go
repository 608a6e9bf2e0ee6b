// Package assets stores the static document files a bundle ships next to
// its graph data, so they can be served after a load.
package assets

import (
	"context"
	"errors"
	"io"
)

// ErrAssetNotFound is returned when a requested asset does not exist.
var ErrAssetNotFound = errors.New("asset not found")

// ErrInvalidName is returned for names that are empty, absolute or escape the store root.
var ErrInvalidName = errors.New("invalid asset name")

// Store holds document assets addressed by slash-separated relative names.
type Store interface {
	// Has checks whether an asset with the given name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Open returns a reader for the asset.
	// Returns ErrAssetNotFound if the asset does not exist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Put stores an asset atomically, replacing any previous content, and
	// returns its BLAKE3 digest.
	Put(ctx context.Context, name string, r io.Reader) (string, error)

	// Delete removes an asset. Deleting a missing asset is not an error.
	Delete(ctx context.Context, name string) error

	// Count returns the number of stored assets.
	Count(ctx context.Context) (int, error)

	// List returns all asset names in lexical order.
	List(ctx context.Context) ([]string, error)
}
