package bundle

import (
	"context"
	"fmt"
)

// Storage persists extracted bundle content and serves it back. Adapters
// wrap backend failures in ErrStorage and use StoragePathFor so every
// backend lays content out the same way.
type Storage interface {
	// Store unpacks the archive under the namespaced location for this
	// unit and version and returns the storage path plus bytes written.
	Store(ctx context.Context, unit ContentUnitRef, version int, archive []byte) (storagePath string, size int64, err error)

	// Delete removes everything under storagePath. Deleting a path that
	// does not exist is not an error.
	Delete(ctx context.Context, storagePath string) error

	// PublicURL maps a storage path to the URL clients fetch content
	// from. Pure derivation, no I/O.
	PublicURL(storagePath string) string

	// EntrypointExists reports whether the entrypoint file is present in
	// the stored bundle.
	EntrypointExists(ctx context.Context, storagePath, entrypoint string) bool

	// ReadFile returns one file from the stored bundle by relative name.
	ReadFile(ctx context.Context, storagePath, name string) ([]byte, error)
}

// StoragePathFor is the single namespacing rule shared by all adapters:
// {kind}s/{unitID}/v{version}.
func StoragePathFor(unit ContentUnitRef, version int) string {
	return fmt.Sprintf("%ss/%s/v%d", unit.Kind, unit.ID, version)
}
