package bundle

import "context"

// Repository persists bundles. Implementations surface ErrNotFound for
// absent rows and ErrVersionConflict when Save would duplicate a
// (content unit, version) pair.
type Repository interface {
	// Save inserts or replaces a bundle by id.
	Save(ctx context.Context, b *Bundle) error

	FindByID(ctx context.Context, id string) (*Bundle, error)

	// FindByContentUnit returns the unit's bundles, newest version first.
	FindByContentUnit(ctx context.Context, unitID string) ([]*Bundle, error)

	// FindActiveByContentUnit returns the unit's active bundle or
	// ErrNotFound when none is active.
	FindActiveByContentUnit(ctx context.Context, unitID string) (*Bundle, error)

	// GetNextVersion returns 1 for an unseen unit, max(version)+1 after.
	GetNextVersion(ctx context.Context, unitID string) (int, error)

	// DeactivateAllForContentUnit clears the active flag on every bundle
	// of the unit in one operation.
	DeactivateAllForContentUnit(ctx context.Context, unitID string) error

	Delete(ctx context.Context, id string) error
}

// TxRunner is an optional Repository capability. Adapters that can scope a
// group of operations to one unit of work implement it; the Service runs
// the activation pair inside InTx when the adapter offers it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Repository) error) error
}
