package bundle

import "errors"

// Sentinel errors for lifecycle outcomes. Callers classify failures with
// errors.Is; wrapped detail travels on top of these.
var (
	// ErrNotFound reports a bundle id or content unit with no match.
	ErrNotFound = errors.New("bundle not found")

	// ErrActiveConflict reports an operation that is illegal while the
	// bundle is the active one for its content unit.
	ErrActiveConflict = errors.New("bundle is active")

	// ErrVersionConflict reports a (content unit, version) pair that is
	// already taken by another bundle.
	ErrVersionConflict = errors.New("bundle version already exists")

	// ErrValidation reports malformed input before any side effect.
	ErrValidation = errors.New("invalid bundle request")

	// ErrEntrypointMissing reports an archive that extracted cleanly but
	// does not contain the declared entrypoint file.
	ErrEntrypointMissing = errors.New("entrypoint not found in archive")

	// ErrStorage classifies storage backend failures.
	ErrStorage = errors.New("bundle storage failed")
)
