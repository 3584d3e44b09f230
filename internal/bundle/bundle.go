// Package bundle holds the domain model and lifecycle service for static
// content bundles: versioned tar.gz deployments attached to a content unit,
// with at most one active bundle per unit at any time.
package bundle

import (
	"fmt"
	"strings"
	"time"

	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// ContentUnitKind is the type of learning content a bundle attaches to.
type ContentUnitKind string

const (
	KindLesson  ContentUnitKind = "lesson"
	KindSection ContentUnitKind = "section"
)

// Valid reports kind membership.
func (k ContentUnitKind) Valid() bool {
	return k == KindLesson || k == KindSection
}

// ParseKind maps user input to a ContentUnitKind, case-insensitively.
func ParseKind(s string) (ContentUnitKind, error) {
	k := ContentUnitKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", xerrors.WithStack(fmt.Errorf("%w: unknown content unit kind %q", ErrValidation, s))
	}
	return k, nil
}

// ContentUnitRef identifies the content unit a bundle belongs to. The id is
// opaque; nothing beyond non-emptiness and kind membership is checked here.
type ContentUnitRef struct {
	ID   string
	Kind ContentUnitKind
}

func (r ContentUnitRef) Validate() error {
	if r.ID == "" {
		return xerrors.WithStack(fmt.Errorf("%w: content unit id is empty", ErrValidation))
	}
	if !r.Kind.Valid() {
		return xerrors.WithStack(fmt.Errorf("%w: unknown content unit kind %q", ErrValidation, r.Kind))
	}
	return nil
}

// DefaultEntrypoint is served when neither the upload nor the manifest
// names one.
const DefaultEntrypoint = "index.html"

// Bundle is one deployed version of a content unit's static assets.
type Bundle struct {
	ID            string
	ContentUnit   ContentUnitRef
	Version       int
	Entrypoint    string
	StoragePath   string
	Manifest      *Manifest
	ArchiveSHA256 string
	SizeBytes     int64
	IsActive      bool
	CreatedAt     time.Time
}

// Validate checks the entity-local invariants. Cross-entity invariants
// (version uniqueness, single active bundle) are owned by the Service and
// the repository.
func (b *Bundle) Validate() error {
	if err := b.ContentUnit.Validate(); err != nil {
		return err
	}
	if b.Version < 1 {
		return xerrors.WithStack(fmt.Errorf("%w: version %d, must be >= 1", ErrValidation, b.Version))
	}
	if b.StoragePath == "" {
		return xerrors.WithStack(fmt.Errorf("%w: storage path is empty", ErrValidation))
	}
	if b.Entrypoint == "" {
		return xerrors.WithStack(fmt.Errorf("%w: entrypoint is empty", ErrValidation))
	}
	return nil
}
