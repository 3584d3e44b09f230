package bundlehttp

import (
	"time"

	"github.com/keithlinneman/lms-bundles/internal/bundle"
)

// BundleDTO is the wire shape of one bundle.
type BundleDTO struct {
	ID              string           `json:"id"`
	ContentUnitID   string           `json:"content_unit_id"`
	ContentUnitKind string           `json:"content_unit_kind"`
	Version         int              `json:"version"`
	Entrypoint      string           `json:"entrypoint"`
	PublicURL       string           `json:"public_url"`
	Manifest        *bundle.Manifest `json:"manifest,omitempty"`
	ArchiveSHA256   string           `json:"archive_sha256,omitempty"`
	SizeBytes       int64            `json:"size_bytes"`
	IsActive        bool             `json:"is_active"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ListResponse wraps a content unit's bundles, newest version first.
type ListResponse struct {
	ContentUnitID string      `json:"content_unit_id"`
	Bundles       []BundleDTO `json:"bundles"`
}

// DeleteResponse confirms a removal.
type DeleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}
