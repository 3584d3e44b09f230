package bundle

import (
	"context"
	"encoding/json"
)

// Manifest is the optional deployment descriptor packaged inside a bundle
// archive. Unknown fields are ignored.
type Manifest struct {
	Entrypoint   string         `json:"entrypoint,omitempty"`
	Steps        []ManifestStep `json:"steps,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// ManifestStep is one ordered step of guided content.
type ManifestStep struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// legacyManifestName is tried after the kind-specific name so bundles
// packaged before section support existed keep working.
const legacyManifestName = "lesson.json"

// ManifestFileName returns the primary manifest filename for a kind.
func ManifestFileName(kind ContentUnitKind) string {
	return string(kind) + ".json"
}

// ReadManifest loads the manifest from a stored bundle through the Storage
// ReadFile seam. It tries the kind-specific filename first and falls back
// to the legacy name. A bundle without a readable manifest is valid:
// absence and parse failures both yield nil, never an error.
func ReadManifest(ctx context.Context, store Storage, storagePath string, kind ContentUnitKind) *Manifest {
	names := []string{ManifestFileName(kind)}
	if names[0] != legacyManifestName {
		names = append(names, legacyManifestName)
	}
	for _, name := range names {
		raw, err := store.ReadFile(ctx, storagePath, name)
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		return &m
	}
	return nil
}
