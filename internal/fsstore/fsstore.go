// Package fsstore is the local-filesystem bundle.Storage adapter. Content
// lives under one base directory using the shared namespacing rule, and
// PublicURL points at the site server's /assets/ mount.
package fsstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/lms-bundles/internal/archive"
	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/pathutil"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

type Options struct {
	// BasePath is the directory all bundle content lives under. Created
	// if absent.
	BasePath string

	// PublicBaseURL prefixes PublicURL results, e.g. "https://lms.example".
	// Empty yields host-relative URLs.
	PublicBaseURL string

	Logger log.Logger
}

type Store struct {
	basePath   string
	publicBase string
	logger     log.Logger
}

func New(opts Options) (*Store, error) {
	if opts.BasePath == "" {
		return nil, xerrors.New("fsstore: BasePath is required")
	}
	abs, err := filepath.Abs(opts.BasePath)
	if err != nil {
		return nil, xerrors.Wrapf(err, "fsstore: resolve base path %q", opts.BasePath)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "fsstore: create base path %q", abs)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{
		basePath:   abs,
		publicBase: strings.TrimSuffix(opts.PublicBaseURL, "/"),
		logger:     logger.With("component", "fsstore"),
	}, nil
}

// BasePath returns the absolute content root, for the asset file server.
func (s *Store) BasePath() string {
	return s.basePath
}

// Store extracts the archive under the namespaced directory for this unit
// and version. A leftover directory from a crashed earlier attempt is
// replaced. Extraction errors pass through verbatim; everything else is
// wrapped in bundle.ErrStorage.
func (s *Store) Store(ctx context.Context, unit bundle.ContentUnitRef, version int, archiveBytes []byte) (string, int64, error) {
	sp := bundle.StoragePathFor(unit, version)
	dir, err := s.resolve(sp)
	if err != nil {
		return "", 0, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", 0, xerrors.WithStack(fmt.Errorf("%w: clear target %q: %w", bundle.ErrStorage, sp, err))
	}
	if err := archive.Extract(archiveBytes, dir); err != nil {
		return "", 0, err
	}

	size, err := dirSize(dir)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn(ctx, "could not remove broken extraction", "storage_path", sp, "err", rmErr)
		}
		return "", 0, xerrors.WithStack(fmt.Errorf("%w: measure %q: %w", bundle.ErrStorage, sp, err))
	}

	s.logger.Debug(ctx, "bundle content stored", "storage_path", sp, "size_bytes", size)
	return sp, size, nil
}

// Delete removes the directory for a storage path. A path that is already
// gone is success.
func (s *Store) Delete(ctx context.Context, storagePath string) error {
	dir, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: delete %q: %w", bundle.ErrStorage, storagePath, err))
	}
	s.logger.Debug(ctx, "bundle content deleted", "storage_path", storagePath)
	return nil
}

// PublicURL maps a storage path onto the /assets/ mount.
func (s *Store) PublicURL(storagePath string) string {
	return s.publicBase + "/assets/" + storagePath
}

func (s *Store) EntrypointExists(ctx context.Context, storagePath, entrypoint string) bool {
	target, err := s.fileTarget(storagePath, entrypoint)
	if err != nil {
		return false
	}
	info, err := os.Stat(target)
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) ReadFile(ctx context.Context, storagePath, name string) ([]byte, error) {
	target, err := s.fileTarget(storagePath, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, xerrors.WithStack(fmt.Errorf("%w: read %s/%s: %w", bundle.ErrStorage, storagePath, name, err))
	}
	return data, nil
}

// fileTarget resolves one file inside a stored bundle. The name is checked
// for dot segments before joining; path.Join would fold them away and let
// a relative name wander inside the base.
func (s *Store) fileTarget(storagePath, name string) (string, error) {
	if name == "" || pathutil.HasDotSegments(name) {
		return "", xerrors.WithStack(fmt.Errorf("%w: bad file name %q", bundle.ErrStorage, name))
	}
	return s.resolve(path.Join(storagePath, name))
}

// resolve confines a storage path to the base directory. Storage paths come
// from the database, but they still never get to traverse out.
func (s *Store) resolve(storagePath string) (string, error) {
	target, err := pathutil.SafeJoin(s.basePath, filepath.FromSlash(storagePath))
	if err != nil {
		return "", xerrors.WithStack(fmt.Errorf("%w: bad storage path %q: %w", bundle.ErrStorage, storagePath, err))
	}
	return target, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
