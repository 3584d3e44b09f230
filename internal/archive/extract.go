// Package archive unpacks untrusted gzip-compressed tar streams onto the
// local filesystem. Entry paths are confined to the target directory and
// hard limits bound entry count and decompressed size.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/keithlinneman/lms-bundles/internal/pathutil"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// Extraction limits. An archive exceeding any of them is rejected whole.
const (
	// MaxFileBytes caps the decompressed size of a single entry.
	MaxFileBytes = 64 << 20
	// MaxTotalBytes caps the decompressed size of the whole archive.
	MaxTotalBytes = 256 << 20
	// MaxEntries caps the number of tar entries.
	MaxEntries = 10_000
)

var (
	// ErrExtract classifies every extraction failure.
	ErrExtract = errors.New("archive extraction failed")

	// ErrTraversal reports an entry whose path would land outside the
	// target directory. errors.Is matches it against ErrExtract too.
	ErrTraversal = fmt.Errorf("%w: path traversal", ErrExtract)
)

// Extract unpacks a gzip-compressed tar archive into targetDir, which must
// not exist yet; Extract creates it. Regular files and directories are the
// only entry types accepted. The first offending entry or decode error
// aborts the extraction and removes targetDir along with everything written
// so far.
func Extract(archiveBytes []byte, targetDir string) (err error) {
	gz, err := gzip.NewReader(bytes.NewReader(archiveBytes))
	if err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: not a gzip stream: %w", ErrExtract, err))
	}
	defer gz.Close()

	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: prepare target: %w", ErrExtract, err))
	}
	if err := os.Mkdir(targetDir, 0o755); err != nil {
		return xerrors.WithStack(fmt.Errorf("%w: create target: %w", ErrExtract, err))
	}
	defer func() {
		if err != nil {
			os.RemoveAll(targetDir)
		}
	}()

	tr := tar.NewReader(gz)
	entries := 0
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.WithStack(fmt.Errorf("%w: read tar header: %w", ErrExtract, err))
		}

		name := path.Clean(hdr.Name)
		if name == "." || name == "" {
			continue
		}

		entries++
		if entries > MaxEntries {
			return xerrors.WithStack(fmt.Errorf("%w: more than %d entries", ErrExtract, MaxEntries))
		}

		target, err := pathutil.SafeJoin(targetDir, hdr.Name)
		if err != nil {
			return xerrors.WithStack(fmt.Errorf("%w: entry %q: %w", ErrTraversal, hdr.Name, err))
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.WithStack(fmt.Errorf("%w: mkdir %q: %w", ErrExtract, name, err))
			}
		case tar.TypeReg:
			if hdr.Size > MaxFileBytes {
				return xerrors.WithStack(fmt.Errorf("%w: entry %q declares %d bytes, limit %d", ErrExtract, name, hdr.Size, MaxFileBytes))
			}
			if total+hdr.Size > MaxTotalBytes {
				return xerrors.WithStack(fmt.Errorf("%w: archive exceeds %d decompressed bytes", ErrExtract, MaxTotalBytes))
			}
			n, err := writeEntry(target, tr)
			if err != nil {
				return xerrors.WithStack(fmt.Errorf("%w: write %q: %w", ErrExtract, name, err))
			}
			total += n
			if total > MaxTotalBytes {
				return xerrors.WithStack(fmt.Errorf("%w: archive exceeds %d decompressed bytes", ErrExtract, MaxTotalBytes))
			}
		default:
			return xerrors.WithStack(fmt.Errorf("%w: entry %q has unsupported type %d", ErrExtract, name, hdr.Typeflag))
		}
	}
}

// writeEntry streams one regular file to disk, creating parent directories
// the archive omitted. The reader is clamped one byte past the per-file
// limit so an entry that lies about its size still trips the check.
func writeEntry(target string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxFileBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > MaxFileBytes {
		return n, fmt.Errorf("entry exceeds %d bytes", MaxFileBytes)
	}
	return n, nil
}
