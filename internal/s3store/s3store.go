// Package s3store is the object-storage bundle.Storage adapter. Archives
// are extracted to a local scratch directory, walked, and uploaded object
// by object under the shared namespacing rule used as the key prefix.
package s3store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/lms-bundles/internal/archive"
	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/pathutil"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// deleteBatchSize is the DeleteObjects API limit.
const deleteBatchSize = 1000

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Options struct {
	Client *s3.Client
	Bucket string

	// KeyPrefix sits in front of every object key. Optional.
	KeyPrefix string

	// PublicBaseURL is the CDN or bucket website root PublicURL builds on.
	PublicBaseURL string

	// ScratchDir hosts temporary extraction directories. Defaults to the
	// system temp dir.
	ScratchDir string

	Logger log.Logger
}

type Store struct {
	client     s3API
	bucket     string
	keyPrefix  string
	publicBase string
	scratchDir string
	logger     log.Logger
}

func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("s3store: Client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("s3store: Bucket is required")
	}
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{
		client:     opts.Client,
		bucket:     opts.Bucket,
		keyPrefix:  opts.KeyPrefix,
		publicBase: opts.PublicBaseURL,
		scratchDir: scratch,
		logger:     logger.With("component", "s3store"),
	}, nil
}

// Store extracts the archive into a scratch directory and uploads every
// file under the namespaced key prefix. A failed upload deletes the
// objects already put, so a bundle is either fully present or absent.
// Extraction errors pass through verbatim.
func (s *Store) Store(ctx context.Context, unit bundle.ContentUnitRef, version int, archiveBytes []byte) (string, int64, error) {
	sp := bundle.StoragePathFor(unit, version)

	scratch, err := os.MkdirTemp(s.scratchDir, "bundle-extract-")
	if err != nil {
		return "", 0, xerrors.WithStack(fmt.Errorf("%w: scratch dir: %w", bundle.ErrStorage, err))
	}
	defer os.RemoveAll(scratch)

	target := filepath.Join(scratch, "content")
	if err := archive.Extract(archiveBytes, target); err != nil {
		return "", 0, err
	}

	var (
		uploaded []string
		total    int64
	)
	walkErr := filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(target, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		key := s.key(sp, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentTypeFor(rel)),
		})
		if err != nil {
			return xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
		}
		uploaded = append(uploaded, key)
		total += info.Size()
		return nil
	})
	if walkErr != nil {
		if derr := s.deleteKeys(ctx, uploaded); derr != nil {
			s.logger.Warn(ctx, "partial upload cleanup failed",
				"storage_path", sp, "err", derr)
		}
		return "", 0, xerrors.WithStack(fmt.Errorf("%w: upload %q: %w", bundle.ErrStorage, sp, walkErr))
	}

	s.logger.Debug(ctx, "bundle content stored",
		"storage_path", sp, "objects", len(uploaded), "size_bytes", total)
	return sp, total, nil
}

// Delete removes every object under the storage path's key prefix. An
// already-empty prefix is success.
func (s *Store) Delete(ctx context.Context, storagePath string) error {
	prefix := s.key(storagePath, "") + "/"
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return xerrors.WithStack(fmt.Errorf("%w: list %q: %w", bundle.ErrStorage, prefix, err))
		}
		keys := make([]string, 0, len(out.Contents))
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if err := s.deleteKeys(ctx, keys); err != nil {
			return xerrors.WithStack(fmt.Errorf("%w: delete under %q: %w", bundle.ErrStorage, prefix, err))
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// PublicURL maps a storage path to its object root under the public base.
func (s *Store) PublicURL(storagePath string) string {
	return s.publicBase + "/" + s.key(storagePath, "")
}

func (s *Store) EntrypointExists(ctx context.Context, storagePath, entrypoint string) bool {
	if entrypoint == "" || pathutil.HasDotSegments(entrypoint) {
		return false
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(storagePath, entrypoint)),
	})
	return err == nil
}

func (s *Store) ReadFile(ctx context.Context, storagePath, name string) ([]byte, error) {
	if name == "" || pathutil.HasDotSegments(name) {
		return nil, xerrors.WithStack(fmt.Errorf("%w: bad file name %q", bundle.ErrStorage, name))
	}
	key := s.key(storagePath, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.WithStack(fmt.Errorf("%w: get s3://%s/%s: %w", bundle.ErrStorage, s.bucket, key, err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.WithStack(fmt.Errorf("%w: read s3://%s/%s: %w", bundle.ErrStorage, s.bucket, key, err))
	}
	return data, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		batch := keys[start:min(start+deleteBatchSize, len(keys))]
		ids := make([]s3types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) key(storagePath, rel string) string {
	return path.Join(s.keyPrefix, storagePath, rel)
}

func contentTypeFor(rel string) string {
	if ct := mime.TypeByExtension(filepath.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
