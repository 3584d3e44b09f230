package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/lms-bundles/internal/archive"
	"github.com/keithlinneman/lms-bundles/internal/cryptoutil"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// DefaultMaxConcurrentCreates bounds how many uploads extract at once when
// Options does not say otherwise.
const DefaultMaxConcurrentCreates = 4

// SignatureVerifier checks a detached signature over the raw archive bytes.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// ServiceMetrics is the slice of the metrics registry the Service feeds.
type ServiceMetrics interface {
	IncBundleCreate(kind, outcome string)
	IncActivation(kind string)
	IncDelete()
	IncExtractFailure(reason string)
	ObserveArchiveBytes(n float64)
	ObserveExtractSeconds(seconds float64)
	SetWorkersInUse(n float64)
}

type nopServiceMetrics struct{}

func (nopServiceMetrics) IncBundleCreate(string, string) {}
func (nopServiceMetrics) IncActivation(string)           {}
func (nopServiceMetrics) IncDelete()                     {}
func (nopServiceMetrics) IncExtractFailure(string)       {}
func (nopServiceMetrics) ObserveArchiveBytes(float64)    {}
func (nopServiceMetrics) ObserveExtractSeconds(float64)  {}
func (nopServiceMetrics) SetWorkersInUse(float64)        {}

// ServiceOptions configures NewService. Repo and Storage are required.
type ServiceOptions struct {
	Repo    Repository
	Storage Storage

	// Notifier receives post-commit activation events. Optional.
	Notifier Notifier

	// Verifier checks detached upload signatures when set. When
	// RequireSignature is also set, uploads without one are rejected.
	Verifier         SignatureVerifier
	RequireSignature bool

	// MaxConcurrentCreates bounds concurrent Create calls. Zero means
	// DefaultMaxConcurrentCreates.
	MaxConcurrentCreates int

	Metrics ServiceMetrics
	Logger  log.Logger
}

// Service owns the bundle lifecycle: create, activate, delete, and the
// read side for the HTTP surface. It guards the cross-entity invariants:
// versions are assigned sequentially per content unit and at most one
// bundle per unit is active.
type Service struct {
	repo             Repository
	storage          Storage
	notifier         Notifier
	verifier         SignatureVerifier
	requireSignature bool
	metrics          ServiceMetrics
	logger           log.Logger

	createSlots chan struct{}
	units       *keyedMutex
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Repo == nil {
		return nil, xerrors.New("bundle: Repo is required")
	}
	if opts.Storage == nil {
		return nil, xerrors.New("bundle: Storage is required")
	}
	if opts.RequireSignature && opts.Verifier == nil {
		return nil, xerrors.New("bundle: RequireSignature needs a Verifier")
	}
	workers := opts.MaxConcurrentCreates
	if workers <= 0 {
		workers = DefaultMaxConcurrentCreates
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopServiceMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		repo:             opts.Repo,
		storage:          opts.Storage,
		notifier:         notifier,
		verifier:         opts.Verifier,
		requireSignature: opts.RequireSignature,
		metrics:          metrics,
		logger:           logger.With("component", "bundle_service"),
		createSlots:      make(chan struct{}, workers),
		units:            newKeyedMutex(),
	}, nil
}

// CreateRequest carries one upload into Create.
type CreateRequest struct {
	ContentUnit ContentUnitRef
	Archive     []byte

	// Entrypoint overrides the manifest's entrypoint when set.
	Entrypoint string

	ActivateImmediately bool

	// ExpectedSHA256 is an optional hex digest the archive must match.
	ExpectedSHA256 string

	// Signature is an optional detached signature over the archive bytes.
	Signature []byte
}

// Create deploys a new inactive bundle version for a content unit. The
// version is assigned under a per-unit lock; a conflicting concurrent
// insert is retried once. On any failure nothing remains: extraction
// failures clean their own output and a failed Save removes the extracted
// directory again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (b *Bundle, err error) {
	defer func() {
		s.metrics.IncBundleCreate(string(req.ContentUnit.Kind), createOutcome(err))
	}()

	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releaseSlot()

	s.metrics.ObserveArchiveBytes(float64(len(req.Archive)))

	digest, err := s.validateCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := s.units.lock(req.ContentUnit.ID)
	b, err = s.createLocked(ctx, req, digest)
	if err != nil {
		unlock()
		return nil, err
	}

	var ev *ActivationEvent
	if req.ActivateImmediately {
		createdID := b.ID
		b, ev, err = s.activateLocked(ctx, createdID)
		if err != nil {
			unlock()
			// the inactive bundle row stays behind for a manual retry
			s.logger.Error(ctx, err, "bundle created but immediate activation failed",
				"bundle_id", createdID, "content_unit_id", req.ContentUnit.ID)
			return nil, err
		}
	}
	unlock()

	if ev != nil {
		s.fireActivated(ctx, *ev)
		s.metrics.IncActivation(string(b.ContentUnit.Kind))
	}

	s.logger.Info(ctx, "bundle created",
		"bundle_id", b.ID,
		"content_unit_id", b.ContentUnit.ID,
		"kind", string(b.ContentUnit.Kind),
		"version", b.Version,
		"size_bytes", b.SizeBytes,
		"active", b.IsActive)
	return b, nil
}

// validateCreate checks the request before any side effect and returns the
// archive digest for the audit column.
func (s *Service) validateCreate(ctx context.Context, req CreateRequest) (string, error) {
	if len(req.Archive) == 0 {
		return "", xerrors.WithStack(fmt.Errorf("%w: archive is empty", ErrValidation))
	}
	if err := req.ContentUnit.Validate(); err != nil {
		return "", err
	}

	digest := cryptoutil.SHA256Hex(req.Archive)
	if req.ExpectedSHA256 != "" {
		if !cryptoutil.HashEqual(digest, cryptoutil.NormalizeHex(req.ExpectedSHA256)) {
			return "", xerrors.WithStack(fmt.Errorf("%w: archive digest mismatch", ErrValidation))
		}
	}

	switch {
	case s.verifier == nil:
		if len(req.Signature) > 0 {
			return "", xerrors.WithStack(fmt.Errorf("%w: signature supplied but verification is not configured", ErrValidation))
		}
	case len(req.Signature) == 0:
		if s.requireSignature {
			return "", xerrors.WithStack(fmt.Errorf("%w: signature is required", ErrValidation))
		}
	default:
		if err := s.verifier.VerifySignature(ctx, req.Archive, req.Signature); err != nil {
			return "", xerrors.WithStack(fmt.Errorf("%w: signature rejected: %w", ErrValidation, err))
		}
	}
	return digest, nil
}

// createLocked assigns the version and persists the bundle. Caller holds
// the unit lock. One retry covers a version conflict from a writer that
// does not share this process's lock.
func (s *Service) createLocked(ctx context.Context, req CreateRequest, digest string) (*Bundle, error) {
	b, err := s.tryCreate(ctx, req, digest)
	if errors.Is(err, ErrVersionConflict) {
		s.logger.Warn(ctx, "bundle version conflict, retrying",
			"content_unit_id", req.ContentUnit.ID)
		b, err = s.tryCreate(ctx, req, digest)
	}
	return b, err
}

func (s *Service) tryCreate(ctx context.Context, req CreateRequest, digest string) (*Bundle, error) {
	version, err := s.repo.GetNextVersion(ctx, req.ContentUnit.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	storagePath, size, err := s.storage.Store(ctx, req.ContentUnit, version, req.Archive)
	s.metrics.ObserveExtractSeconds(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, archive.ErrExtract) {
			s.metrics.IncExtractFailure(extractReason(err))
		}
		return nil, err
	}

	manifest := ReadManifest(ctx, s.storage, storagePath, req.ContentUnit.Kind)
	entrypoint := req.Entrypoint
	if entrypoint == "" && manifest != nil {
		entrypoint = manifest.Entrypoint
	}
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}

	if !s.storage.EntrypointExists(ctx, storagePath, entrypoint) {
		s.removeOrphan(ctx, storagePath)
		return nil, xerrors.WithStack(fmt.Errorf("%w: %q", ErrEntrypointMissing, entrypoint))
	}

	b := &Bundle{
		ID:            uuid.NewString(),
		ContentUnit:   req.ContentUnit,
		Version:       version,
		Entrypoint:    entrypoint,
		StoragePath:   storagePath,
		Manifest:      manifest,
		ArchiveSHA256: digest,
		SizeBytes:     size,
		IsActive:      false,
		CreatedAt:     time.Now().UTC(),
	}
	if err := b.Validate(); err != nil {
		s.removeOrphan(ctx, storagePath)
		return nil, err
	}
	if err := s.repo.Save(ctx, b); err != nil {
		s.removeOrphan(ctx, storagePath)
		return nil, err
	}
	return b, nil
}

// removeOrphan deletes extracted content that never got a bundle row.
// Best effort: a leftover directory is an operator annoyance, not a
// correctness problem.
func (s *Service) removeOrphan(ctx context.Context, storagePath string) {
	if err := s.storage.Delete(ctx, storagePath); err != nil {
		s.logger.Warn(ctx, "orphaned bundle content could not be removed",
			"storage_path", storagePath, "err", err)
	}
}

// Activate makes the bundle the active one for its content unit,
// deactivating every other version of the unit in the same unit of work.
// Activating an already-active bundle is a no-op. Subscribers are notified
// after the change is committed and the unit lock released.
func (s *Service) Activate(ctx context.Context, id string) (*Bundle, error) {
	// resolve the unit first so the right lock is taken
	b, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.units.lock(b.ContentUnit.ID)
	b, ev, err := s.activateLocked(ctx, id)
	unlock()
	if err != nil {
		s.logger.Error(ctx, err, "bundle activation failed", "bundle_id", id)
		return nil, err
	}

	if ev != nil {
		s.fireActivated(ctx, *ev)
		s.metrics.IncActivation(string(b.ContentUnit.Kind))
		s.logger.Info(ctx, "bundle activated",
			"bundle_id", b.ID,
			"content_unit_id", b.ContentUnit.ID,
			"version", b.Version)
	}
	return b, nil
}

// activateLocked runs the deactivate-all plus activate pair inside one
// unit of work. Caller holds the unit lock. The returned event is nil when
// the bundle was already active.
func (s *Service) activateLocked(ctx context.Context, id string) (*Bundle, *ActivationEvent, error) {
	var (
		out       *Bundle
		activated bool
	)
	err := s.inTx(ctx, func(r Repository) error {
		b, err := r.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if b.IsActive {
			out = b
			return nil
		}
		if err := r.DeactivateAllForContentUnit(ctx, b.ContentUnit.ID); err != nil {
			return err
		}
		b.IsActive = true
		if err := r.Save(ctx, b); err != nil {
			return err
		}
		out = b
		activated = true
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !activated {
		return out, nil, nil
	}
	return out, &ActivationEvent{
		BundleID:    out.ID,
		ContentUnit: out.ContentUnit,
		Version:     out.Version,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// inTx scopes fn to one unit of work when the repository can provide one.
// The per-unit lock already serializes callers either way.
func (s *Service) inTx(ctx context.Context, fn func(Repository) error) error {
	if tx, ok := s.repo.(TxRunner); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(s.repo)
}

// fireActivated delivers one event, containing subscriber panics.
func (s *Service) fireActivated(ctx context.Context, ev ActivationEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn(ctx, "activation subscriber panicked",
				"panic", fmt.Sprint(r), "bundle_id", ev.BundleID)
		}
	}()
	s.notifier.BundleActivated(ctx, ev)
}

// Delete removes an inactive bundle: storage content best-effort, then the
// row. Deleting the active bundle fails with ErrActiveConflict; deactivate
// it first by activating another version.
func (s *Service) Delete(ctx context.Context, id string) error {
	b, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.units.lock(b.ContentUnit.ID)
	defer unlock()

	// reload under the lock; an activation may have raced the first read
	b, err = s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if b.IsActive {
		return xerrors.WithStack(fmt.Errorf("%w: bundle %s is active for content unit %s", ErrActiveConflict, b.ID, b.ContentUnit.ID))
	}

	if err := s.storage.Delete(ctx, b.StoragePath); err != nil {
		s.logger.Warn(ctx, "storage delete failed, removing row anyway",
			"bundle_id", b.ID, "storage_path", b.StoragePath, "err", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.metrics.IncDelete()
	s.logger.Info(ctx, "bundle deleted",
		"bundle_id", b.ID,
		"content_unit_id", b.ContentUnit.ID,
		"version", b.Version)
	return nil
}

// Get returns one bundle by id.
func (s *Service) Get(ctx context.Context, id string) (*Bundle, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns a content unit's bundles, newest version first.
func (s *Service) List(ctx context.Context, unitID string) ([]*Bundle, error) {
	return s.repo.FindByContentUnit(ctx, unitID)
}

// Active returns a content unit's active bundle or ErrNotFound.
func (s *Service) Active(ctx context.Context, unitID string) (*Bundle, error) {
	return s.repo.FindActiveByContentUnit(ctx, unitID)
}

// PublicURL exposes the storage URL mapping for the HTTP layer.
func (s *Service) PublicURL(b *Bundle) string {
	return s.storage.PublicURL(b.StoragePath)
}

func (s *Service) acquireSlot(ctx context.Context) error {
	select {
	case s.createSlots <- struct{}{}:
		s.metrics.SetWorkersInUse(float64(len(s.createSlots)))
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(ctx.Err(), "waiting for a create slot")
	}
}

func (s *Service) releaseSlot() {
	<-s.createSlots
	s.metrics.SetWorkersInUse(float64(len(s.createSlots)))
}

func createOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, archive.ErrExtract):
		return "extract"
	case errors.Is(err, ErrEntrypointMissing):
		return "entrypoint_missing"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "error"
	}
}

func extractReason(err error) string {
	if errors.Is(err, archive.ErrTraversal) {
		return "traversal"
	}
	return "decode"
}
