// Package bundlehttp exposes the bundle lifecycle over HTTP: multipart
// upload, activation, deletion, and the read side, all JSON.
package bundlehttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lms-bundles/internal/archive"
	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/httpmw"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// DefaultMaxArchiveBytes caps the uploaded archive part when Options does
// not say otherwise.
const DefaultMaxArchiveBytes = 256 << 20

// multipartMemoryLimit is how much of a parsed form stays in memory before
// spooling to disk. The archive part is streamed separately via FormFile.
const multipartMemoryLimit = 16 << 20

// LifecycleService is the slice of the bundle service the API uses.
type LifecycleService interface {
	Create(ctx context.Context, req bundle.CreateRequest) (*bundle.Bundle, error)
	Activate(ctx context.Context, id string) (*bundle.Bundle, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*bundle.Bundle, error)
	List(ctx context.Context, unitID string) ([]*bundle.Bundle, error)
	Active(ctx context.Context, unitID string) (*bundle.Bundle, error)
	PublicURL(b *bundle.Bundle) string
}

type Options struct {
	Service LifecycleService

	// MaxArchiveBytes caps the archive part of an upload. Zero means
	// DefaultMaxArchiveBytes.
	MaxArchiveBytes int64

	// UploadLimitMW, when set, wraps only the upload route. Asset reads and
	// queries stay unthrottled.
	UploadLimitMW func(http.Handler) http.Handler

	Logger log.Logger
}

// API implements the bundle management endpoints
type API struct {
	svc             LifecycleService
	maxArchiveBytes int64
	uploadLimitMW   func(http.Handler) http.Handler
	logger          log.Logger
}

// NewAPI creates the bundle API handler
func NewAPI(opts Options) (*API, error) {
	if opts.Service == nil {
		return nil, xerrors.New("bundlehttp: Service is required")
	}
	maxBytes := opts.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArchiveBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		svc:             opts.Service,
		maxArchiveBytes: maxBytes,
		uploadLimitMW:   opts.UploadLimitMW,
		logger:          logger.With("component", "bundle_api"),
	}, nil
}

// RegisterRoutes attaches the bundle endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpmw.Scope("bundle_api"))
		if api.uploadLimitMW != nil {
			r.With(api.uploadLimitMW).Post("/bundles", api.HandleCreate)
		} else {
			r.Post("/bundles", api.HandleCreate)
		}
		r.Get("/bundles/{id}", api.HandleGet)
		r.Post("/bundles/{id}/activate", api.HandleActivate)
		r.Delete("/bundles/{id}", api.HandleDelete)
		r.Get("/content-units/{id}/bundles", api.HandleList)
		r.Get("/content-units/{id}/bundles/active", api.HandleActive)
	})
}

// HandleCreate accepts a multipart upload and deploys it as a new bundle
// version. Fields: file (required archive), contentUnitId, kind,
// entrypoint, activateImmediately, sha256, signature.
func (api *API) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "malformed multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, _, err := r.FormFile("file")
	if err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "file part is required")
		return
	}
	defer f.Close()

	archiveBytes, err := io.ReadAll(io.LimitReader(f, api.maxArchiveBytes+1))
	if err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "could not read archive")
		return
	}
	if int64(len(archiveBytes)) > api.maxArchiveBytes {
		api.writeError(ctx, w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("archive exceeds %d bytes", api.maxArchiveBytes))
		return
	}

	kind, err := bundle.ParseKind(r.FormValue("kind"))
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}

	activate := false
	if v := r.FormValue("activateImmediately"); v != "" {
		activate, err = strconv.ParseBool(v)
		if err != nil {
			api.writeError(ctx, w, http.StatusBadRequest, "activateImmediately must be a boolean")
			return
		}
	}

	var signature []byte
	if v := r.FormValue("signature"); v != "" {
		signature, err = base64.StdEncoding.DecodeString(v)
		if err != nil {
			api.writeError(ctx, w, http.StatusBadRequest, "signature must be base64")
			return
		}
	}

	req := bundle.CreateRequest{
		ContentUnit: bundle.ContentUnitRef{
			ID:   r.FormValue("contentUnitId"),
			Kind: kind,
		},
		Archive:             archiveBytes,
		Entrypoint:          r.FormValue("entrypoint"),
		ActivateImmediately: activate,
		ExpectedSHA256:      r.FormValue("sha256"),
		Signature:           signature,
	}

	b, err := api.svc.Create(ctx, req)
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}

	api.logger.Debug(ctx, "bundle upload accepted",
		"bundle_id", b.ID,
		"content_unit_id", b.ContentUnit.ID,
		"version", b.Version)
	api.writeJSON(ctx, w, http.StatusCreated, api.toDTO(b))
}

// HandleActivate makes the bundle the live version for its content unit
func (api *API) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := api.svc.Activate(ctx, id)
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, api.toDTO(b))
}

// HandleDelete removes an inactive bundle
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := api.svc.Delete(ctx, id); err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, DeleteResponse{Deleted: true, ID: id})
}

// HandleGet serves one bundle by id
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	b, err := api.svc.Get(ctx, id)
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, api.toDTO(b))
}

// HandleList serves a content unit's bundles, newest version first
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unitID := chi.URLParam(r, "id")

	bs, err := api.svc.List(ctx, unitID)
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}

	resp := ListResponse{
		ContentUnitID: unitID,
		Bundles:       make([]BundleDTO, 0, len(bs)),
	}
	for _, b := range bs {
		resp.Bundles = append(resp.Bundles, api.toDTO(b))
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleActive serves the content unit's active bundle
func (api *API) HandleActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unitID := chi.URLParam(r, "id")

	b, err := api.svc.Active(ctx, unitID)
	if err != nil {
		api.writeServiceError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, api.toDTO(b))
}

func (api *API) toDTO(b *bundle.Bundle) BundleDTO {
	return BundleDTO{
		ID:              b.ID,
		ContentUnitID:   b.ContentUnit.ID,
		ContentUnitKind: string(b.ContentUnit.Kind),
		Version:         b.Version,
		Entrypoint:      b.Entrypoint,
		PublicURL:       api.svc.PublicURL(b),
		Manifest:        b.Manifest,
		ArchiveSHA256:   b.ArchiveSHA256,
		SizeBytes:       b.SizeBytes,
		IsActive:        b.IsActive,
		CreatedAt:       b.CreatedAt,
	}
}

// writeServiceError maps lifecycle errors onto HTTP statuses. Unmapped
// errors become an opaque 500; the detail goes to the log, not the wire.
func (api *API) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bundle.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, bundle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bundle.ErrActiveConflict), errors.Is(err, bundle.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, archive.ErrExtract), errors.Is(err, bundle.ErrEntrypointMissing):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		api.logger.Error(ctx, err, "bundle api internal error")
		api.writeError(ctx, w, status, "internal error")
		return
	}
	api.writeError(ctx, w, status, err.Error())
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
