// Package assethttp serves extracted bundle files for the local storage
// adapter. Requests address a specific bundle version
// ({prefix}/{kind}s/{unitID}/v{version}/...), so responses for files inside
// a bundle can be cached hard while the entrypoint stays revalidated.
package assethttp

import (
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lms-bundles/internal/httpmw"
)

type Handler struct {
	opts Options
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

// RegisterRoutes claims the public asset prefix on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("assets")).Handle(h.opts.PublicPrefix+"/*", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// hardening: only allow GET/HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	file, ref, redirectTo, found := resolvePath(strings.TrimPrefix(r.URL.Path, h.opts.PublicPrefix), h.opts.Root)
	// handle redirects if returned by resolver
	if redirectTo != "" {
		// use 308 redirect to keep method even though we only use GET/HEAD
		http.Redirect(w, r, h.opts.PublicPrefix+redirectTo, http.StatusPermanentRedirect)
		return
	}
	if !found {
		h.serveNotFound(w, r, ref)
		return
	}

	// which bundle answered, for cache debugging behind a CDN
	w.Header().Set("X-Bundle-Version", strconv.Itoa(ref.Version))
	w.Header().Set("X-Content-Unit", ref.UnitID)

	if cc := cacheControlForFile(file, h.opts); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}

	http.ServeFileFS(w, r, h.opts.Root, file)
}

func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request, ref bundleRef) {
	// avoid caching 404 responses
	w.Header().Set("Cache-Control", "no-store")

	// prefer a themed 404 shipped inside the addressed bundle
	if ref.Version > 0 {
		if own := path.Join(ref.Dir(), h.opts.BundleNotFoundFile); existsFile(h.opts.Root, own) {
			serveFileWithStatus(w, r, http.StatusNotFound, h.opts.Root, own)
			return
		}
	}

	if existsFile(h.opts.FallbackFS, h.opts.NotFoundFile) {
		serveFileWithStatus(w, r, http.StatusNotFound, h.opts.FallbackFS, h.opts.NotFoundFile)
		return
	}

	// last resort: plain text
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found"))
}

// FallbackHandler serves the embedded not-found page for any path no
// explicit route claims, with the page's own status forced to 404.
func FallbackHandler(fsys fs.FS, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if existsFile(fsys, name) {
			serveFileWithStatus(w, r, http.StatusNotFound, fsys, name)
			return
		}
		http.NotFound(w, r)
	})
}

// we want to serve a file but force an HTTP status code (404)
// but http.ServeFileFS writes a status code on its own so wrapping
// ResponseWriter and overriding the first WriteHeader call here
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func serveFileWithStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	sw := &statusOverrideWriter{ResponseWriter: w, status: status}
	http.ServeFileFS(sw, r, fsys, name)
}
