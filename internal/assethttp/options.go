package assethttp

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/lms-bundles/internal/log"
)

var ErrInvalidOptions = errors.New("assethttp: invalid options")

type Options struct {
	Logger log.Logger

	// Root holds extracted bundle content, laid out by the fs storage
	// adapter as {kind}s/{unitID}/v{version}/...
	Root fs.FS

	// FallbackFS provides the not-found page, normally
	// webassets.FallbackFS().
	FallbackFS fs.FS

	// PublicPrefix is the URL prefix asset requests arrive under. It must
	// match the PublicBaseURL the storage adapter builds bundle URLs with.
	PublicPrefix string // default: "/assets"

	// file names (relative paths)
	// - NotFoundFile is read from FallbackFS
	// - BundleNotFoundFile is read from the addressed bundle's own root,
	//   letting authors ship a themed page
	NotFoundFile       string // default: "404.html"
	BundleNotFoundFile string // default: "404.html"

	// Cache policies applied by file extension.
	HTMLCacheControl  string // default: "no-cache"
	AssetCacheControl string // default: "public, max-age=31536000, immutable"
	OtherCacheControl string // default: "public, max-age=3600"
}

func (o *Options) setDefaults() {
	if o.PublicPrefix == "" {
		o.PublicPrefix = "/assets"
	}
	if o.NotFoundFile == "" {
		o.NotFoundFile = "404.html"
	}
	if o.BundleNotFoundFile == "" {
		o.BundleNotFoundFile = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=31536000, immutable"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
}

func (o *Options) validate() error {
	if o.Root == nil {
		return fmt.Errorf("%w: Root is nil", ErrInvalidOptions)
	}
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// Fail fast on boot if the fallback page is mispackaged.
	if _, err := fs.Stat(o.FallbackFS, o.NotFoundFile); err != nil {
		return fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, o.NotFoundFile, err)
	}
	return nil
}
