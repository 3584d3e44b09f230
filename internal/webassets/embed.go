// Package webassets embeds the pages the server can serve without any
// deployed bundle, so a fresh install never renders a bare stdlib 404.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

// The embed directive refuses empty directories; fallback/ ships at
// least the not-found page.
//
//go:embed fallback
var embedded embed.FS

// FallbackFS holds the not-found page served when a request resolves to
// no bundle file.
func FallbackFS() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic(fmt.Sprintf("webassets: fallback dir not embedded: %v", err))
	}
	return sub
}
