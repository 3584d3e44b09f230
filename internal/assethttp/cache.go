package assethttp

import (
	"path"
	"strings"
)

// cacheControlForFile picks a cache policy by extension. Bundle URLs carry
// the version, so non-HTML files are immutable once deployed; HTML stays
// revalidated so an activation flip shows up promptly.
func cacheControlForFile(name string, o Options) string {
	ext := strings.ToLower(path.Ext(name))

	switch ext {
	case ".html":
		return o.HTMLCacheControl

	// static asset extensions
	case ".css", ".js", ".mjs",
		".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".eot",
		".map":
		return o.AssetCacheControl

	default:
		// treat no extension like html to be safe
		if ext == "" {
			return o.HTMLCacheControl
		}
		return o.OtherCacheControl
	}
}
