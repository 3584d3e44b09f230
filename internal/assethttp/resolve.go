package assethttp

import (
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/pathutil"
)

// bundleRef identifies the bundle version a request addresses. The zero
// value means the path never matched the {kind}s/{unitID}/v{version} shape.
type bundleRef struct {
	Kind    bundle.ContentUnitKind
	UnitID  string
	Version int
}

// Dir is the bundle's directory inside the content root.
func (r bundleRef) Dir() string {
	return string(r.Kind) + "s/" + r.UnitID + "/v" + strconv.Itoa(r.Version)
}

// resolvePath maps a URL path (public prefix already trimmed) to a file
// within the content root.
//
// Returns:
// - file: relative file path within the root (no leading slash)
// - ref: the bundle the path addressed, when the prefix parsed
// - redirectTo: if non-empty, caller should redirect to this path
// - ok: whether the mapping is valid/found
func resolvePath(urlPath string, fsys fs.FS) (file string, ref bundleRef, redirectTo string, ok bool) {
	p := urlPath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	// basic rejection of ambiguous/unsafe paths
	if strings.Contains(p, "\x00") || strings.Contains(p, "\\") || strings.Contains(p, "..") {
		return "", bundleRef{}, "", false
	}
	if pathutil.HasDotSegments(p) {
		return "", bundleRef{}, "", false
	}

	trailingSlash := strings.HasSuffix(p, "/")

	// normalize path and preserve trailing slash if any
	clean := path.Clean(p)
	if trailingSlash && clean != "/" {
		clean += "/"
	}

	// nothing is served above a bundle root
	ref, rest, refOK := splitBundlePath(strings.TrimPrefix(clean, "/"))
	if !refOK {
		return "", bundleRef{}, "", false
	}

	// bundle root itself -> its index, via the canonical slash URL so
	// relative links inside the page resolve against the bundle
	if rest == "" {
		name := ref.Dir() + "/index.html"
		if !existsFile(fsys, name) {
			return "", ref, "", false
		}
		if trailingSlash {
			return name, ref, "", true
		}
		return "", ref, clean + "/", true
	}

	// directory within the bundle -> <dir>/index.html
	if strings.HasSuffix(rest, "/") {
		name := path.Join(ref.Dir(), rest, "index.html")
		if existsFile(fsys, name) {
			return name, ref, "", true
		}
		return "", ref, "", false
	}

	// if it has an extension treat as a file
	if path.Ext(rest) != "" {
		name := path.Join(ref.Dir(), rest)
		if existsFile(fsys, name) {
			return name, ref, "", true
		}
		return "", ref, "", false
	}

	// pretty URL without slash - if <path>/index.html exists, redirect to
	// the canonical slash url
	if existsFile(fsys, path.Join(ref.Dir(), rest, "index.html")) {
		return "", ref, clean + "/", true
	}

	return "", ref, "", false
}

// splitBundlePath separates the {kind}s/{unitID}/v{version} prefix from the
// file path inside the bundle. The version segment must be canonical (v3,
// not v03) so every bundle has exactly one URL.
func splitBundlePath(rel string) (bundleRef, string, bool) {
	parts := strings.SplitN(rel, "/", 4)
	if len(parts) < 3 {
		return bundleRef{}, "", false
	}

	kind, err := bundle.ParseKind(strings.TrimSuffix(parts[0], "s"))
	if err != nil || parts[0] != string(kind)+"s" {
		return bundleRef{}, "", false
	}
	if parts[1] == "" {
		return bundleRef{}, "", false
	}
	version, ok := parseVersionSegment(parts[2])
	if !ok {
		return bundleRef{}, "", false
	}

	rest := ""
	if len(parts) == 4 {
		rest = parts[3]
	}
	return bundleRef{Kind: kind, UnitID: parts[1], Version: version}, rest, true
}

func parseVersionSegment(s string) (int, bool) {
	if len(s) < 2 || s[0] != 'v' {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 1 || s != "v"+strconv.Itoa(n) {
		return 0, false
	}
	return n, true
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
