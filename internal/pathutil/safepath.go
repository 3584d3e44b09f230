// Package pathutil holds the path containment checks shared by archive
// extraction and asset serving.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether p contains a "." or ".." segment.
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SafeJoin joins name under root and guarantees the result cannot leave
// root. Absolute names, dot segments, and joins that resolve outside
// root all fail.
func SafeJoin(root, name string) (string, error) {
	name = filepath.Clean(name)

	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path: %s", name)
	}
	if HasDotSegments(filepath.ToSlash(name)) {
		return "", fmt.Errorf("dot segment in path: %s", name)
	}

	target := filepath.Join(root, name)

	// the joined result itself must still sit under root
	rootClean := filepath.Clean(root)
	if target != rootClean && !strings.HasPrefix(target, rootClean+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes root: %s", name)
	}
	return target, nil
}
