package webassets

import (
	"io/fs"
	"strings"
	"testing"
)

// The asset handler checks on boot that 404.html exists as a regular
// file; these tests catch a mispackaged binary the same way.
func TestFallbackFS_ServesNotFoundPage(t *testing.T) {
	fsys := FallbackFS()

	info, err := fs.Stat(fsys, "404.html")
	if err != nil {
		t.Fatalf("404.html missing: %v", err)
	}
	if info.IsDir() {
		t.Fatal("404.html is a directory, want a regular file")
	}
	if info.Size() == 0 {
		t.Fatal("404.html is empty")
	}

	data, err := fs.ReadFile(fsys, "404.html")
	if err != nil {
		t.Fatalf("read 404.html: %v", err)
	}
	// Loose match so copy edits don't break the build.
	if !strings.Contains(strings.ToLower(string(data)), "not") {
		t.Fatalf("404.html does not read like a not-found page: %q", data)
	}
}

func TestFallbackFS_RootedAtFallbackDir(t *testing.T) {
	if _, err := fs.Stat(FallbackFS(), "../embed.go"); err == nil {
		t.Fatal("parent directory reachable through the fallback fs")
	}
}

func TestFallbackFS_StableAcrossCalls(t *testing.T) {
	for i := 0; i < 3; i++ {
		if _, err := fs.Stat(FallbackFS(), "404.html"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
}
