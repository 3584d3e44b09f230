package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name string
	body string
	typ  byte
	link string
}

func buildArchive(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		typ := e.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.name, Typeflag: typ, Mode: 0o644}
		switch typ {
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeSymlink, tar.TypeLink:
			hdr.Linkname = e.link
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %q: %v", e.name, err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("write body %q: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestExtract_FilesAndDirectories(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "./index.html", body: "<html>home</html>"},
		{name: "css/", typ: tar.TypeDir},
		{name: "css/style.css", body: "body{}"},
		{name: "img/logo.svg", body: "<svg/>"}, // parent dir omitted on purpose
	})
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if got := mustRead(t, filepath.Join(dir, "index.html")); got != "<html>home</html>" {
		t.Fatalf("index.html = %q", got)
	}
	if got := mustRead(t, filepath.Join(dir, "css", "style.css")); got != "body{}" {
		t.Fatalf("style.css = %q", got)
	}
	if got := mustRead(t, filepath.Join(dir, "img", "logo.svg")); got != "<svg/>" {
		t.Fatalf("logo.svg = %q", got)
	}
}

func TestExtract_EmptyTarSucceeds(t *testing.T) {
	archive := buildArchive(t, nil)
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("target directory missing after empty extract: %v", err)
	}
}

func TestExtract_TraversalDotDot(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "ok.txt", body: "fine"},
		{name: "../escape.txt", body: "evil"},
	})
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "out")

	err := Extract(archive, dir)
	if !errors.Is(err, ErrTraversal) {
		t.Fatalf("err = %v, want ErrTraversal", err)
	}
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("traversal error should also match ErrExtract, got %v", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("target directory should be removed after traversal")
	}
	if _, statErr := os.Stat(filepath.Join(tmp, "escape.txt")); !os.IsNotExist(statErr) {
		t.Fatal("escaped file must not exist")
	}
}

func TestExtract_TraversalAbsolute(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "/abs.txt", body: "evil"},
	})
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); !errors.Is(err, ErrTraversal) {
		t.Fatalf("err = %v, want ErrTraversal", err)
	}
}

func TestExtract_RejectsSymlink(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "link", typ: tar.TypeSymlink, link: "/etc/passwd"},
	})
	dir := filepath.Join(t.TempDir(), "out")

	err := Extract(archive, dir)
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("target directory should be removed")
	}
}

func TestExtract_RejectsHardlink(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "a.txt", body: "x"},
		{name: "b.txt", typ: tar.TypeLink, link: "a.txt"},
	})
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
}

func TestExtract_RejectsFifo(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "pipe", typ: tar.TypeFifo},
	})
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
}

func TestExtract_NotGzip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	err := Extract([]byte("plain text, not an archive"), dir)
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("target directory should never be created for invalid input")
	}
}

func TestExtract_CorruptTar(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("this is gzip but not tar at all, padded to a block boundary")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "out")

	err := Extract(buf.Bytes(), dir)
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("target directory should be removed")
	}
}

func TestExtract_CleanupRemovesPartialOutput(t *testing.T) {
	archive := buildArchive(t, []tarEntry{
		{name: "first.txt", body: "written before the bad entry"},
		{name: "sub/second.txt", body: "also written"},
		{name: "bad", typ: tar.TypeSymlink, link: "x"},
	})
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); err == nil {
		t.Fatal("expected extraction to fail")
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("partial output should be removed entirely")
	}
}

func TestExtract_TargetExists(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(keep, []byte("pre-existing"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	archive := buildArchive(t, []tarEntry{{name: "a.txt", body: "x"}})

	if err := Extract(archive, dir); !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract for existing target", err)
	}
	if got := mustRead(t, keep); got != "pre-existing" {
		t.Fatal("existing directory contents must be left alone")
	}
}

func TestExtract_DeclaredSizeOverFileLimit(t *testing.T) {
	// A header alone trips the check; the body is never streamed.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	err := tw.WriteHeader(&tar.Header{
		Name:     "big.bin",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     MaxFileBytes + 1,
	})
	if err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(buf.Bytes(), dir); !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Fatal("target directory should be removed")
	}
}

func TestExtract_EntryCountLimit(t *testing.T) {
	entries := make([]tarEntry, 0, MaxEntries+1)
	for i := 0; i <= MaxEntries; i++ {
		entries = append(entries, tarEntry{name: fmt.Sprintf("f%05d.txt", i)})
	}
	archive := buildArchive(t, entries)
	dir := filepath.Join(t.TempDir(), "out")

	if err := Extract(archive, dir); !errors.Is(err, ErrExtract) {
		t.Fatalf("err = %v, want ErrExtract", err)
	}
}
