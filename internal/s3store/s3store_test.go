package s3store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/lms-bundles/internal/archive"
	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/log"
)

type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string

	putErrKey    string
	listPageSize int

	listCalls     int
	deleteBatches [][]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
	}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Key)
	if f.putErrKey != "" && strings.Contains(key, f.putErrKey) {
		return nil, errors.New("injected put failure")
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = body
	f.contentTypes[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(params.Key)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(params.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(params.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := len(keys)
	if f.listPageSize > 0 && start+f.listPageSize < end {
		end = start + f.listPageSize
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var batch []string
	for _, id := range params.Delete.Objects {
		key := aws.ToString(id.Key)
		delete(f.objects, key)
		batch = append(batch, key)
	}
	f.deleteBatches = append(f.deleteBatches, batch)
	return &s3.DeleteObjectsOutput{}, nil
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %q: %v", name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body %q: %v", name, err)
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

func newTestStore(t *testing.T, client s3API) *Store {
	t.Helper()
	return &Store{
		client:     client,
		bucket:     "content-bundles",
		keyPrefix:  "bundles",
		publicBase: "https://cdn.example.com",
		scratchDir: t.TempDir(),
		logger:     log.Nop(),
	}
}

func testUnit() bundle.ContentUnitRef {
	return bundle.ContentUnitRef{ID: "u1", Kind: bundle.KindLesson}
}

func TestNew_RequiredOptions(t *testing.T) {
	if _, err := New(Options{Bucket: "b"}); err == nil {
		t.Fatal("New without Client did not fail")
	}
	if _, err := New(Options{Client: &s3.Client{}}); err == nil {
		t.Fatal("New without Bucket did not fail")
	}
}

func TestStore_UploadsExtractedTree(t *testing.T) {
	client := newFakeS3()
	st := newTestStore(t, client)
	files := map[string]string{
		"index.html":    "<html>lesson</html>",
		"css/style.css": "body {}",
		"lesson.json":   `{"entrypoint":"index.html"}`,
	}

	sp, size, err := st.Store(context.Background(), testUnit(), 1, buildArchive(t, files))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if sp != "lessons/u1/v1" {
		t.Fatalf("storage path = %q, want %q", sp, "lessons/u1/v1")
	}
	var want int64
	for _, body := range files {
		want += int64(len(body))
	}
	if size != want {
		t.Fatalf("size = %d, want %d", size, want)
	}

	for name, body := range files {
		key := "bundles/lessons/u1/v1/" + name
		got, ok := client.objects[key]
		if !ok {
			t.Fatalf("object %q missing after Store", key)
		}
		if string(got) != body {
			t.Fatalf("object %q = %q, want %q", key, got, body)
		}
	}
	if ct := client.contentTypes["bundles/lessons/u1/v1/index.html"]; !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("index.html content type = %q, want text/html", ct)
	}
	if ct := client.contentTypes["bundles/lessons/u1/v1/css/style.css"]; !strings.HasPrefix(ct, "text/css") {
		t.Fatalf("style.css content type = %q, want text/css", ct)
	}
}

func TestStore_ExtractErrorPassesThrough(t *testing.T) {
	client := newFakeS3()
	st := newTestStore(t, client)

	_, _, err := st.Store(context.Background(), testUnit(), 1, []byte("not a gzip"))
	if !errors.Is(err, archive.ErrExtract) {
		t.Fatalf("Store() error = %v, want archive.ErrExtract", err)
	}
	if errors.Is(err, bundle.ErrStorage) {
		t.Fatalf("extraction failure wrongly classified as storage error: %v", err)
	}
	if len(client.objects) != 0 {
		t.Fatalf("objects uploaded despite extraction failure: %v", client.objects)
	}
}

func TestStore_PutFailureRemovesUploadedObjects(t *testing.T) {
	client := newFakeS3()
	client.putErrKey = "index.html"
	st := newTestStore(t, client)
	files := map[string]string{
		"css/style.css": "body {}",
		"index.html":    "<html></html>",
	}

	_, _, err := st.Store(context.Background(), testUnit(), 1, buildArchive(t, files))
	if !errors.Is(err, bundle.ErrStorage) {
		t.Fatalf("Store() error = %v, want bundle.ErrStorage", err)
	}
	if len(client.objects) != 0 {
		t.Fatalf("objects left behind after failed upload: %v", client.objects)
	}
	if len(client.deleteBatches) == 0 {
		t.Fatal("no compensating delete issued")
	}
}

func TestDelete_RemovesAllObjectsUnderPrefix(t *testing.T) {
	client := newFakeS3()
	client.listPageSize = 2
	for i := 0; i < 5; i++ {
		client.objects["bundles/lessons/u1/v1/f"+strconv.Itoa(i)+".html"] = []byte("x")
	}
	client.objects["bundles/lessons/u1/v2/index.html"] = []byte("keep")
	st := newTestStore(t, client)

	if err := st.Delete(context.Background(), "lessons/u1/v1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(client.objects) != 1 {
		t.Fatalf("objects after Delete = %v, want only the v2 object", client.objects)
	}
	if _, ok := client.objects["bundles/lessons/u1/v2/index.html"]; !ok {
		t.Fatal("object outside the deleted prefix was removed")
	}
	if client.listCalls < 2 {
		t.Fatalf("listCalls = %d, want paginated listing", client.listCalls)
	}
}

func TestDelete_EmptyPrefixIsSuccess(t *testing.T) {
	client := newFakeS3()
	st := newTestStore(t, client)

	if err := st.Delete(context.Background(), "lessons/u1/v9"); err != nil {
		t.Fatalf("Delete() on empty prefix error = %v", err)
	}
	if len(client.deleteBatches) != 0 {
		t.Fatalf("DeleteObjects called for empty prefix: %v", client.deleteBatches)
	}
}

func TestEntrypointExists(t *testing.T) {
	client := newFakeS3()
	client.objects["bundles/lessons/u1/v1/index.html"] = []byte("<html></html>")
	st := newTestStore(t, client)
	ctx := context.Background()

	if !st.EntrypointExists(ctx, "lessons/u1/v1", "index.html") {
		t.Fatal("EntrypointExists = false for an uploaded object")
	}
	if st.EntrypointExists(ctx, "lessons/u1/v1", "missing.html") {
		t.Fatal("EntrypointExists = true for a missing object")
	}
	if st.EntrypointExists(ctx, "lessons/u1/v1", "../v1/index.html") {
		t.Fatal("EntrypointExists accepted a dot-segment name")
	}
	if st.EntrypointExists(ctx, "lessons/u1/v1", "") {
		t.Fatal("EntrypointExists accepted an empty name")
	}
}

func TestReadFile(t *testing.T) {
	client := newFakeS3()
	client.objects["bundles/lessons/u1/v1/lesson.json"] = []byte(`{"entrypoint":"a.html"}`)
	st := newTestStore(t, client)
	ctx := context.Background()

	data, err := st.ReadFile(ctx, "lessons/u1/v1", "lesson.json")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"entrypoint":"a.html"}` {
		t.Fatalf("ReadFile() = %q", data)
	}

	if _, err := st.ReadFile(ctx, "lessons/u1/v1", "absent.json"); !errors.Is(err, bundle.ErrStorage) {
		t.Fatalf("ReadFile() missing object error = %v, want bundle.ErrStorage", err)
	}
	if _, err := st.ReadFile(ctx, "lessons/u1/v1", "../v1/lesson.json"); err == nil {
		t.Fatal("ReadFile accepted a dot-segment name")
	}
}

func TestPublicURL(t *testing.T) {
	st := newTestStore(t, newFakeS3())
	got := st.PublicURL("lessons/u1/v3")
	want := "https://cdn.example.com/bundles/lessons/u1/v3"
	if got != want {
		t.Fatalf("PublicURL() = %q, want %q", got, want)
	}
}
