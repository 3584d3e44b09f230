package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagMW appends name on the way in and name+"'" on the way out, so the
// trace string encodes the full wrapping order.
func tagMW(trace *[]string, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*trace = append(*trace, name)
			next.ServeHTTP(w, r)
			*trace = append(*trace, name+"'")
		})
	}
}

func TestChain_FirstArgumentIsOutermost(t *testing.T) {
	var trace []string
	h := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trace = append(trace, "h")
		}),
		tagMW(&trace, "outer"),
		tagMW(&trace, "inner"),
	)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bundles", http.NoBody))

	got := strings.Join(trace, " ")
	if want := "outer inner h inner' outer'"; got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
}

func TestChain_EmptyListReturnsHandler(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	Chain(base).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestChain_NilEntriesSkipped(t *testing.T) {
	var trace []string
	h := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trace = append(trace, "h")
		}),
		nil,
		tagMW(&trace, "only"),
		nil,
	)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	got := strings.Join(trace, " ")
	if want := "only h only'"; got != want {
		t.Fatalf("trace = %q, want %q", got, want)
	}
}
