package httpmw

import "net/http"

// MaxBody caps how much of a request body handlers can read. Reads past
// the cap fail and the connection is closed; handlers that check for
// *http.MaxBytesError can answer 413. Sized in main to archive cap plus
// multipart overhead.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
