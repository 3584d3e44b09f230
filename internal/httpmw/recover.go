package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/lms-bundles/internal/log"
)

// Recover converts handler panics into 500 responses. The recovered value
// is logged with request method and path; onPanic (optional) runs before
// the response is written, e.g. to bump a counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if onPanic != nil {
					onPanic()
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				logger.With("method", r.Method, "path", r.URL.Path).
					Error(r.Context(), err, "httpserver panic recovered")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
