package httpmw

import "net/http"

// Chain wraps h in the given middlewares with mws[0] outermost, so the
// argument list reads in request order. Nil entries are skipped, which lets
// callers assemble the list conditionally.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
