package health

import "net/http"

// answer serves 200 with body while p passes and 503 with the failure
// reason once it does not. A nil probe always passes.
func answer(p Probe, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error()+"\n", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}

// HealthzHandler serves the liveness endpoint.
func HealthzHandler(p Probe) http.HandlerFunc { return answer(p, "ok\n") }

// ReadyzHandler serves the readiness endpoint.
func ReadyzHandler(p Probe) http.HandlerFunc { return answer(p, "ready\n") }
