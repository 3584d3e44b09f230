package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/lms-bundles/internal/health"
	"github.com/keithlinneman/lms-bundles/internal/httpmw"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/version"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// nonPublicPeer reports whether remoteAddr parses to a loopback, private,
// or link-local address. IPv4-mapped IPv6 forms resolve the same way as
// their IPv4 equivalents.
func nonPublicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// requireNonPublicNetwork rejects peers outside loopback, private, and
// link-local ranges. The ops listener binds every interface; this keeps
// metrics and debug handlers unreachable from the public internet even
// when a security group is misconfigured.
func requireNonPublicNetwork(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !nonPublicPeer(r.RemoteAddr) {
				logger.Warn(r.Context(), "ops request rejected", "remote_addr", r.RemoteAddr)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newMux(opts *Options) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", health.HealthzHandler(opts.Health))
	mux.Handle("/readyz", health.ReadyzHandler(opts.Readiness))

	// Liveness means the process is up; nothing sits behind it.
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(version.Get())
	})

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		// Shadow the prefix so disabled pprof answers an explicit 404.
		mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return mux
}

// Start brings up the ops listener serving /metrics, /healthz, /readyz,
// /livez, /version, and the pprof endpoints. The returned stop drains the
// server and is safe to call more than once.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	handler := httpmw.Chain(newMux(opts), requireNonPublicNetwork(L), recoverMW)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr %v", addr)
	}

	go func() {
		L.Info(ctx, "admin server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "admin server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "admin server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
