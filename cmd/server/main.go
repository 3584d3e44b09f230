package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lms-bundles/internal/assethttp"
	"github.com/keithlinneman/lms-bundles/internal/bundle"
	"github.com/keithlinneman/lms-bundles/internal/bundlehttp"
	"github.com/keithlinneman/lms-bundles/internal/cfg"
	"github.com/keithlinneman/lms-bundles/internal/cryptoutil"
	"github.com/keithlinneman/lms-bundles/internal/fsstore"
	"github.com/keithlinneman/lms-bundles/internal/health"
	"github.com/keithlinneman/lms-bundles/internal/httpserver"
	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/memrepo"
	"github.com/keithlinneman/lms-bundles/internal/metrics"
	"github.com/keithlinneman/lms-bundles/internal/notify"
	"github.com/keithlinneman/lms-bundles/internal/opshttp"
	"github.com/keithlinneman/lms-bundles/internal/otelx"
	"github.com/keithlinneman/lms-bundles/internal/postgres"
	"github.com/keithlinneman/lms-bundles/internal/prof"
	"github.com/keithlinneman/lms-bundles/internal/ratelimit"
	"github.com/keithlinneman/lms-bundles/internal/s3store"
	v "github.com/keithlinneman/lms-bundles/internal/version"
	"github.com/keithlinneman/lms-bundles/internal/webassets"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

const appName = "lms-bundles"

// drainPeriod is how long readiness stays failed before the listeners
// stop, covering in-flight uploads and the load balancer's checks.
const drainPeriod = 60 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "print version and build details, then exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s\n", appName, vi.String())
		fmt.Printf("  commit date: %s\n", vi.CommitDate)
		fmt.Printf("  build: id=%s date=%s\n", vi.BuildId, vi.BuildDate)
		fmt.Printf("  go: %s", vi.GoVersion)
		if vi.VCSDirty != nil && *vi.VCSDirty {
			fmt.Print(" (dirty worktree)")
		}
		fmt.Println()
		os.Exit(0)
	}

	logf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(flag.CommandLine, "BUNDLES_", logf)

	// AWS config is only needed when some part of the deployment asks for
	// it. A dev box running -db memory -storage fs never touches AWS.
	var awsCfg aws.Config
	if conf.SSMPrefix != "" || conf.StorageDriver == "s3" || conf.KMSKeyARN != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "aws config error:", err)
			os.Exit(1)
		}
		awsCfg = c
	}

	// The SSM fill runs before Validate so parameters can supply required
	// values like -db-dsn.
	if conf.SSMPrefix != "" {
		if err := cfg.FillFromSSM(ctx, ssm.NewFromConfig(awsCfg), flag.CommandLine, conf.SSMPrefix, logf); err != nil {
			fmt.Fprintln(os.Stderr, "ssm config error:", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log level error:", err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stacktrace level error:", err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		Service:         appName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JSONFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot build logger:", err)
		os.Exit(1)
	}
	// Sync flushes a buffered backend on shutdown; the slog backend makes
	// it a no-op.
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	// fatal is for init errors. os.Exit skips the deferred Sync, so flush
	// explicitly.
	fatal := func(err error, msg string, kv ...any) {
		L.Error(ctx, err, msg, kv...)
		lg.Sync()
		os.Exit(1)
	}

	L.Info(ctx, "starting server",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"db", conf.DBDriver,
		"storage", conf.StorageDriver,
		"create_workers", conf.CreateWorkers,
		"max_archive_bytes", conf.MaxArchiveBytes,
		"upload_rps", conf.UploadRPS,
		"upload_burst", conf.UploadBurst,
		"require_signature", conf.RequireSignature,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"ssm_prefix", conf.SSMPrefix,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":      appName,
			"version":  vi.Version,
			"commit":   vi.Commit,
			"build_id": vi.BuildId,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Spans go to a collector on localhost, hence Insecure.
	stopTracing, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if stopTracing == nil {
		stopTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = stopTracing(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	repo, dbProbe, closeRepo, err := newRepository(ctx, conf, L)
	if err != nil {
		fatal(err, "bundle repository init failed", "driver", conf.DBDriver)
	}
	defer closeRepo()

	fallbackFS := webassets.FallbackFS()
	store, storageProbe, assetHandler, err := newStorage(ctx, conf, awsCfg, fallbackFS, L)
	if err != nil {
		fatal(err, "bundle storage init failed", "driver", conf.StorageDriver)
	}

	var verifier bundle.SignatureVerifier
	if conf.KMSKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.KMSKeyARN)
		L.Info(ctx, "archive signature verification enabled", "key_arn", conf.KMSKeyARN, "required", conf.RequireSignature)
	}

	// Activation events fan out post-commit. The log subscriber is always
	// on; CDN invalidation hooks register here when we grow them.
	fanout := notify.NewFanout(L, notify.NewLogSubscriber(L))

	svc, err := bundle.NewService(bundle.ServiceOptions{
		Repo:                 repo,
		Storage:              store,
		Notifier:             fanout,
		Verifier:             verifier,
		RequireSignature:     conf.RequireSignature,
		MaxConcurrentCreates: conf.CreateWorkers,
		Metrics:              m,
		Logger:               L,
	})
	if err != nil {
		fatal(err, "bundle service init failed")
	}

	// The limiter throttles uploads only. Reads and asset requests stay
	// unthrottled.
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.UploadRPS, conf.UploadBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// One warning per client per eviction cycle keeps a hammering
		// uploader out of the log.
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "upload rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			L.Warn(ctx, "rate limiter client table full, rejecting unknown clients")
		}),
	)

	api, err := bundlehttp.NewAPI(bundlehttp.Options{
		Service:         svc,
		MaxArchiveBytes: conf.MaxArchiveBytes,
		UploadLimitMW:   limiter.Middleware,
		Logger:          L,
	})
	if err != nil {
		fatal(err, "bundle api init failed")
	}

	apiRoutes := func(r chi.Router) {
		api.RegisterRoutes(r)
		if assetHandler != nil {
			assetHandler.RegisterRoutes(r)
		}
	}

	// Readiness fails while draining, when the database is unreachable,
	// or when fs storage loses its backing directory.
	var gate health.ShutdownGate
	probes := []health.Probe{gate.Probe()}
	if dbProbe != nil {
		probes = append(probes, dbProbe)
	}
	if storageProbe != nil {
		probes = append(probes, storageProbe)
	}
	readiness := health.All(probes...)

	stopSite, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port: conf.HTTPPort,
			// Headroom over the archive cap for the other multipart fields.
			MaxBodyBytes: conf.MaxArchiveBytes + (1 << 20),
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    apiRoutes,
			SiteHandler:  assethttp.FallbackHandler(fallbackFS, "404.html"),
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			Logger:       L,
		},
	)
	if err != nil {
		fatal(err, "http listener start failed", "port", conf.HTTPPort)
	}
	defer func() { _ = stopSite(context.Background()) }()

	// The security group limits the admin port to internal monitoring.
	// Middleware behind it also rejects public source addresses in case
	// the group is ever misconfigured.
	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		fatal(err, "ops listener start failed", "port", conf.AdminPort)
	}
	defer func() { _ = stopOps(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// Not fatal: without the notify, systemd kills the unit after its
		// start timeout.
		L.Warn(ctx, "systemd readiness notify failed", "error", err)
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// Failing readiness first lets the load balancer stop routing to us
	// before the listeners close.
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod)
	if sleepUnlessSignaled(drainPeriod) {
		L.Info(bg, "drain period complete")
	} else {
		L.Warn(bg, "second signal received, skipping drain")
	}

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()
	if err := stopSite(shutdownCtx); err != nil {
		L.Error(bg, err, "api server shutdown")
	}
	if err := stopOps(shutdownCtx); err != nil {
		L.Error(bg, err, "admin server shutdown")
	}
	if err := stopTracing(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()
	L.Info(bg, "shutdown complete")
}

// newRepository opens the configured bundle metadata store. The returned
// closer is a no-op for the in-memory store, and the probe is nil when
// there is nothing behind it to check.
func newRepository(ctx context.Context, conf cfg.App, lg log.Logger) (bundle.Repository, health.Probe, func(), error) {
	if conf.DBDriver != "postgres" {
		lg.Info(ctx, "bundle repository ready", "driver", "memory")
		return memrepo.New(), nil, func() {}, nil
	}
	db, err := postgres.Connect(ctx, conf.DBDSN)
	if err != nil {
		return nil, nil, nil, xerrors.Wrap(err, "postgres connect")
	}
	if err := postgres.Migrate(ctx, db, lg); err != nil {
		db.Close()
		return nil, nil, nil, xerrors.Wrap(err, "postgres migrate")
	}
	lg.Info(ctx, "bundle repository ready", "driver", "postgres")
	return postgres.NewRepository(db), health.Database(db, 2*time.Second), func() { db.Close() }, nil
}

// newStorage opens the configured bundle file store. The fs driver also
// serves the stored files itself, so it comes back with an asset handler
// and a writability probe; with s3 serving is the CDN's job and both are
// nil.
func newStorage(ctx context.Context, conf cfg.App, awsCfg aws.Config, fallback fs.FS, lg log.Logger) (bundle.Storage, health.Probe, *assethttp.Handler, error) {
	if conf.StorageDriver == "s3" {
		st, err := s3store.New(s3store.Options{
			Client:        s3.NewFromConfig(awsCfg),
			Bucket:        conf.S3Bucket,
			KeyPrefix:     conf.S3KeyPrefix,
			PublicBaseURL: conf.PublicBaseURL,
			ScratchDir:    conf.S3ScratchDir,
			Logger:        lg,
		})
		if err != nil {
			return nil, nil, nil, xerrors.Wrap(err, "s3 storage init")
		}
		lg.Info(ctx, "bundle storage ready", "driver", "s3", "bucket", conf.S3Bucket, "key_prefix", conf.S3KeyPrefix)
		return st, nil, nil, nil
	}

	st, err := fsstore.New(fsstore.Options{
		BasePath:      conf.FSBasePath,
		PublicBaseURL: conf.PublicBaseURL,
		Logger:        lg,
	})
	if err != nil {
		return nil, nil, nil, xerrors.Wrap(err, "fs storage init")
	}
	assets, err := assethttp.New(assethttp.Options{
		Logger:     lg,
		Root:       os.DirFS(st.BasePath()),
		FallbackFS: fallback,
	})
	if err != nil {
		return nil, nil, nil, xerrors.Wrap(err, "asset handler init")
	}
	lg.Info(ctx, "bundle storage ready", "driver", "fs", "base_path", st.BasePath())
	return st, health.WritableDir(st.BasePath()), assets, nil
}

// sleepUnlessSignaled waits for d, returning early with false when
// another SIGINT or SIGTERM arrives.
func sleepUnlessSignaled(d time.Duration) bool {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-time.After(d):
		return true
	case <-sig:
		return false
	}
}

// notifySystemd reports readiness over NOTIFY_SOCKET when the unit runs
// with Type=notify.
func notifySystemd() error {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		return fmt.Errorf("NOTIFY_SOCKET is not set")
	}
	conn, err := net.Dial("unixgram", sock)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sock, err)
	}
	defer conn.Close()
	_, err = conn.Write([]byte("READY=1"))
	return err
}
