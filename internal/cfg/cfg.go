// Package cfg defines the server's flag-bound configuration and the
// fill passes that layer environment variables and SSM parameters
// underneath command-line values.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/lms-bundles/internal/log"
)

// App carries every tunable the server accepts. Defaults live on the
// flag definitions in Register, not on the zero value.
type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	OTLPEndpoint    string
	TraceSample     float64
	PyroServer      string
	PyroTenantID    string

	DBDriver string
	DBDSN    string

	StorageDriver string
	FSBasePath    string
	PublicBaseURL string
	S3Bucket      string
	S3KeyPrefix   string
	S3ScratchDir  string

	MaxArchiveBytes int64
	CreateWorkers   int
	UploadRPS       float64
	UploadBurst     int

	RequireSignature bool
	KMSKeyARN        string

	SSMPrefix string
}

// Register declares every flag on fs. The defaults run a complete
// server with no external services: in-memory metadata, filesystem
// storage, nothing pushed anywhere.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "emit JSON logs; false selects logfmt")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum log level (debug|info|warn|error)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "attach stacktraces to log entries at or above this level")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "management API listen port")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen port (metrics, health, pprof)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof handlers on the admin port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export spans over OTLP to -otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector address (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "fraction of requests to trace (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope ingest URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant id (X-Scope-OrgID)")

	fs.StringVar(&c.DBDriver, "db", "memory", "bundle metadata store (memory|postgres)")
	fs.StringVar(&c.DBDSN, "db-dsn", "", "postgres DSN, required with -db postgres")

	fs.StringVar(&c.StorageDriver, "storage", "fs", "bundle file storage (fs|s3)")
	fs.StringVar(&c.FSBasePath, "fs-base-path", "data/bundles", "base directory for fs storage")
	fs.StringVar(&c.PublicBaseURL, "public-base-url", "", "public base URL for bundle asset links, e.g. https://cdn.example.com (empty: host-relative)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket for bundle files, required with -storage s3")
	fs.StringVar(&c.S3KeyPrefix, "s3-key-prefix", "bundles", "key prefix inside the s3 bucket")
	fs.StringVar(&c.S3ScratchDir, "s3-scratch-dir", "", "scratch dir for extraction before upload (default: system temp)")

	fs.Int64Var(&c.MaxArchiveBytes, "max-archive-bytes", 256<<20, "reject uploaded archives larger than this")
	fs.IntVar(&c.CreateWorkers, "create-workers", 4, "concurrent archive extractions (1..64)")
	fs.Float64Var(&c.UploadRPS, "upload-rps", 2, "per-IP sustained upload rate (requests/sec)")
	fs.IntVar(&c.UploadBurst, "upload-burst", 5, "per-IP upload burst size")

	fs.BoolVar(&c.RequireSignature, "require-signature", false, "require a KMS-verified signature on every uploaded archive")
	fs.StringVar(&c.KMSKeyARN, "kms-key-arn", "", "KMS key ARN for archive signature verification")

	fs.StringVar(&c.SSMPrefix, "ssm-prefix", "", "SSM parameter path to fill unset flags from (e.g. /app/lms-bundles)")
}

// FillFromEnv assigns environment values to flags the command line left
// unset. Flag "foo-bar" reads PREFIX + "FOO_BAR". A value that does not
// parse is logged and skipped, leaving the flag's prior value in place.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	fromCLI := alreadySet(fs)

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if fromCLI[f.Name] {
			logf("flag -%s: existing value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			return
		}
		if err := trySet(fs, f.Name, val); err != nil {
			logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
		}
	})
}

// alreadySet collects the flags that were assigned explicitly, on the
// command line or by an earlier fill pass.
func alreadySet(fs *flag.FlagSet) map[string]bool {
	seen := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })
	return seen
}

// trySet assigns val to the named flag, restoring the prior value when
// val does not parse.
func trySet(fs *flag.FlagSet, name, val string) error {
	prev := fs.Lookup(name).Value.String()
	if err := fs.Set(name, val); err != nil {
		fs.Set(name, prev)
		return err
	}
	return nil
}

// Validate reports every bad field at once so a broken deployment shows
// the whole list on its first failed start, not one field per restart.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}

	if c.EnablePyroscope {
		u, err := url.Parse(c.PyroServer)
		switch {
		case c.PyroServer == "":
			bad("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		case err != nil || u.Scheme == "" || u.Host == "":
			bad("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	// The OTLP gRPC exporter dials host:port, no scheme.
	if c.EnableTracing {
		_, _, hpErr := net.SplitHostPort(c.OTLPEndpoint)
		switch {
		case c.OTLPEndpoint == "":
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		case hpErr != nil:
			bad("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, hpErr)
		}
	}

	switch c.DBDriver {
	case "memory":
	case "postgres":
		if c.DBDSN == "" {
			bad("DB_DSN required when DB=postgres")
		}
	default:
		bad("invalid DB %q (must be memory|postgres)", c.DBDriver)
	}

	switch c.StorageDriver {
	case "fs":
		if c.FSBasePath == "" {
			bad("FS_BASE_PATH required when STORAGE=fs")
		}
	case "s3":
		if c.S3Bucket == "" {
			bad("S3_BUCKET required when STORAGE=s3")
		}
	default:
		bad("invalid STORAGE %q (must be fs|s3)", c.StorageDriver)
	}

	if c.MaxArchiveBytes < 1 {
		bad("MAX_ARCHIVE_BYTES must be positive (got %d)", c.MaxArchiveBytes)
	}
	if c.CreateWorkers < 1 || c.CreateWorkers > 64 {
		bad("CREATE_WORKERS must be 1..64 (got %d)", c.CreateWorkers)
	}
	if c.UploadRPS <= 0 {
		bad("UPLOAD_RPS must be positive (got %.3f)", c.UploadRPS)
	}
	if c.UploadBurst < 1 {
		bad("UPLOAD_BURST must be at least 1 (got %d)", c.UploadBurst)
	}

	// Requiring signatures without a verification key would reject
	// every upload.
	if c.RequireSignature && c.KMSKeyARN == "" {
		bad("KMS_KEY_ARN required when REQUIRE_SIGNATURE=true")
	}

	return errors.Join(errs...)
}
