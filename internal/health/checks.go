package health

import (
	"context"
	"os"
	"time"

	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// Pinger is the slice of a database handle that readiness checks need.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports ready while the database answers pings within timeout.
func Database(db Pinger, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return func(ctx context.Context) error {
		if db == nil {
			return xerrors.New("database handle not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return xerrors.Wrap(err, "database ping")
		}
		return nil
	}
}

// WritableDir reports ready while dir accepts new files. The probe file is
// removed before returning.
func WritableDir(dir string) CheckFunc {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".healthcheck-*")
		if err != nil {
			return xerrors.Wrap(err, "storage not writable")
		}
		name := f.Name()
		if err := f.Close(); err != nil {
			return xerrors.Wrap(err, "storage not writable")
		}
		if err := os.Remove(name); err != nil {
			return xerrors.Wrap(err, "remove probe file")
		}
		return nil
	}
}
