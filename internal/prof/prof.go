// Package prof pushes continuous profiles to a Pyroscope server.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/lms-bundles/internal/log"
	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
}

// allProfiles is everything worth shipping for this workload. Mutex and
// block profiles only carry data once the runtime rates are set.
var allProfiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start launches continuous profiling. The returned stop flushes and
// halts the agent; it is safe to call any number of times, including
// when Start failed or profiling is disabled.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	nop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return nop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.New("pyroscope: server address is empty")
		L.Error(ctx, err, "pyroscope options")
		return nop, err
	}

	if f := opts.ProfileMutexFraction; f > 0 {
		runtime.SetMutexProfileFraction(f)
	}
	if r := opts.BlockProfileRate; r > 0 {
		runtime.SetBlockProfileRate(r)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    allProfiles,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress)
		return nop, err
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}
