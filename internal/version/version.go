// Package version exposes build metadata stamped in by the linker and,
// where the linker left gaps, recovered from the binary's embedded build
// info.
package version

import (
	"runtime/debug"
	"strconv"
)

// Overridden at build time via -ldflags "-X ...".
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// String renders "version (commit)" for startup logs.
func (i Info) String() string {
	c := i.Commit
	if len(c) > 12 {
		c = c[:12]
	}
	return i.Version + " (" + c + ")"
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	applyBuildInfo(&out)
	return out
}

// applyBuildInfo fills fields the linker did not set from the runtime's
// embedded build information. Linker values win for the commit and build
// date so release pipelines stay authoritative.
func applyBuildInfo(i *Info) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" && s.Value != "" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" && s.Value != "" {
				i.BuildDate = s.Value
			}
			i.CommitDate = s.Value
		case "vcs.modified":
			if dirty, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &dirty
			}
		}
	}
}
