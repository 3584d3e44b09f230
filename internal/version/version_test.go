package version_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/keithlinneman/lms-bundles/internal/version"
)

// stashGlobals restores the linker-settable variables after the test.
func stashGlobals(t *testing.T) {
	t.Helper()
	ver, commit, bid, dirty := version.Version, version.Commit, version.BuildId, version.VCSDirty
	t.Cleanup(func() {
		version.Version, version.Commit, version.BuildId, version.VCSDirty = ver, commit, bid, dirty
	})
}

func TestInfo_String(t *testing.T) {
	tests := []struct {
		name string
		info version.Info
		want string
	}{
		{"long commit truncated", version.Info{Version: "1.4.0", Commit: "0123456789abcdef0123"}, "1.4.0 (0123456789ab)"},
		{"short commit kept", version.Info{Version: "dev", Commit: "none"}, "dev (none)"},
		{"exactly twelve", version.Info{Version: "2.0.1", Commit: "abcdef012345"}, "2.0.1 (abcdef012345)"},
		{"empty commit", version.Info{Version: "1.0.0"}, "1.0.0 ()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet_CarriesLinkerValues(t *testing.T) {
	stashGlobals(t)
	version.Version = "3.2.1"
	version.Commit = "9c2f1ab0000000000000"
	version.BuildId = "ci-318"

	info := version.Get()

	if info.Version != "3.2.1" {
		t.Fatalf("Version = %q, want 3.2.1", info.Version)
	}
	if info.Commit != "9c2f1ab0000000000000" {
		t.Fatalf("Commit = %q, want the linker value", info.Commit)
	}
	if info.BuildId != "ci-318" {
		t.Fatalf("BuildId = %q, want ci-318", info.BuildId)
	}
	if !strings.HasPrefix(info.GoVersion, "go") {
		t.Fatalf("GoVersion = %q, want the toolchain version", info.GoVersion)
	}
}

func TestGet_VCSDirtyTriState(t *testing.T) {
	stashGlobals(t)

	boolPtr := func(v bool) *bool { return &v }
	tests := []struct {
		name string
		set  *bool
		want *bool
	}{
		{"unknown", nil, nil},
		{"dirty", boolPtr(true), boolPtr(true)},
		{"clean", boolPtr(false), boolPtr(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version.VCSDirty = tt.set
			got := version.Get().VCSDirty

			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("VCSDirty = %v, want nil", *got)
			case tt.want != nil && got == nil:
				t.Fatalf("VCSDirty = nil, want %v", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Fatalf("VCSDirty = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestInfo_JSONShape(t *testing.T) {
	stashGlobals(t)
	version.Version = "1.0.0"
	version.VCSDirty = nil

	raw, err := json.Marshal(version.Get())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"version", "commit", "build_id", "go_version"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q in version payload", key)
		}
	}
	if _, ok := m["vcs_dirty"]; ok {
		t.Error("vcs_dirty present in payload despite unknown state")
	}
}
