package buildinfo

import (
	"encoding/json"
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfoJSONKeys(t *testing.T) {
	data, err := json.Marshal(Info())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("Info() does not decode as a string map: %v", err)
	}
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	b := resolve(nil, false)
	if b.Version != Version || b.GitCommit != GitCommit || b.Module != "" {
		t.Errorf("resolve(nil) = %+v", b)
	}
	if b.GoVersion == "" || b.OS == "" || b.Arch == "" {
		t.Errorf("runtime fields empty: %+v", b)
	}
}

func TestResolveFromVCSSettings(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/nugget/react-agent", Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	b := resolve(bi, true)
	if b.Module != "github.com/nugget/react-agent" {
		t.Errorf("Module = %q", b.Module)
	}
	if Version == "dev" && b.Version != "v1.2.3" {
		t.Errorf("Version = %q, want module version", b.Version)
	}
	if GitCommit == unknown && b.GitCommit != "0123456789ab-dirty" {
		t.Errorf("GitCommit = %q, want short dirty revision", b.GitCommit)
	}
	if BuildTime == unknown && b.BuildTime != "2026-01-02T03:04:05Z" {
		t.Errorf("BuildTime = %q", b.BuildTime)
	}
}

func TestResolveDevelVersionKeepsDev(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Path: "m", Version: "(devel)"}}
	if b := resolve(bi, true); b.Version != Version {
		t.Errorf("Version = %q, want %q", b.Version, Version)
	}
}

func TestFieldsOrder(t *testing.T) {
	f := Info().Fields()
	if len(f) == 0 || f[0][0] != "version" {
		t.Fatalf("Fields() = %v", f)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "react-agent/"+Info().Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "react-agent/"+Info().Version)
	}
}
