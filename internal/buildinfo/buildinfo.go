// Package buildinfo reports what binary is running. Release builds stamp
// the variables below via -ldflags; plain `go build` binaries fall back to
// the VCS settings the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

const unknown = "unknown"

var startTime = time.Now()

// Build describes the running binary. All fields are strings so the
// JSON form decodes into map[string]string.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	Module    string `json:"module,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

var (
	stampOnce sync.Once
	stamp     Build
)

// resolve merges ldflags values with the embedded module build info.
// Explicit ldflags values always win.
func resolve(bi *debug.BuildInfo, ok bool) Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if !ok || bi == nil {
		return b
	}

	b.Module = bi.Main.Path
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == unknown && s.Value != "" {
				b.GitCommit = s.Value
				if len(b.GitCommit) > 12 {
					b.GitCommit = b.GitCommit[:12]
				}
			}
		case "vcs.time":
			if b.BuildTime == unknown && s.Value != "" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && b.GitCommit != unknown && GitCommit == unknown {
		b.GitCommit += "-dirty"
	}
	return b
}

// Info returns build and runtime metadata for the running process.
func Info() Build {
	stampOnce.Do(func() {
		stamp = resolve(debug.ReadBuildInfo())
	})
	b := stamp
	b.Uptime = Uptime().String()
	return b
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// Fields returns the metadata as ordered key/value pairs for text output.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"git_branch", b.GitBranch},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	}
}

// String returns a one-line summary for logging.
func String() string {
	b := Info()
	return fmt.Sprintf("react-agent %s (%s@%s) built %s", b.Version, b.GitCommit, b.GitBranch, b.BuildTime)
}

// UserAgent returns the User-Agent header value for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("react-agent/%s (%s/%s)", Info().Version, runtime.GOOS, runtime.GOARCH)
}
