// Package version carries the build stamp of the transmute binary.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/teranos/transmute/version.Version=v1.4.0 \
//	  -X github.com/teranos/transmute/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/transmute/version.BuildTime=$(date -u +%FT%TZ)" ./cmd/transmute
//
// Version is what capability manifests' host_version constraints are
// checked against; a "dev" build skips that check.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Host is the version capabilities are matched against, without a
// leading "v"
func (i Info) Host() string {
	return strings.TrimPrefix(i.Version, "v")
}

func (i Info) String() string {
	return fmt.Sprintf("transmute %s (commit %s, built %s, %s %s)",
		i.Version, i.Short(), i.BuildTime, i.GoVersion, i.Platform)
}

// Short is the release version, or the abbreviated commit on dev builds
func (i Info) Short() string {
	if i.Version != "dev" {
		return i.Version
	}
	if len(i.CommitHash) >= 7 {
		return "dev-" + i.CommitHash[:7]
	}
	return "dev"
}

// UserAgent identifies transmute to CI servers and review hosts
func (i Info) UserAgent() string {
	return fmt.Sprintf("transmute/%s (%s)", i.Short(), i.Platform)
}
