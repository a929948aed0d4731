// Package version reports build information for the tower-locator binaries
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Set with -ldflags "-X tower-locator/internal/version.Version=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info describes a build
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns the version with an abbreviated commit suffix when known
func (i Info) Short() string {
	if i.GitCommit == "unknown" || i.GitCommit == "" {
		return i.Version
	}
	commit := i.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return i.Version + "-" + commit
}

// Describe formats the build information for a --version flag
func Describe(app string) string {
	i := Get()
	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", app, i.Short())
	if i.BuildDate != "unknown" {
		fmt.Fprintf(&b, "\nBuilt: %s", i.BuildDate)
	}
	fmt.Fprintf(&b, "\nGo: %s\nPlatform: %s", i.GoVersion, i.Platform)
	return b.String()
}
