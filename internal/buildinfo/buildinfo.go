// Package buildinfo reports what binary is running. Release builds stamp
// the variables below with -ldflags; a plain "go install" leaves them at
// their defaults and the module's embedded VCS data is used instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Stamped with -ldflags "-X .../buildinfo.Version=v1.2.3" and friends.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var vcsOnce = sync.OnceValue(readVCS)

// readVCS returns the vcs.* settings recorded by the Go toolchain.
func readVCS() map[string]string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision", "vcs.time", "vcs.modified":
			out[s.Key] = s.Value
		}
	}
	return out
}

// Commit is GitCommit, or the toolchain-recorded revision when the
// binary was not stamped. A dirty tree is marked with a "+dirty" suffix.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	vcs := vcsOnce()
	rev := vcs["vcs.revision"]
	if rev == "" {
		return GitCommit
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcs["vcs.modified"] == "true" {
		rev += "+dirty"
	}
	return rev
}

// Built is BuildTime, or the commit time when the binary was not stamped.
func Built() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	vcs := vcsOnce()
	if t := vcs["vcs.time"]; t != "" {
		return t
	}
	return BuildTime
}

// Info returns build and runtime details for the version command and the
// API root.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent sent on every outbound request.
func UserAgent() string {
	return fmt.Sprintf("ollama-desktop/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("ollama-desktop %s (%s) built %s", Version, Commit(), Built())
}
