// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	GitSHA  = "unknown"
	// BuildTime is an RFC 3339 timestamp.
	BuildTime = "unknown"
)

// Info is the JSON form served by the status endpoint.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

// Current returns the linked-in build metadata.
func Current() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

func (i Info) String() string {
	sha := i.GitSHA
	if len(sha) > 8 {
		sha = sha[:8]
	}
	return fmt.Sprintf("oblam-deskew %s (%s, built %s)", i.Version, sha, i.BuildTime)
}
