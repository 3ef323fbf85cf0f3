// Package version reports the gardenpub build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

// AppName identifies gardenpub to object stores (user agents, app IDs).
const AppName = "gardenpub"

const fallbackModule = "pkt.systems/gardenpub"

// buildVersion is set via -ldflags "-X pkt.systems/gardenpub/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the payload printed by the version command.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	Committed string `json:"committed,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

var readBuildInfo = debug.ReadBuildInfo

// Describe collects version details from the linker flag and build info.
func Describe() Info {
	out := Info{Module: fallbackModule, GoVersion: "unknown"}
	if info, ok := readBuildInfo(); ok {
		out = fromBuildInfo(info)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		out.Version = v
	}
	if out.Version == "" {
		out.Version = "v0.0.0-unknown"
	}
	return out
}

// Current returns the best available version string.
func Current() string {
	return Describe().Version
}

// Module returns the main module path.
func Module() string {
	return Describe().Module
}

// UserAgent is sent with object store requests.
func UserAgent() string {
	return AppName + "/" + Current()
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{Module: fallbackModule, GoVersion: info.GoVersion}
	if p := strings.TrimSpace(info.Main.Path); p != "" {
		out.Module = p
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.time":
			out.Committed = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		out.Version = v
	} else {
		out.Version = pseudoVersion(out)
	}
	return out
}

// pseudoVersion derives v0.0.0-<commit time>-<rev> from VCS stamps.
func pseudoVersion(info Info) string {
	if info.Revision == "" || info.Committed == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, info.Committed)
	if err != nil {
		return ""
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + committed.UTC().Format("20060102150405") + "-" + rev
	if info.Modified {
		v += "+dirty"
	}
	return v
}
