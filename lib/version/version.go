// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the release version, overridable with
// -ldflags "-X github.com/bureau-foundation/boxsync/lib/version.Version=...".
var Version = "0.1.0-dev"

// Build describes the running binary.
type Build struct {
	Version   string
	Revision  string
	Modified  bool
	Time      string
	GoVersion string
	Platform  string
}

// Current reads the VCS stamp the Go toolchain embeds in the binary.
// Fields the toolchain did not record are "unknown".
func Current() Build {
	build := Build{
		Version:   Version,
		Revision:  "unknown",
		Time:      "unknown",
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return build
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			build.Revision = shortRevision(setting.Value)
		case "vcs.modified":
			build.Modified = setting.Value == "true"
		case "vcs.time":
			build.Time = setting.Value
		}
	}
	return build
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}

// String is the one-line form printed by "boxsync version".
func (b Build) String() string {
	dirty := ""
	if b.Modified {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", b.Version, b.Revision, dirty, b.Time)
}

// Full adds the toolchain and platform.
func (b Build) Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s", b.String(), b.GoVersion, b.Platform)
}
