// Copyright (c) 2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package version reports the version of the sshscan binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// semverAlphabet holds every character allowed in semver prerelease and
// build metadata identifiers.
const semverAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// Set at link time for releases.
var (
	Major = "0"
	Minor = "1"
	Patch = "0"

	// PreRelease and BuildMetadata may only contain semverAlphabet,
	// anything else is stripped.
	PreRelease    = "dev"
	BuildMetadata = ""

	// Component names the binary, set by the main package.
	Component string
)

func init() {
	if BuildMetadata == "" {
		BuildMetadata = vcsCommitID()
	}
}

// String returns the semantic version, e.g. 0.1.0-dev+1a2b3c4d5.
func String() string {
	v := fmt.Sprintf("%s.%s.%s", Major, Minor, Patch)
	if pr := normalize(PreRelease); pr != "" {
		v += "-" + pr
	}
	if bm := normalize(BuildMetadata); bm != "" {
		v += "+" + bm
	}
	return v
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(semverAlphabet, r) {
			return r
		}
		return -1
	}, s)
}

// BuildInfo returns the version followed by component and toolchain.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v%s (", String())
	if Component != "" {
		b.WriteString(Component)
		b.WriteString(", ")
	}
	fmt.Fprintf(&b, "%s %s/%s)", runtime.Version(), runtime.GOOS,
		runtime.GOARCH)
	return b.String()
}

func vcsCommitID() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var vcs, revision string
	for _, bs := range bi.Settings {
		switch bs.Key {
		case "vcs":
			vcs = bs.Value
		case "vcs.revision":
			revision = bs.Value
		}
	}
	if vcs == "git" && len(revision) > 9 {
		revision = revision[:9]
	}
	return revision
}
