// Package version reports the tonconnect build version.
//
// Commit may be set with -ldflags "-X .../internal/version.Commit=<hash>";
// otherwise the VCS revision recorded by the Go toolchain is used.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Commit is the git commit of this build.
var Commit string

// preReleaseAlphabet lists the characters SemVer allows in a pre-release
// tag.
const preReleaseAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

const (
	major uint = 0
	minor uint = 3
	patch uint = 0

	preRelease = "beta"
)

// Version returns the semantic version, e.g. 0.3.0-beta.
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre := filterAlphabet(preRelease, preReleaseAlphabet); pre != "" {
		v += "-" + pre
	}
	return v
}

// Full returns Version followed by the commit, when known.
func Full() string {
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		return Version()
	}
	return fmt.Sprintf("%s commit=%s", Version(), commit)
}

// UserAgent is sent to bridges and the wallets registry.
func UserAgent() string {
	return "tonconnect-go/" + Version()
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func filterAlphabet(s, alphabet string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(alphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
