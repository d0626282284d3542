// Package firmware parses the AT+GMR version banner and answers
// "does this firmware support feature X" questions the coordinator needs
// before it relies on passive receive mode or other version-gated
// behavior.
//
// The version comparison itself is borrowed wholesale from this driver's
// socket-statistics ancestor, which uses the same three-component
// Kernel.Major.Minor comparison to decide which struct layout a given
// Linux kernel uses - here repurposed to decide which AAT command surface
// a given ESP-AT build supports.
package firmware

import (
	"fmt"
	"strings"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Version is a parsed AT+GMR banner.
type Version struct {
	ATVersion  kernel.VersionInfo
	SDKVersion string
	raw        string
}

// String returns the raw AT version string.
func (v Version) String() string { return v.raw }

// minPassiveReceiveVersion is the earliest AT firmware line known to
// support AT+CIPRECVMODE; builds older than this silently ignore the
// command (it's accepted but never actually switches the peer into
// passive mode), so the coordinator uses this to fail fast instead of
// corrupting session state against a firmware build it can't support.
var minPassiveReceiveVersion = kernel.VersionInfo{Kernel: 2, Major: 0, Minor: 0}

// Parse reads the multi-line response to AT+GMR, e.g.:
//
//	AT version:2.2.0.0(s-4b12a3a - ESP32 - Jul 28 2021 13:26:16)
//	SDK version:v3.3.5-dirty
//	compile time(22:18:01 Sep  8 2021)
//	OK
func Parse(lines [][]byte) (Version, error) {
	var v Version
	for _, raw := range lines {
		l := strings.TrimSpace(string(raw))
		switch {
		case strings.HasPrefix(l, "AT version:"):
			v.raw = strings.TrimPrefix(l, "AT version:")
			info, err := parseATVersion(v.raw)
			if err != nil {
				return Version{}, err
			}
			v.ATVersion = info
		case strings.HasPrefix(l, "SDK version:"):
			v.SDKVersion = strings.TrimPrefix(l, "SDK version:")
		}
	}
	if v.raw == "" {
		return Version{}, fmt.Errorf("firmware: no AT version line in response")
	}
	return v, nil
}

// parseATVersion cuts a string like "2.2.0.0(s-4b12a3a - ESP32 - ...)" at
// the first '(' and hands the rest ("2.2.0.0") to kernel.ParseRelease,
// which reads the leading "X.Y.Z" triple and keeps any trailing suffix
// as its flavor.
func parseATVersion(s string) (kernel.VersionInfo, error) {
	cut := len(s)
	for i, r := range s {
		if r == '(' {
			cut = i
			break
		}
	}
	release := strings.TrimSpace(s[:cut])

	info, err := kernel.ParseRelease(release)
	if err != nil {
		return kernel.VersionInfo{}, fmt.Errorf("firmware: parse AT version %q: %w", s, err)
	}
	return *info, nil
}

// SupportsPassiveReceive reports whether this firmware build is new
// enough to honor AT+CIPRECVMODE.
func (v Version) SupportsPassiveReceive() bool {
	return kernel.CompareKernelVersion(v.ATVersion, minPassiveReceiveVersion) >= 0
}
