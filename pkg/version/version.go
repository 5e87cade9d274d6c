// Package version holds the hub's protocol versions and ALPN helpers.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// API is the client API version reported by server/info.
const API = "3.4"

// Wire is the version of the framed CBOR transport.
const Wire = "1.0"

// Build is the binary version, set with -ldflags "-X".
var Build = "dev"

const alpnPrefix = "notifyhub/"

// SpecVersion represents a parsed "major.minor" version.
type SpecVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (SpecVersion, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SpecVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	ma, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return SpecVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	mi, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return SpecVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return SpecVersion{Major: uint16(ma), Minor: uint16(mi)}, nil
}

// String returns the version as "major.minor".
func (v SpecVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
func (v SpecVersion) Compatible(other SpecVersion) bool {
	return v.Major == other.Major
}

// CheckAPI reports whether a server's API version can be used by this
// client.
func CheckAPI(server string) error {
	theirs, err := Parse(server)
	if err != nil {
		return err
	}
	ours, _ := Parse(API)
	if !ours.Compatible(theirs) {
		return fmt.Errorf("incompatible API version %s (client speaks %s)", theirs, ours)
	}
	return nil
}

// ALPNProtocol returns the ALPN protocol string for a wire major version:
// "notifyhub/N".
func ALPNProtocol(major uint16) string {
	return alpnPrefix + strconv.FormatUint(uint64(major), 10)
}

// MajorFromALPN extracts the major version from an ALPN protocol string.
func MajorFromALPN(alpn string) (uint16, error) {
	suffix, ok := strings.CutPrefix(alpn, alpnPrefix)
	if !ok {
		return 0, fmt.Errorf("not a notifyhub ALPN protocol: %q", alpn)
	}
	if suffix == "" {
		return 0, fmt.Errorf("empty major version in ALPN: %q", alpn)
	}

	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}
	return uint16(major), nil
}

// SupportedALPNProtocols returns the ALPN protocol strings for all
// supported wire major versions.
func SupportedALPNProtocols() []string {
	current, _ := Parse(Wire)
	return []string{ALPNProtocol(current.Major)}
}
