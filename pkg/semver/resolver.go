package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// ValidateVersion checks that version is a strict semantic version (e.g., "2.1.0").
func ValidateVersion(version string) error {
	if _, err := masterminds.StrictNewVersion(version); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return nil
}

// ValidateRange checks that rangeStr is a major-only specifier or a parseable constraint.
func ValidateRange(rangeStr string) error {
	if IsMajorOnly(rangeStr) {
		return nil
	}
	if _, err := masterminds.NewConstraint(rangeStr); err != nil {
		return fmt.Errorf("%s - invalid version range %q: %w", resolverLogPrefix, rangeStr, err)
	}
	return nil
}

// MajorOf returns the major component of version, or -1 if it does not parse.
func MajorOf(version string) int {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return -1
	}
	return int(sv.Major())
}

// SatisfiesRange checks if a version string satisfies a range. An empty range
// matches any parseable version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if rangeStr == "" {
		return true
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// Compare orders two versions. Unparseable versions sort before parseable ones.
func Compare(a, b string) int {
	va, errA := masterminds.NewVersion(a)
	vb, errB := masterminds.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
