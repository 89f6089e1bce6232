// Package semver parses backend references and checks backend versions against ranges.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const logPrefix = "semver:parser"

// BackendRef is a parsed backend reference such as "knowledge@^2.1.0".
type BackendRef struct {
	// Backend name or alias (e.g., "failureAnalysis")
	Name string
	// Version range if specified (e.g., "^2.1.0", "2", ""); empty means any version
	Range string
	// Raw input string
	Raw string
}

// String renders the reference in name[@range] form.
func (r *BackendRef) String() string {
	if r.Range == "" {
		return r.Name
	}
	return r.Name + "@" + r.Range
}

var (
	backendNameRegex  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseBackendRef parses a backend reference.
//
// Supported formats:
//   - knowledge              (any version)
//   - knowledge@2            (major only)
//   - knowledge@2.1.0        (exact version)
//   - knowledge@^2.1.0       (caret range)
//   - knowledge@~2.1.0       (tilde range)
//   - knowledge@>=2.0.0      (comparison range)
func ParseBackendRef(input string) (*BackendRef, error) {
	raw := strings.TrimSpace(input)

	name := raw
	var rangeStr string
	if at := strings.Index(raw, "@"); at != -1 {
		name = raw[:at]
		rangeStr = strings.TrimSpace(raw[at+1:])
		if rangeStr == "" {
			return nil, fmt.Errorf("%s - empty version range: %s", logPrefix, raw)
		}
	}

	if !ValidateBackendName(name) {
		return nil, fmt.Errorf("%s - invalid backend name: %q", logPrefix, raw)
	}
	if rangeStr != "" {
		if err := ValidateRange(rangeStr); err != nil {
			return nil, err
		}
	}

	return &BackendRef{Name: name, Range: rangeStr, Raw: raw}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	major, err := strconv.Atoi(rangeStr)
	if err != nil {
		return -1
	}
	return major
}

// ValidateBackendName validates a backend name (letters, digits, dots, hyphens, underscores).
func ValidateBackendName(name string) bool {
	return backendNameRegex.MatchString(name)
}
