package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// parseVersion accepts "major.minor.patch" with an optional leading v and
// pre-release suffix.
func parseVersion(version string) (*semver.Version, error) {
	if version == "" {
		return nil, fmt.Errorf("version cannot be empty")
	}
	v, err := semver.StrictNewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid version '%s': %w", version, err)
	}
	return v, nil
}

// CompareVersions returns -1, 0 or 1 as v1 is older than, equal to or newer
// than v2.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseVersion(v1)
	if err != nil {
		return 0, err
	}
	b, err := parseVersion(v2)
	if err != nil {
		return 0, err
	}
	return a.Compare(b), nil
}
