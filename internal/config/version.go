package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedVersions is the constraint a definition's version must satisfy.
const SupportedVersions = ">= 1.0, < 2.0"

// checkVersion reports whether a definition written for version can be read
// by this build.
func checkVersion(version string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid supported version constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("version %s is not supported (want %s)", v, SupportedVersions)
	}
	return nil
}
