package session

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/carchat/internal/config"
)

const DefaultProfileName = "main"

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid profile name")

// Profile names become directory names under ~/.carchat/profiles.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a profile directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, nameRegexp)
	}
	return nil
}

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
