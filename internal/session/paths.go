package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.carchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".carchat")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// SocketPath returns the UDS control socket path for a profile.
func SocketPath(profile string) string {
	return filepath.Join(Dir(profile), "carchatd.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// CacheDBPath returns the persisted conversation cache path.
func CacheDBPath(profile string) string {
	return filepath.Join(Dir(profile), "cache.db")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "carchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
