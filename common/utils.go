// Package common provides shared constants, types, and utilities
// used across the Slux session daemon.
package common

import (
	"os"
	"path/filepath"
	"strings"
)

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the application data directory.
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ConfigDirName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// GetRuntimeDir returns the directory holding the control socket.
// It prefers $XDG_RUNTIME_DIR and falls back to /run for root and the
// temp dir for everyone else. The directory is not created.
func GetRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, ConfigDirName)
	}
	if os.Geteuid() == 0 {
		return filepath.Join("/run", ConfigDirName)
	}
	return filepath.Join(os.TempDir(), ConfigDirName+"-"+sanitize(os.Getenv("USER")))
}

// DefaultSocketPath returns the default control socket location.
func DefaultSocketPath() string {
	return filepath.Join(GetRuntimeDir(), SocketFileName)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

func sanitize(s string) string {
	if s == "" {
		return "user"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
