package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wabridge.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// DriverDBPath returns the whatsmeow credential store path.
func DriverDBPath(name string) string {
	return filepath.Join(Dir(name), "driver.db")
}

// AppDBPath returns the app-owned bridge.db path (conversations, messages,
// read markers).
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "bridge.db")
}

// PairingCodePath returns where the current pairing QR PNG is written.
func PairingCodePath(name string) string {
	return filepath.Join(Dir(name), "pairing.png")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wabridged.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
