// Package config handles the daemon's typed configuration store and the
// control CLI's own settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// AppName is the directory name used under the XDG base directories.
const AppName = "willow"

// Output formats supported by the CLI.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Settings represents the willow CLI configuration.
// Loaded from ~/.config/willow/willow.toml
type Settings struct {
	Session SessionSettings `toml:"session"`
	Output  OutputSettings  `toml:"output"`
}

// SessionSettings controls the client session used by `willow watch`.
type SessionSettings struct {
	AutoStart bool `toml:"auto_start"` // Start the daemon's listener if it is idle after connecting
}

// OutputSettings controls command output.
type OutputSettings struct {
	Format     string `toml:"format"`      // text, json, yaml
	BufferSize int    `toml:"buffer_size"` // Characters of buffer shown by watch (0 = unlimited)
}

// DefaultSettings returns Settings with default values.
func DefaultSettings() *Settings {
	return &Settings{
		Session: SessionSettings{
			AutoStart: true,
		},
		Output: OutputSettings{
			Format:     FormatText,
			BufferSize: 80,
		},
	}
}

// Validate checks the settings for unsupported values.
func (s *Settings) Validate() error {
	switch s.Output.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("invalid output format %q: must be text, json or yaml", s.Output.Format)
	}
	if s.Output.BufferSize < 0 {
		return fmt.Errorf("invalid buffer_size %d: must be >= 0", s.Output.BufferSize)
	}
	return nil
}

// LoadSettings loads CLI settings from the specified path.
// If path is empty, uses the default settings path.
// Returns defaults if the file doesn't exist.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = SettingsPath()
	}

	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Save writes the settings to the specified path.
// Creates parent directories if needed.
func (s *Settings) Save(path string) error {
	if path == "" {
		path = SettingsPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigDir returns the willow config directory.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func ConfigDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, AppName)
}

// ConfigPath returns the path to the daemon's JSON configuration.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// SettingsPath returns the path to the CLI settings file.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "willow.toml")
}

// DataPath returns the path to the data directory.
// Uses XDG_DATA_HOME if set, otherwise ~/.local/share.
func DataPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, AppName)
}

// ModelDir returns the directory holding recognition models.
func ModelDir() string {
	return filepath.Join(DataPath(), "models")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	path := DataPath()
	if path == "" {
		return errors.New("unable to determine data directory")
	}
	return os.MkdirAll(path, 0755)
}
