// Package config reads the optional fsview configuration file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional fsview configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Control  ControlConfig  `toml:"control"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Gap          *int64  `toml:"gap"`
	FatCopies    *int    `toml:"fat_copies"`
	System       *string `toml:"system"`
	FosterBudget *int64  `toml:"foster_budget"`
	EagerClose   *bool   `toml:"eager_close"`
}

// ControlConfig holds control node locations.
type ControlConfig struct {
	DmControl   *string `toml:"dm_control"`
	ZramControl *string `toml:"zram_control"`
	DevCatalog  *string `toml:"dev_catalog"`
	NumCatalog  *string `toml:"num_catalog"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fsview", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
