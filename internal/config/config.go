// Package config loads the engine's optional tunables file. This is
// distinct from the backup job configuration (what to back up, retention,
// schedules) which belongs to the orchestrator and stays out of scope
// here — this package only covers knobs the download engine itself reads
// at startup.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Engine holds the optional tunables file contents.
type Engine struct {
	Queue   QueueConfig   `toml:"queue"`
	Salvage SalvageConfig `toml:"salvage"`
}

// QueueConfig covers the queue's flow-control knobs. The per-mode item
// weights are deliberately not configurable: the 1-vs-4 ratio is tied to
// the transport's look-ahead buffer sizing.
type QueueConfig struct {
	MaxWeight   *int `toml:"max_weight"`            // default 500
	HashRetries *int `toml:"hash_mismatch_retries"` // default 5
}

// SalvageConfig controls the link-or-copy salvage fallback.
type SalvageConfig struct {
	PreferReflink      *bool `toml:"prefer_reflink"`
	SaveIncompleteFile *bool `toml:"save_incomplete_file"`
}

// Path returns the resolved path to the engine's tunables file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ferry", "engine.toml")
}

// Load reads the tunables file from the XDG path. Returns a zero Engine
// (no error) if the file does not exist; every field in Engine is
// optional, and callers apply their own defaults over nil pointers.
func Load() (Engine, error) {
	path := Path()
	if path == "" {
		return Engine{}, nil
	}

	var cfg Engine
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Engine{}, nil
		}
		return Engine{}, err
	}
	return cfg, nil
}
