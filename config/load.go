package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load resolves the effective settings: defaults, then the optional YAML file
// at path, then environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (Settings, error) {
	// Best-effort .env bootstrap before env overrides are read.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// fall through to env overrides
		case err != nil:
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg = FromEnv(cfg)
	return cfg, nil
}
