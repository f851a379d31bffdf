package storeconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal, mirroring a strict
// decode rather than silently ignoring typos.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading store config", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storeconfig: reading %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("storeconfig: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("storeconfig: %s: unknown key %q", path, undecoded[0].String())
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("storeconfig: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if present, otherwise returns DefaultConfig.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("store config not found, using defaults", "path", path)
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}
