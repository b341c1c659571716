package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxSettingsFileSize = 1024 * 1024 // 1MB

	envPrefix = "NIGHTSHIFT_"
)

// Load reads settings from a YAML file, then overrides with environment
// variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (NIGHTSHIFT_ENGINE_TURN_BUDGET, ...)
//  2. YAML settings file (settings.yaml next to the manifest by convention)
//  3. Hardcoded defaults
//
// A missing file is not an error — defaults apply. A present but malformed
// file is a configuration error.
//
// Environment variables are mapped section-first:
//
//	NIGHTSHIFT_ENGINE_TURN_BUDGET -> engine.turn_budget
//	NIGHTSHIFT_MEMORY_PATH        -> memory.path
//	NIGHTSHIFT_LOG_LEVEL          -> log.level
func Load(settingsPath string) (*Config, error) {
	k := koanf.New(".")

	if settingsPath != "" {
		if info, err := os.Stat(settingsPath); err == nil {
			if info.Size() > maxSettingsFileSize {
				return nil, fmt.Errorf("settings file %s exceeds %d bytes", settingsPath, maxSettingsFileSize)
			}
			f, err := os.Open(settingsPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open settings file: %w", err)
			}
			defer f.Close()

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read settings file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse settings file %s: %w", settingsPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// NIGHTSHIFT_ENGINE_TURN_BUDGET -> engine.turn_budget
		// Split on the first underscore only: section, then field name.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
