package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, 16, cfg.Engine.TurnBudget)
	assert.Equal(t, 4, cfg.Parallel.MaxWorkers)
	assert.Equal(t, "claude", cfg.Worker.Active)
	assert.Equal(t, ".nightshift/reflexion.jsonl", cfg.Memory.Path)
}

func TestLoadFromFile(t *testing.T) {
	path := writeSettings(t, `
engine:
  max_retries: 3
  turn_budget: 8
worker:
  active: codex
  drivers:
    codex:
      command: codex
      args: ["exec", "{prompt}"]
      timeout: 10m
      retries: 1
personas:
  general: ""
  docwriter: "Write clear documentation."
persona_rules:
  - pattern: "docs?|readme"
    flags: i
    persona: docwriter
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 8, cfg.Engine.TurnBudget)
	assert.Equal(t, "codex", cfg.Worker.Active)
	assert.Equal(t, 10*time.Minute, cfg.Worker.Drivers["codex"].Timeout.Duration())
	require.Len(t, cfg.PersonaRules, 1)
	assert.Equal(t, "docwriter", cfg.PersonaRules[0].Persona)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NIGHTSHIFT_ENGINE_TURN_BUDGET", "5")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.TurnBudget)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeSettings(t, "engine: [nope")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Confidence.Threshold = 2.0
	cfg.Engine.TurnBudget = 0
	cfg.PersonaRules = []PersonaRule{
		{Pattern: "(", Persona: "general"},
		{Pattern: "docs", Persona: "undefined-persona"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence.threshold")
	assert.Contains(t, err.Error(), "turn_budget")
	assert.Contains(t, err.Error(), "does not compile")
	assert.Contains(t, err.Error(), `"undefined-persona" not defined`)
}

func TestValidateUnknownActiveDriver(t *testing.T) {
	cfg := Default()
	cfg.Worker.Active = "gemini"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `worker.active "gemini" not found`)
}
