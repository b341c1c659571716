// Package config provides settings loading and validation for nightshift.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the full settings surface for one engine run.
type Config struct {
	Log          LogConfig         `koanf:"log"`
	Planner      AgentConfig       `koanf:"planner"`
	Worker       AgentConfig       `koanf:"worker"`
	Completion   CompletionConfig  `koanf:"completion"`
	Confidence   ConfidenceConfig  `koanf:"confidence"`
	Engine       EngineConfig      `koanf:"engine"`
	Parallel     ParallelConfig    `koanf:"parallel"`
	Safety       SafetyConfig      `koanf:"safety"`
	Memory       MemoryConfig      `koanf:"memory"`
	Telemetry    TelemetryConfig   `koanf:"telemetry"`
	Personas     map[string]string `koanf:"personas"`
	PersonaRules []PersonaRule     `koanf:"persona_rules"`
}

// LogConfig mirrors internal/logging.Config at the settings-file level.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Dir    string `koanf:"dir"`
}

// AgentConfig selects one driver out of a named set for an agent role.
type AgentConfig struct {
	Active  string                  `koanf:"active"`
	Drivers map[string]DriverConfig `koanf:"drivers"`
}

// DriverConfig describes how to invoke one external agent CLI.
// Args may contain the {prompt} placeholder, replaced per invocation.
type DriverConfig struct {
	Command      string            `koanf:"command"`
	Args         []string          `koanf:"args"`
	Env          map[string]string `koanf:"env"`
	Timeout      Duration          `koanf:"timeout"`
	Retries      int               `koanf:"retries"`
	RetryBackoff float64           `koanf:"retry_backoff"`
	MinInterval  Duration          `koanf:"min_interval"`
}

// CompletionConfig tunes the post-flight evidence check.
type CompletionConfig struct {
	Enabled         bool     `koanf:"enabled"`
	FailureKeywords []string `koanf:"failure_keywords"`
}

// ConfidenceConfig tunes the pre-flight feasibility score.
type ConfidenceConfig struct {
	Threshold float64 `koanf:"threshold"`
}

// EngineConfig bounds the per-task control loop.
type EngineConfig struct {
	MaxRetries int  `koanf:"max_retries"`
	TurnBudget int  `koanf:"turn_budget"`
	Resume     bool `koanf:"resume"`
}

// ParallelConfig bounds the parallel coordinator.
type ParallelConfig struct {
	MaxWorkers int `koanf:"max_workers"`
}

// SafetyConfig controls the workspace guard.
type SafetyConfig struct {
	RollbackOnFailure bool `koanf:"rollback_on_failure"`
	BackupBranch      bool `koanf:"backup_branch"`
}

// MemoryConfig locates the reflexion evidence store.
type MemoryConfig struct {
	Path string `koanf:"path"`
	TopK int    `koanf:"top_k"`
}

// TelemetryConfig controls OTLP export of traces and metrics. Disabled by
// default; an overnight run without a collector should not retry exports
// all night.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// PersonaRule maps a task-text pattern to a persona id. Rules are evaluated
// in order; the first match wins.
type PersonaRule struct {
	Pattern string `koanf:"pattern"`
	Flags   string `koanf:"flags"`
	Persona string `koanf:"persona"`
}

// Default returns a configuration with production defaults. A missing
// settings file is not an error; the defaults describe a claude-driven run.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console", Dir: "logs"},
		Planner: AgentConfig{
			Active: "claude",
			Drivers: map[string]DriverConfig{
				"claude": {
					Command: "claude",
					Args:    []string{"-p", "{prompt}"},
					Timeout: Duration(5 * time.Minute),
				},
			},
		},
		Worker: AgentConfig{
			Active: "claude",
			Drivers: map[string]DriverConfig{
				"claude": {
					Command: "claude",
					Args:    []string{"-p", "{prompt}", "--dangerously-skip-permissions"},
					Timeout: Duration(15 * time.Minute),
				},
			},
		},
		Completion: CompletionConfig{Enabled: true},
		Confidence: ConfidenceConfig{Threshold: 0.4},
		Engine:     EngineConfig{MaxRetries: 2, TurnBudget: 16, Resume: true},
		Parallel:   ParallelConfig{MaxWorkers: 4},
		Safety:     SafetyConfig{RollbackOnFailure: true},
		Memory:     MemoryConfig{Path: ".nightshift/reflexion.jsonl", TopK: 3},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			SampleRate:     1.0,
			MetricInterval: Duration(15 * time.Second),
		},
		Personas: map[string]string{"general": ""},
	}
}

// applyDefaults fills zero values after unmarshaling.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = def.Log.Dir
	}
	if len(cfg.Planner.Drivers) == 0 {
		cfg.Planner = def.Planner
	}
	if len(cfg.Worker.Drivers) == 0 {
		cfg.Worker = def.Worker
	}
	if cfg.Planner.Active == "" {
		cfg.Planner.Active = firstDriverName(cfg.Planner.Drivers)
	}
	if cfg.Worker.Active == "" {
		cfg.Worker.Active = firstDriverName(cfg.Worker.Drivers)
	}
	if cfg.Confidence.Threshold == 0 {
		cfg.Confidence.Threshold = def.Confidence.Threshold
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = def.Engine.MaxRetries
	}
	if cfg.Engine.TurnBudget == 0 {
		cfg.Engine.TurnBudget = def.Engine.TurnBudget
	}
	if cfg.Parallel.MaxWorkers == 0 {
		cfg.Parallel.MaxWorkers = def.Parallel.MaxWorkers
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = def.Memory.Path
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = def.Memory.TopK
	}
	if cfg.Telemetry.Endpoint == "" {
		enabled := cfg.Telemetry.Enabled
		cfg.Telemetry = def.Telemetry
		cfg.Telemetry.Enabled = enabled
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
	if cfg.Personas == nil {
		cfg.Personas = map[string]string{"general": ""}
	}
	if _, ok := cfg.Personas["general"]; !ok {
		cfg.Personas["general"] = ""
	}
}

func firstDriverName(drivers map[string]DriverConfig) string {
	for name := range drivers {
		return name
	}
	return ""
}

// Validate checks the configuration, collecting all problems into one error
// so the operator sees the full list before any task runs.
func (c *Config) Validate() error {
	var errs []string

	validateAgent := func(section string, a AgentConfig) {
		if a.Active == "" {
			errs = append(errs, fmt.Sprintf("%s.active must name a driver", section))
			return
		}
		active, ok := a.Drivers[a.Active]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s.active %q not found in %s.drivers", section, a.Active, section))
			return
		}
		if active.Command == "" {
			errs = append(errs, fmt.Sprintf("%s.drivers.%s.command must not be empty", section, a.Active))
		}
		for name, d := range a.Drivers {
			if d.Retries < 0 {
				errs = append(errs, fmt.Sprintf("%s.drivers.%s.retries must not be negative", section, name))
			}
			if d.RetryBackoff < 0 {
				errs = append(errs, fmt.Sprintf("%s.drivers.%s.retry_backoff must not be negative", section, name))
			}
		}
	}

	validateAgent("planner", c.Planner)
	validateAgent("worker", c.Worker)

	if c.Confidence.Threshold < 0 || c.Confidence.Threshold > 1 {
		errs = append(errs, "confidence.threshold must be between 0.0 and 1.0")
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, "engine.max_retries must not be negative")
	}
	if c.Engine.TurnBudget < 1 {
		errs = append(errs, "engine.turn_budget must be at least 1")
	}
	if c.Parallel.MaxWorkers < 1 {
		errs = append(errs, "parallel.max_workers must be at least 1")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, "telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, "telemetry.sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.Insecure && !isLocalEndpoint(c.Telemetry.Endpoint) {
			errs = append(errs, "telemetry.insecure is only allowed for localhost endpoints")
		}
	}

	for i, rule := range c.PersonaRules {
		if strings.TrimSpace(rule.Pattern) == "" {
			errs = append(errs, fmt.Sprintf("persona_rules[%d].pattern must not be empty", i))
			continue
		}
		pattern := rule.Pattern
		if strings.Contains(strings.ToLower(rule.Flags), "i") {
			pattern = "(?i)" + pattern
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("persona_rules[%d].pattern does not compile: %v", i, err))
		}
		if rule.Persona == "" {
			errs = append(errs, fmt.Sprintf("persona_rules[%d].persona must not be empty", i))
		} else if _, ok := c.Personas[rule.Persona]; !ok {
			// A rule naming an unknown persona is a configuration error,
			// not a silent fallback.
			errs = append(errs, fmt.Sprintf("persona_rules[%d].persona %q not defined in personas", i, rule.Persona))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("settings validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
