package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level     `koanf:"level"`
	Format string            `koanf:"format"`
	Stdout bool              `koanf:"stdout"`
	Dir    string            `koanf:"dir"`
	Fields map[string]string `koanf:"fields"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "console",
		Stdout: true,
		Dir:    "logs",
		Fields: map[string]string{
			"service": "nightshift",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && c.Dir == "" {
		return fmt.Errorf("at least one output must be enabled (stdout or dir)")
	}
	return nil
}

// LevelFromString parses a string into a zapcore.Level.
func LevelFromString(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
