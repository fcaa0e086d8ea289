package formulaengine

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "./formula-engine.yml"

// Config tunes an engine instance. The zero value is usable; missing
// fields fall back to defaults.
type Config struct {
	// LogLevel enables engine logging when set ("debug", "info", "warn",
	// "error"). Empty disables logging entirely.
	LogLevel string `yaml:"log_level"`
	// Debug widens GetCellValue error serialization to include messages.
	Debug bool `yaml:"debug"`
	// MaxEvalIterations caps the evaluate-cell convergence loop.
	MaxEvalIterations int `yaml:"max_eval_iterations"`
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		MaxEvalIterations: 8,
	}
}

// LoadConfig reads a YAML config file. Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxEvalIterations <= 0 {
		cfg.MaxEvalIterations = DefaultConfig().MaxEvalIterations
	}
	return cfg, nil
}

// LoadConfigFromEnv loads the file named by FORMULA_ENGINE_CONFIG, the
// default path when present, or plain defaults otherwise.
func LoadConfigFromEnv() Config {
	path := os.Getenv("FORMULA_ENGINE_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return DefaultConfig()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// Logger builds the zerolog logger the config describes. No level means
// a no-op logger.
func (c Config) Logger() zerolog.Logger {
	if c.LogLevel == "" {
		return zerolog.Nop()
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "formula-engine").Logger()
}
