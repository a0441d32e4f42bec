// Package config loads chatline's YAML or JSON5 configuration file.
package config

import (
	"fmt"
	"strings"
)

// Config is the main configuration structure for chatline.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	Storage       StorageConfig       `yaml:"storage"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Reload        ReloadConfig        `yaml:"reload"`
}

// ConfigValidationError collects every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads a configuration file, resolves includes and environment
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	applyServerDefaults(&cfg.Server)
	applyLLMDefaults(&cfg.LLM)
	applyAgentDefaults(&cfg.Agent)
	applyToolsDefaults(&cfg.Tools)
	applyStorageDefaults(&cfg.Storage)
	applySchedulerDefaults(&cfg.Scheduler)
	applyObservabilityDefaults(&cfg.Logging, &cfg.Observability)
	applyReloadDefaults(&cfg.Reload)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	issues = append(issues, c.Server.validate()...)
	issues = append(issues, c.LLM.validate()...)
	issues = append(issues, c.Agent.validate()...)
	issues = append(issues, c.Tools.validate()...)
	issues = append(issues, c.Storage.validate()...)
	issues = append(issues, c.Scheduler.validate()...)
	issues = append(issues, validateObservability(c.Logging, c.Observability)...)
	issues = append(issues, c.Reload.validate()...)
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
