package config

import (
	"fmt"
	"time"
)

// SchedulerConfig configures the scheduled task runner.
type SchedulerConfig struct {
	Enabled *bool `yaml:"enabled"`

	// TickInterval is how often due tasks are polled. Default: 1s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Timezone evaluates cron triggers. Empty uses the server's zone.
	Timezone string `yaml:"timezone"`

	// BatchSize caps tasks fired per tick. Default: 50.
	BatchSize int `yaml:"batch_size"`

	// ExecutionRetention bounds how long task fire history is kept.
	// Default: 168h.
	ExecutionRetention time.Duration `yaml:"execution_retention"`
}

// IsEnabled reports whether the scheduler loop should run. Default: true.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ExecutionRetention == 0 {
		cfg.ExecutionRetention = 7 * 24 * time.Hour
	}
}

func (s SchedulerConfig) validate() []string {
	var issues []string
	if s.TickInterval < 0 {
		issues = append(issues, "scheduler.tick_interval must not be negative")
	}
	if s.BatchSize < 0 {
		issues = append(issues, "scheduler.batch_size must not be negative")
	}
	if s.ExecutionRetention < 0 {
		issues = append(issues, "scheduler.execution_retention must not be negative")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			issues = append(issues, fmt.Sprintf("scheduler.timezone %q is unknown", s.Timezone))
		}
	}
	return issues
}
