package config

import (
	"fmt"
	"strings"
)

type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is json or text. Default: json.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`

	// RedactPatterns are extra regular expressions scrubbed from log values.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled reports whether /metrics is served. Default: true.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

func applyObservabilityDefaults(logging *LoggingConfig, obs *ObservabilityConfig) {
	if logging.Level == "" {
		logging.Level = "info"
	}
	if logging.Format == "" {
		logging.Format = "json"
	}
	if obs.Metrics.Path == "" {
		obs.Metrics.Path = "/metrics"
	}
	if obs.Tracing.ServiceName == "" {
		obs.Tracing.ServiceName = "chatline"
	}
	if obs.Tracing.SamplingRate == 0 {
		obs.Tracing.SamplingRate = 1.0
	}
}

func validateObservability(logging LoggingConfig, obs ObservabilityConfig) []string {
	var issues []string
	switch strings.ToLower(logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", logging.Level))
	}
	switch strings.ToLower(logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not one of json, text", logging.Format))
	}
	if !strings.HasPrefix(obs.Metrics.Path, "/") {
		issues = append(issues, "observability.metrics.path must start with /")
	}
	if obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}
	return issues
}
