package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins lists origins accepted for websocket upgrades. Empty
	// allows same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
}

func (s ServerConfig) validate() []string {
	var issues []string
	if s.HTTPPort < 0 || s.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port %d is out of range", s.HTTPPort))
	}
	if s.ReadHeaderTimeout < 0 {
		issues = append(issues, "server.read_header_timeout must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		issues = append(issues, "server.shutdown_timeout must not be negative")
	}
	return issues
}
