package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	// Confirm lists tool names that require user confirmation before they
	// run. Tools not listed run automatically.
	Confirm []string `yaml:"confirm"`

	// Disabled lists tool names that are not registered at all.
	Disabled []string `yaml:"disabled"`

	// Modes sets a tool's execution mode by name: "automatic" or "confirm".
	// An entry here wins over Confirm.
	Modes map[string]string `yaml:"modes"`

	Weather WeatherToolConfig `yaml:"weather"`
	Clock   ClockToolConfig   `yaml:"clock"`
}

// WeatherToolConfig configures the wttr.in weather lookup.
type WeatherToolConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClockToolConfig configures the local time lookup. Set base_url to "off"
// to compute times from the local zone database only.
type ClockToolConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Weather.BaseURL == "" {
		cfg.Weather.BaseURL = "https://wttr.in"
	}
	if cfg.Weather.Timeout == 0 {
		cfg.Weather.Timeout = 10 * time.Second
	}
	if cfg.Clock.BaseURL == "" {
		cfg.Clock.BaseURL = "https://worldtimeapi.org/api/timezone"
	}
	if cfg.Clock.Timeout == 0 {
		cfg.Clock.Timeout = 5 * time.Second
	}
}

// RequiresConfirmation reports whether the named tool is listed in Confirm.
func (t ToolsConfig) RequiresConfirmation(name string) bool {
	return containsName(t.Confirm, name)
}

// ModeFor returns the configured mode for name, if any.
func (t ToolsConfig) ModeFor(name string) (string, bool) {
	for key, mode := range t.Modes {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return mode, true
		}
	}
	return "", false
}

// IsDisabled reports whether the named tool is listed in Disabled.
func (t ToolsConfig) IsDisabled(name string) bool {
	return containsName(t.Disabled, name)
}

func containsName(list []string, name string) bool {
	for _, entry := range list {
		if strings.EqualFold(strings.TrimSpace(entry), name) {
			return true
		}
	}
	return false
}

func (t ToolsConfig) validate() []string {
	var issues []string
	if err := validateBaseURL(t.Weather.BaseURL); err != nil {
		issues = append(issues, fmt.Sprintf("tools.weather.base_url: %v", err))
	}
	if !strings.EqualFold(t.Clock.BaseURL, "off") {
		if err := validateBaseURL(t.Clock.BaseURL); err != nil {
			issues = append(issues, fmt.Sprintf("tools.clock.base_url: %v", err))
		}
	}
	for _, name := range t.Confirm {
		if strings.TrimSpace(name) == "" {
			issues = append(issues, "tools.confirm entries must not be empty")
			break
		}
	}
	for name, mode := range t.Modes {
		switch strings.ToLower(strings.TrimSpace(mode)) {
		case "automatic", "auto", "confirm":
		default:
			issues = append(issues, fmt.Sprintf("tools.modes.%s: mode must be automatic or confirm, got %q", name, mode))
		}
	}
	return issues
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
