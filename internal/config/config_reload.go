package config

import "time"

// ReloadConfig controls watching the configuration file while serving.
// Only the logging level and agent.tool_keywords take effect live; other
// changes are logged and wait for a restart.
type ReloadConfig struct {
	Enabled bool `yaml:"enabled"`

	// Debounce coalesces bursts of file events. Default: 250ms.
	Debounce time.Duration `yaml:"debounce"`
}

func applyReloadDefaults(cfg *ReloadConfig) {
	if cfg.Debounce == 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
}

func (r ReloadConfig) validate() []string {
	if r.Debounce < 0 {
		return []string{"reload.debounce must not be negative"}
	}
	return nil
}
