package config

import "time"

// AgentConfig tunes the turn runtime and the tool executor.
type AgentConfig struct {
	// MaxSteps bounds completion requests per turn. Default: 10.
	MaxSteps int `yaml:"max_steps"`

	// ToolConcurrency bounds concurrently running tool calls. Default: 4.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// ToolTimeout bounds each tool call. Default: 30s. Set to a negative
	// value to disable the bound.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ToolMaxAttempts bounds tries per tool call. Only timeout, network and
	// rate-limit failures are retried. Default: 1.
	ToolMaxAttempts int `yaml:"tool_max_attempts"`

	// ToolRetryBackoff is the pause between tries. Default: 500ms.
	ToolRetryBackoff time.Duration `yaml:"tool_retry_backoff"`

	// HistoryLimit caps how many recent messages are sent to the model.
	HistoryLimit int `yaml:"history_limit"`

	// SystemPrompt replaces the built-in base prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// ToolKeywords overrides the words that enable tools for a turn.
	ToolKeywords []string `yaml:"tool_keywords"`
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 10
	}
	if cfg.ToolConcurrency == 0 {
		cfg.ToolConcurrency = 4
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.ToolMaxAttempts == 0 {
		cfg.ToolMaxAttempts = 1
	}
	if cfg.ToolRetryBackoff == 0 {
		cfg.ToolRetryBackoff = 500 * time.Millisecond
	}
}

// EffectiveToolTimeout returns the per-tool bound, zero meaning unbounded.
func (a AgentConfig) EffectiveToolTimeout() time.Duration {
	if a.ToolTimeout < 0 {
		return 0
	}
	return a.ToolTimeout
}

func (a AgentConfig) validate() []string {
	var issues []string
	if a.MaxSteps < 0 {
		issues = append(issues, "agent.max_steps must not be negative")
	}
	if a.ToolConcurrency < 0 {
		issues = append(issues, "agent.tool_concurrency must not be negative")
	}
	if a.ToolMaxAttempts < 0 {
		issues = append(issues, "agent.tool_max_attempts must not be negative")
	}
	if a.ToolRetryBackoff < 0 {
		issues = append(issues, "agent.tool_retry_backoff must not be negative")
	}
	if a.HistoryLimit < 0 {
		issues = append(issues, "agent.history_limit must not be negative")
	}
	return issues
}
