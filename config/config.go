// Package config handles configuration loading and validation for drover.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Commands CommandsConfig `yaml:"commands"`
	UndoDir  string         `yaml:"undo_dir"`

	// WorkingDir is set by the caller, not from the config file.
	WorkingDir string `yaml:"-"`
}

// LLMConfig selects the model endpoint.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// AgentConfig tunes the loop.
type AgentConfig struct {
	MaxIterations     int    `yaml:"max_iterations"`
	MaxSubagentDepth  int    `yaml:"max_subagent_depth"`
	ParallelToolCalls bool   `yaml:"parallel_tool_calls"`
	SystemPrompt      string `yaml:"system_prompt"`

	// RequireExplicitCompletion turns implicit completion (the model going
	// quiet with nothing broken) into a nudge instead of success.
	RequireExplicitCompletion bool `yaml:"require_explicit_completion"`
}

// CommandsConfig governs shell execution.
type CommandsConfig struct {
	Disabled           bool     `yaml:"disabled"`
	PreApproved        []string `yaml:"pre_approved"`
	IdleTimeoutSeconds int      `yaml:"idle_timeout_seconds"`
	MaxRuntimeSeconds  int      `yaml:"max_runtime_seconds"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o",
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Agent: AgentConfig{
			MaxIterations:    100,
			MaxSubagentDepth: 1,
		},
		Commands: CommandsConfig{
			IdleTimeoutSeconds: 60,
			MaxRuntimeSeconds:  600,
		},
	}
}

// Load reads configuration from the given path. If configPath is empty or
// doesn't exist, returns defaults with the provided working directory.
func Load(configPath, workingDir string) (*Config, error) {
	cfg := Default()
	cfg.WorkingDir = workingDir

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
			cfg.WorkingDir = workingDir
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.LLM.Provider == "" {
		c.LLM.Provider = defaults.LLM.Provider
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaults.LLM.Model
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaults.LLM.BaseURL
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = defaults.LLM.APIKeyEnv
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = defaults.Agent.MaxIterations
	}
	if c.Agent.MaxSubagentDepth == 0 {
		c.Agent.MaxSubagentDepth = defaults.Agent.MaxSubagentDepth
	}
	if c.Commands.IdleTimeoutSeconds == 0 {
		c.Commands.IdleTimeoutSeconds = defaults.Commands.IdleTimeoutSeconds
	}
	if c.Commands.MaxRuntimeSeconds == 0 {
		c.Commands.MaxRuntimeSeconds = defaults.Commands.MaxRuntimeSeconds
	}
	if c.UndoDir == "" && c.WorkingDir != "" {
		c.UndoDir = filepath.Join(c.WorkingDir, ".drover")
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model cannot be empty")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Agent.MaxSubagentDepth < 0 {
		return fmt.Errorf("agent.max_subagent_depth cannot be negative")
	}
	if c.Commands.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("commands.idle_timeout_seconds must be at least 1")
	}
	if c.Commands.MaxRuntimeSeconds < c.Commands.IdleTimeoutSeconds {
		return fmt.Errorf("commands.max_runtime_seconds must be at least the idle timeout")
	}
	return nil
}
