// Package config loads the layered configuration: defaults, an optional YAML
// file, then AGENT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "AGENT"

type Config struct {
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Replay  ReplayConfig  `mapstructure:"replay" yaml:"replay"`
}

type AgentConfig struct {
	MaxSteps           int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxActionsPerStep  int           `mapstructure:"max_actions_per_step" yaml:"max_actions_per_step"`
	MaxFailures        int           `mapstructure:"max_failures" yaml:"max_failures"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	WaitBetweenActions time.Duration `mapstructure:"wait_between_actions" yaml:"wait_between_actions"`
	MaxInputTokens     int           `mapstructure:"max_input_tokens" yaml:"max_input_tokens"`
	TokenShrinkStep    int           `mapstructure:"token_shrink_step" yaml:"token_shrink_step"`
	UseVision          bool          `mapstructure:"use_vision" yaml:"use_vision"`
	StrictNewElements  bool          `mapstructure:"strict_new_elements" yaml:"strict_new_elements"`
	LoopWindow         int           `mapstructure:"loop_window" yaml:"loop_window"`
	LoopThreshold      int           `mapstructure:"loop_threshold" yaml:"loop_threshold"`
	VerboseErrors      bool          `mapstructure:"verbose_errors" yaml:"verbose_errors"`
	StructuredOutput   bool          `mapstructure:"structured_output" yaml:"structured_output"`
	// SensitiveData maps placeholder names to secret values.
	SensitiveData map[string]string `mapstructure:"sensitive_data" yaml:"-"`
	Context       string            `mapstructure:"context" yaml:"context,omitempty"`
}

type LLMConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Temperature     float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TokensPerMinute int           `mapstructure:"tokens_per_minute" yaml:"tokens_per_minute"`
}

type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	DisableSecurity bool     `mapstructure:"disable_security" yaml:"disable_security"`
	StorageState    string   `mapstructure:"storage_state" yaml:"storage_state,omitempty"`
	AllowedDomains  []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
	ViewportWidth   int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int      `mapstructure:"viewport_height" yaml:"viewport_height"`
	Highlight       bool     `mapstructure:"highlight" yaml:"highlight"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type ReplayConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	SkipFailures bool          `mapstructure:"skip_failures" yaml:"skip_failures"`
	Delay        time.Duration `mapstructure:"delay" yaml:"delay"`
}

// SetDefaults initializes default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("agent.max_steps", 100)
	v.SetDefault("agent.max_actions_per_step", 10)
	v.SetDefault("agent.max_failures", 3)
	v.SetDefault("agent.retry_delay", "10s")
	v.SetDefault("agent.wait_between_actions", "1s")
	v.SetDefault("agent.max_input_tokens", 128000)
	v.SetDefault("agent.token_shrink_step", 500)
	v.SetDefault("agent.use_vision", true)
	v.SetDefault("agent.strict_new_elements", false)
	v.SetDefault("agent.loop_window", 5)
	v.SetDefault("agent.loop_threshold", 3)
	v.SetDefault("agent.verbose_errors", false)
	v.SetDefault("agent.structured_output", false)
	v.SetDefault("agent.sensitive_data", map[string]string{})
	v.SetDefault("agent.context", "")

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.tokens_per_minute", 0)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.disable_security", false)
	v.SetDefault("browser.storage_state", "")
	v.SetDefault("browser.allowed_domains", []string{})
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 1100)
	v.SetDefault("browser.highlight", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("replay.max_retries", 3)
	v.SetDefault("replay.skip_failures", true)
	v.SetDefault("replay.delay", "2s")
}

// Load reads path (when set) and the environment on top of the defaults. A
// missing default config.yaml in the working directory is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewDefaultConfig returns the configuration with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

func (c *Config) Validate() error {
	switch {
	case c.Agent.MaxSteps <= 0:
		return fmt.Errorf("agent.max_steps must be a positive integer")
	case c.Agent.MaxActionsPerStep <= 0:
		return fmt.Errorf("agent.max_actions_per_step must be a positive integer")
	case c.Agent.MaxFailures <= 0:
		return fmt.Errorf("agent.max_failures must be a positive integer")
	case c.Agent.LoopThreshold < 2:
		return fmt.Errorf("agent.loop_threshold must be at least 2")
	case c.Agent.LoopWindow < c.Agent.LoopThreshold:
		return fmt.Errorf("agent.loop_window must not be smaller than agent.loop_threshold")
	case c.Replay.MaxRetries <= 0:
		return fmt.Errorf("replay.max_retries must be a positive integer")
	}
	if p := strings.ToLower(c.LLM.Provider); p != "" && p != "anthropic" && p != "openai" {
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	return nil
}

// YAML renders the effective configuration. Sensitive values are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
