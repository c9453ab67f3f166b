// Package config handles react-agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in model.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/react-agent/config.yaml, /etc/react-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "react-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/react-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all react-agent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Search    SearchConfig    `yaml:"search"`
	Fetch     FetchConfig     `yaml:"fetch"`
	SubAgent  SubAgentConfig  `yaml:"subagent"`
	Usage     UsageConfig     `yaml:"usage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig selects the model the agent loop talks to.
type ModelConfig struct {
	Provider    string   `yaml:"provider"` // openai, ollama, anthropic
	Name        string   `yaml:"name"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// ProvidersConfig holds endpoint credentials per provider. The agent core
// never reads these; only the LLM client constructors do.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// OpenAIConfig defines an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // empty = api.openai.com
}

// OllamaConfig defines the Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig tunes the control loop.
type AgentConfig struct {
	// MaxRetries bounds consecutive degenerate model responses
	// (truncated, empty, failed) before the loop gives up. Default 3.
	MaxRetries int `yaml:"max_retries"`
	// MaxIterations bounds model calls per submitted turn. Default 25.
	MaxIterations int `yaml:"max_iterations"`
	// ToolConcurrency bounds parallel tool calls within one turn. Default 4.
	ToolConcurrency int `yaml:"tool_concurrency"`
	// ToolTimeoutSec caps each tool call. Zero means no timeout.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// ToolTimeout returns the per-tool timeout as a duration.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// SearchConfig selects and configures web search backends.
type SearchConfig struct {
	Primary string        `yaml:"primary"` // tavily, searxng, brave
	Tavily  TavilyConfig  `yaml:"tavily"`
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// TavilyConfig holds Tavily API settings.
type TavilyConfig struct {
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// SearXNGConfig holds the SearXNG instance URL.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds Brave Search API settings.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether any search backend is configured.
func (c SearchConfig) Configured() bool {
	return c.Tavily.APIKey != "" || c.SearXNG.URL != "" || c.Brave.APIKey != ""
}

// FetchConfig controls the web_fetch tool.
type FetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxChars int  `yaml:"max_chars"`
}

// SubAgentConfig controls the sub_agent_executor tool. Model and
// Provider default to the main model's.
type SubAgentConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
}

// UsageConfig controls the SQLite token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: <data_dir>/usage.db
}

// SessionsConfig controls in-memory session lifetime.
type SessionsConfig struct {
	// IdleTTLMin evicts sessions idle longer than this. Zero keeps them
	// for the life of the process.
	IdleTTLMin int `yaml:"idle_ttl_min"`
}

// IdleTTL returns the idle eviction window as a duration.
func (c SessionsConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMin) * time.Minute
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderOpenAI
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = 3
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.ToolConcurrency == 0 {
		c.Agent.ToolConcurrency = 4
	}
	if c.Search.Primary == "" {
		switch {
		case c.Search.Tavily.APIKey != "":
			c.Search.Primary = "tavily"
		case c.Search.SearXNG.URL != "":
			c.Search.Primary = "searxng"
		case c.Search.Brave.APIKey != "":
			c.Search.Primary = "brave"
		}
	}
	if c.SubAgent.Model == "" {
		c.SubAgent.Model = c.Model.Name
	}
	if c.SubAgent.Provider == "" {
		c.SubAgent.Provider = c.Model.Provider
	}
	if c.Search.Tavily.MaxResults == 0 {
		c.Search.Tavily.MaxResults = 3
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("model.provider %q is not supported (valid: openai, ollama, anthropic)", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Provider == ProviderAnthropic && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("providers.anthropic.api_key is required for the anthropic provider")
	}
	switch c.SubAgent.Provider {
	case "", ProviderOpenAI, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("subagent.provider %q is not supported (valid: openai, ollama, anthropic)", c.SubAgent.Provider)
	}
	if c.SubAgent.Provider == ProviderAnthropic && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("providers.anthropic.api_key is required for the anthropic sub-agent")
	}
	if c.Agent.MaxRetries < 1 {
		return fmt.Errorf("agent.max_retries must be at least 1, got %d", c.Agent.MaxRetries)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ToolConcurrency < 1 {
		return fmt.Errorf("agent.tool_concurrency must be at least 1, got %d", c.Agent.ToolConcurrency)
	}
	if c.Agent.ToolTimeoutSec < 0 {
		return fmt.Errorf("agent.tool_timeout_sec must not be negative")
	}
	if c.Search.Primary != "" {
		switch c.Search.Primary {
		case "tavily", "searxng", "brave":
		default:
			return fmt.Errorf("search.primary %q is not supported (valid: tavily, searxng, brave)", c.Search.Primary)
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}

// Default returns a configuration that talks to a local Ollama instance.
func Default() *Config {
	cfg := &Config{
		Model: ModelConfig{
			Provider: ProviderOllama,
			Name:     "qwen3:4b",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
