// Package config handles mcpchat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpchat/config.yaml, /etc/mcpchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpchat", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpchat/config.yaml")
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

// Config holds all mcpchat configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Loop      LoopConfig      `yaml:"loop"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ServerConfig describes the tool-serving subprocess.
type ServerConfig struct {
	// Name labels the server in logs.
	Name string `yaml:"name"`
	// Command is the executable to run. When empty, it is derived from
	// Script (see ResolveCommand).
	Command string `yaml:"command"`
	// Args are passed to Command.
	Args []string `yaml:"args"`
	// Script is a server script path; ".py" runs under python, anything
	// else under node.
	Script string `yaml:"script"`
	// Env entries ("KEY=VALUE") are appended to the parent environment.
	Env []string `yaml:"env"`
	// Dir is the subprocess working directory.
	Dir string `yaml:"dir"`
	// Include, when non-empty, limits discovery to these tool names.
	Include []string `yaml:"include"`
	// Exclude drops these tool names from discovery.
	Exclude []string `yaml:"exclude"`

	CallTimeoutSec      int `yaml:"call_timeout_sec"`
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
	ShutdownGraceSec    int `yaml:"shutdown_grace_sec"`
}

// ModelsConfig selects the model collaborator.
type ModelsConfig struct {
	Provider   string `yaml:"provider"` // anthropic, ollama, gemini
	Default    string `yaml:"default"`
	OllamaURL  string `yaml:"ollama_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoopConfig bounds the turn loop.
type LoopConfig struct {
	// MaxTurns caps model invocations per goal. Must be positive.
	MaxTurns int `yaml:"max_turns"`
	// MaxParallelCalls bounds concurrent tool calls within one turn.
	MaxParallelCalls int `yaml:"max_parallel_calls"`
	// ToolRetries re-dispatches calls that timed out. Zero disables.
	ToolRetries  int    `yaml:"tool_retries"`
	SystemPrompt string `yaml:"system_prompt"`
}

// TelemetryConfig controls OpenTelemetry export. When disabled, spans
// and metrics are recorded against no-op providers.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults.
const (
	DefaultCallTimeout       = 60 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultShutdownGrace     = 5 * time.Second
	DefaultMaxTurns          = 10
	DefaultMaxParallelCalls  = 4
	DefaultTelemetryEndpoint = "localhost:4317"
)

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing.
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
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "tools"
	}
	if c.Server.CallTimeoutSec == 0 {
		c.Server.CallTimeoutSec = int(DefaultCallTimeout / time.Second)
	}
	if c.Server.HandshakeTimeoutSec == 0 {
		c.Server.HandshakeTimeoutSec = int(DefaultHandshakeTimeout / time.Second)
	}
	if c.Server.ShutdownGraceSec == 0 {
		c.Server.ShutdownGraceSec = int(DefaultShutdownGrace / time.Second)
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "anthropic"
	}
	if c.Models.Default == "" {
		switch c.Models.Provider {
		case "gemini":
			c.Models.Default = "gemini-1.5-flash"
		case "ollama":
			c.Models.Default = "qwen3:4b"
		default:
			c.Models.Default = "claude-sonnet-4-20250514"
		}
	}
	if c.Loop.MaxTurns == 0 {
		c.Loop.MaxTurns = DefaultMaxTurns
	}
	if c.Loop.MaxParallelCalls == 0 {
		c.Loop.MaxParallelCalls = DefaultMaxParallelCalls
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = DefaultTelemetryEndpoint
	}
}

// Validate reports configuration errors that would make the loop unsafe
// or the server unstartable.
func (c *Config) Validate() error {
	if c.Loop.MaxTurns <= 0 {
		return fmt.Errorf("loop.max_turns must be positive, got %d", c.Loop.MaxTurns)
	}
	if c.Loop.MaxParallelCalls < 0 {
		return fmt.Errorf("loop.max_parallel_calls must not be negative")
	}
	if c.Loop.ToolRetries < 0 || c.Models.MaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.Server.CallTimeoutSec < 0 {
		return fmt.Errorf("server.call_timeout_sec must not be negative")
	}
	switch c.Models.Provider {
	case "anthropic", "ollama", "gemini":
	default:
		return fmt.Errorf("unknown models.provider %q (valid: anthropic, ollama, gemini)", c.Models.Provider)
	}
	return nil
}

// ResolveCommand returns the executable and arguments used to launch the
// tool server. An explicit Command wins; otherwise Script selects python
// for ".py" files and node for everything else.
func (s ServerConfig) ResolveCommand() (string, []string, error) {
	if s.Command != "" {
		return s.Command, s.Args, nil
	}
	if s.Script == "" {
		return "", nil, fmt.Errorf("server.command or server.script is required")
	}
	interp := "node"
	if strings.HasSuffix(s.Script, ".py") {
		interp = "python"
	}
	return interp, append([]string{s.Script}, s.Args...), nil
}

// CallTimeout returns the per-call tool timeout.
func (s ServerConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSec) * time.Second
}

// HandshakeTimeout returns the initialize timeout.
func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSec) * time.Second
}

// ShutdownGrace returns how long the server may take to exit after its
// stdin is closed.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// TranscriptPath returns the transcript database path, or "" when no
// data directory is configured.
func (c *Config) TranscriptPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "transcripts.db")
}
