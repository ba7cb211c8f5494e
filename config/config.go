// Package config provides configuration loading and management for the council service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete council service configuration
type Config struct {
	Council CouncilConfig `yaml:"council"`
	Server  ServerConfig  `yaml:"server"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Log     LogConfig     `yaml:"log"`
}

// Duration is a time.Duration that YAML encodes as a Go duration string
// ("90s", "15m") and decodes from either a string or integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML decodes a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}

	return fmt.Errorf("invalid duration %q", value.Value)
}

// MemberConfig identifies one model endpoint participating in the council
type MemberConfig struct {
	// Name is the model identifier passed to the serving endpoint (e.g., "llama3.2")
	Name string `yaml:"name"`
	// URL is the base URL of the member's serving endpoint
	URL string `yaml:"url"`
	// Provider selects the endpoint API shape (default: "ollama")
	Provider string `yaml:"provider"`
	// Temperature overrides the council-wide temperature for this member
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// CouncilConfig configures the deliberating council
type CouncilConfig struct {
	// Members is the ordered list of council members queried in stages 1 and 2
	Members []MemberConfig `yaml:"members"`
	// Chairman is the model that produces the final synthesis
	Chairman MemberConfig `yaml:"chairman"`
	// Temperature controls randomness for members without their own setting
	Temperature float64 `yaml:"temperature"`
	// QueryTimeout bounds each individual model call
	QueryTimeout Duration `yaml:"query_timeout"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Host is the listen address
	Host string `yaml:"host"`
	// Port is the listen port
	Port int `yaml:"port"`
	// SessionIdleTimeout closes a session that receives no query in time
	SessionIdleTimeout Duration `yaml:"session_idle_timeout"`
}

// MirrorConfig configures the optional NATS event mirror
type MirrorConfig struct {
	// URL is the NATS server URL (empty = mirroring disabled)
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to all published subjects
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures logging output
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Council: CouncilConfig{
			Members: []MemberConfig{
				{Name: "llama3.2", URL: "http://localhost:11434", Provider: "ollama"},
				{Name: "gemma3:1b", URL: "http://localhost:11434", Provider: "ollama"},
				{Name: "qwen3:1.7b", URL: "http://localhost:11434", Provider: "ollama"},
			},
			Chairman:     MemberConfig{Name: "qwen3:4b", URL: "http://localhost:11434", Provider: "ollama"},
			Temperature:  0.7,
			QueryTimeout: Duration(15 * time.Minute),
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			SessionIdleTimeout: Duration(5 * time.Minute),
		},
		Mirror: MirrorConfig{
			URL:           "", // Disabled
			SubjectPrefix: "council",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if len(c.Council.Members) == 0 {
		return fmt.Errorf("council.members must not be empty")
	}
	seen := make(map[string]bool, len(c.Council.Members))
	for i, m := range c.Council.Members {
		if m.Name == "" {
			return fmt.Errorf("council.members[%d].name is required", i)
		}
		if m.URL == "" {
			return fmt.Errorf("council.members[%d].url is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("council.members[%d].name %q is duplicated", i, m.Name)
		}
		seen[m.Name] = true
		if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
			return fmt.Errorf("council.members[%d].temperature must be between 0 and 2", i)
		}
	}
	if c.Council.Chairman.Name == "" {
		return fmt.Errorf("council.chairman.name is required")
	}
	if c.Council.Chairman.URL == "" {
		return fmt.Errorf("council.chairman.url is required")
	}
	if c.Council.Temperature < 0 || c.Council.Temperature > 2 {
		return fmt.Errorf("council.temperature must be between 0 and 2")
	}
	if c.Council.QueryTimeout <= 0 {
		return fmt.Errorf("council.query_timeout must be positive")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Council
	if len(other.Council.Members) > 0 {
		c.Council.Members = other.Council.Members
	}
	if other.Council.Chairman.Name != "" {
		c.Council.Chairman.Name = other.Council.Chairman.Name
	}
	if other.Council.Chairman.URL != "" {
		c.Council.Chairman.URL = other.Council.Chairman.URL
	}
	if other.Council.Chairman.Provider != "" {
		c.Council.Chairman.Provider = other.Council.Chairman.Provider
	}
	if other.Council.Temperature != 0 {
		c.Council.Temperature = other.Council.Temperature
	}
	if other.Council.QueryTimeout != 0 {
		c.Council.QueryTimeout = other.Council.QueryTimeout
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.SessionIdleTimeout != 0 {
		c.Server.SessionIdleTimeout = other.Server.SessionIdleTimeout
	}

	// Mirror
	if other.Mirror.URL != "" {
		c.Mirror.URL = other.Mirror.URL
	}
	if other.Mirror.SubjectPrefix != "" {
		c.Mirror.SubjectPrefix = other.Mirror.SubjectPrefix
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MirrorEnabled reports whether event mirroring is configured.
func (c *Config) MirrorEnabled() bool {
	return c.Mirror.URL != ""
}
