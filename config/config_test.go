package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Council.Members) != 3 {
		t.Fatalf("expected 3 default members, got %d", len(cfg.Council.Members))
	}
	if cfg.Council.Members[0].Name != "llama3.2" {
		t.Errorf("expected first member llama3.2, got %s", cfg.Council.Members[0].Name)
	}
	if cfg.Council.Chairman.Name != "qwen3:4b" {
		t.Errorf("expected chairman qwen3:4b, got %s", cfg.Council.Chairman.Name)
	}
	if cfg.Council.Temperature != 0.7 {
		t.Errorf("expected default temperature 0.7, got %f", cfg.Council.Temperature)
	}
	if cfg.Council.QueryTimeout.Std() != 15*time.Minute {
		t.Errorf("expected query timeout 15m, got %v", cfg.Council.QueryTimeout)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
	if cfg.MirrorEnabled() {
		t.Error("expected mirroring disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no members",
			modify:  func(c *Config) { c.Council.Members = nil },
			wantErr: true,
		},
		{
			name:    "member missing name",
			modify:  func(c *Config) { c.Council.Members[1].Name = "" },
			wantErr: true,
		},
		{
			name:    "member missing url",
			modify:  func(c *Config) { c.Council.Members[2].URL = "" },
			wantErr: true,
		},
		{
			name: "duplicate member name",
			modify: func(c *Config) {
				c.Council.Members[1].Name = c.Council.Members[0].Name
			},
			wantErr: true,
		},
		{
			name:    "missing chairman name",
			modify:  func(c *Config) { c.Council.Chairman.Name = "" },
			wantErr: true,
		},
		{
			name:    "missing chairman url",
			modify:  func(c *Config) { c.Council.Chairman.URL = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Council.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Council.Temperature = 2.1 },
			wantErr: true,
		},
		{
			name: "member temperature out of range",
			modify: func(c *Config) {
				bad := 3.0
				c.Council.Members[0].Temperature = &bad
			},
			wantErr: true,
		},
		{
			name:    "zero query timeout",
			modify:  func(c *Config) { c.Council.QueryTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationYAML(t *testing.T) {
	var out struct {
		Timeout Duration `yaml:"timeout"`
	}

	if err := yaml.Unmarshal([]byte("timeout: 90s"), &out); err != nil {
		t.Fatalf("unmarshal duration string: %v", err)
	}
	if out.Timeout.Std() != 90*time.Second {
		t.Errorf("expected 90s, got %v", out.Timeout)
	}

	if err := yaml.Unmarshal([]byte("timeout: 1500000000"), &out); err != nil {
		t.Fatalf("unmarshal integer nanoseconds: %v", err)
	}
	if out.Timeout.Std() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", out.Timeout)
	}

	if err := yaml.Unmarshal([]byte("timeout: whenever"), &out); err == nil {
		t.Error("expected error for invalid duration string")
	}

	data, err := yaml.Marshal(Duration(15 * time.Minute))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.TrimSpace(string(data)) != "15m0s" {
		t.Errorf("expected 15m0s, got %q", data)
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
council:
  members:
    - name: "model-a"
      url: "http://node-a:11434"
    - name: "model-b"
      url: "http://node-b:11434"
      temperature: 0.3
  chairman:
    name: "model-c"
    url: "http://node-c:11434"
  temperature: 0.5
  query_timeout: 10m
server:
  host: "127.0.0.1"
  port: 9000
mirror:
  url: "nats://test:4222"
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if len(cfg.Council.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(cfg.Council.Members))
	}
	if cfg.Council.Members[0].Name != "model-a" {
		t.Errorf("expected first member model-a, got %s", cfg.Council.Members[0].Name)
	}
	if cfg.Council.Members[1].Temperature == nil || *cfg.Council.Members[1].Temperature != 0.3 {
		t.Errorf("expected member-b temperature 0.3, got %v", cfg.Council.Members[1].Temperature)
	}
	if cfg.Council.Chairman.Name != "model-c" {
		t.Errorf("expected chairman model-c, got %s", cfg.Council.Chairman.Name)
	}
	if cfg.Council.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.Council.Temperature)
	}
	if cfg.Council.QueryTimeout.Std() != 10*time.Minute {
		t.Errorf("expected query timeout 10m, got %v", cfg.Council.QueryTimeout)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("expected listen addr 127.0.0.1:9000, got %s", cfg.ListenAddr())
	}
	if cfg.Mirror.URL != "nats://test:4222" {
		t.Errorf("expected mirror URL nats://test:4222, got %s", cfg.Mirror.URL)
	}
	if !cfg.MirrorEnabled() {
		t.Error("expected mirroring enabled")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Council: CouncilConfig{
			Members: []MemberConfig{
				{Name: "override-model", URL: "http://override:11434"},
			},
		},
		Log: LogConfig{
			Level: "debug",
		},
	}

	base.Merge(override)

	if len(base.Council.Members) != 1 || base.Council.Members[0].Name != "override-model" {
		t.Errorf("expected member list replaced by override, got %+v", base.Council.Members)
	}
	// Chairman should remain from base since override didn't set it
	if base.Council.Chairman.Name != "qwen3:4b" {
		t.Errorf("expected chairman to remain default, got %s", base.Council.Chairman.Name)
	}
	if base.Council.QueryTimeout.Std() != 15*time.Minute {
		t.Errorf("expected query timeout to remain default, got %v", base.Council.QueryTimeout)
	}
	if base.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", base.Log.Level)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Council.Chairman.Name = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Council.Chairman.Name != "saved-model" {
		t.Errorf("expected chairman saved-model, got %s", loaded.Council.Chairman.Name)
	}
}
