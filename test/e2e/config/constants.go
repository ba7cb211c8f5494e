// Package config provides configuration constants for e2e tests.
package config

import "time"

// Default connection URLs.
const (
	DefaultAPIURL     = "http://localhost:8000"
	DefaultMockLLMURL = "http://localhost:11434"
	DefaultNATSURL    = "nats://localhost:4222"
)

// Default timeouts.
const (
	DefaultSetupTimeout = 30 * time.Second
	DefaultStageTimeout = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultFrameTimeout = 10 * time.Second
)

// Mirror subjects published by the council server.
const (
	// SessionSubjectPrefix is the prefix for mirrored session events.
	// Full subject: council.session.{started|progress|result|failed|aborted}
	SessionSubjectPrefix = "council.session"

	// SessionSubjectWildcard captures every mirrored session event.
	SessionSubjectWildcard = "council.session.>"
)

// Council roster the e2e environment is provisioned with. The fixture
// directory contains opinion and review fixtures for each member plus a
// synthesis fixture for the chairman.
var (
	Members  = []string{"alpha", "beta", "gamma"}
	Chairman = "chair"
)

// Config holds the e2e test configuration.
type Config struct {
	APIURL       string        `json:"api_url"`
	MockLLMURL   string        `json:"mock_llm_url"`
	NATSURL      string        `json:"nats_url"`
	StageTimeout time.Duration `json:"stage_timeout"`
	SetupTimeout time.Duration `json:"setup_timeout"`
	FrameTimeout time.Duration `json:"frame_timeout"`
}

// DefaultConfig returns a Config with default values. The NATS URL is empty
// by default: the mirror scenario only runs when one is supplied.
func DefaultConfig() *Config {
	return &Config{
		APIURL:       DefaultAPIURL,
		MockLLMURL:   DefaultMockLLMURL,
		NATSURL:      "",
		StageTimeout: DefaultStageTimeout,
		SetupTimeout: DefaultSetupTimeout,
		FrameTimeout: DefaultFrameTimeout,
	}
}
