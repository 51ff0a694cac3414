package vertex

import (
	"net/http"
	"time"

	"github.com/bitop-dev/modelexec/auth"
)

const (
	Name = "vertex"

	defaultAnthropicVersion = "vertex-2023-10-16"
	defaultMaxTokens        = 4096
)

type Config struct {
	Project string
	Region  string
	// BaseURL defaults to the regional aiplatform endpoint.
	BaseURL string

	// Credentials supplies Google access tokens. A failed refresh degrades
	// to an unauthenticated call.
	Credentials auth.Provider

	AnthropicVersion string
	Headers          map[string]string
	HTTPClient       *http.Client

	// MaxRetries is opt-in. Zero sends each request once.
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Tokenizer   interface{ Count(string) int }
	ImageClient *http.Client
}

func normalizeConfig(cfg Config) Config {
	if cfg.Region == "" {
		cfg.Region = "us-east5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.Region + "-aiplatform.googleapis.com"
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return cfg
}
