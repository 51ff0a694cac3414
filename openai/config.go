package openai

import (
	"net/http"
	"time"

	"github.com/bitop-dev/modelexec/auth"
)

const Name = "openai"

type Config struct {
	APIKey string
	// Credentials, when set, supplies the bearer token instead of APIKey.
	Credentials auth.Provider

	BaseURL    string
	APIPrefix  string
	Headers    map[string]string
	HTTPClient *http.Client

	// MaxRetries is opt-in. Zero sends each request once.
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Tokenizer overrides the shared tokenizer for budget enforcement.
	Tokenizer interface{ Count(string) int }
	// ImageClient downloads image references; defaults to a 30s client.
	ImageClient *http.Client
}

func normalizeConfig(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/v1"
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
	if cfg.Credentials == nil && cfg.APIKey != "" {
		cfg.Credentials = auth.Static(cfg.APIKey)
	}
	return cfg
}
