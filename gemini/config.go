package gemini

import (
	"net/http"
	"time"

	"github.com/bitop-dev/modelexec/auth"
)

const Name = "gemini"

type Config struct {
	// APIKey is sent as x-goog-api-key. When empty, Credentials supply a
	// bearer token instead.
	APIKey      string
	Credentials auth.Provider

	BaseURL    string
	APIVersion string
	Headers    map[string]string
	HTTPClient *http.Client

	// MaxRetries is opt-in. Zero sends each request once.
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Tokenizer   interface{ Count(string) int }
	ImageClient *http.Client
}

func normalizeConfig(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1beta"
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
