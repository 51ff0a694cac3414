package agent

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bitop-dev/modelexec/auth"
)

const Name = "agent"

type Config struct {
	BaseURL     string
	APIKey      string
	Credentials auth.Provider
	Headers     map[string]string
	HTTPClient  *http.Client

	// PollInterval and MaxAttempts bound the wait for a run. The effective
	// timeout is their product.
	PollInterval time.Duration
	MaxAttempts  int

	// MaxRetries is opt-in. Zero sends each request once.
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration

	Tokenizer interface{ Count(string) int }
	Logger    *slog.Logger
}

func normalizeConfig(cfg Config) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
