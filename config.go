package modelexec

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bitop-dev/modelexec/agent"
	"github.com/bitop-dev/modelexec/auth"
	"github.com/bitop-dev/modelexec/gemini"
	"github.com/bitop-dev/modelexec/openai"
	"github.com/bitop-dev/modelexec/plugin"
	"github.com/bitop-dev/modelexec/vertex"
)

// Config is the model catalog plus per-backend connection settings. String
// values may reference environment variables as ${NAME}; a .env file in the
// working directory is loaded first.
type Config struct {
	OpenAI *OpenAIConfig `yaml:"openai,omitempty"`
	Vertex *VertexConfig `yaml:"vertex,omitempty"`
	Gemini *GeminiConfig `yaml:"gemini,omitempty"`
	Agent  *AgentConfig  `yaml:"agent,omitempty"`

	Models []ModelConfig `yaml:"models"`
}

type OpenAIConfig struct {
	BaseURL    string `yaml:"base_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

type VertexConfig struct {
	Project     string       `yaml:"project"`
	Region      string       `yaml:"region,omitempty"`
	BaseURL     string       `yaml:"base_url,omitempty"`
	AccessToken string       `yaml:"access_token,omitempty"`
	OAuth       *OAuthConfig `yaml:"oauth,omitempty"`
}

type GeminiConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
}

type AgentConfig struct {
	BaseURL      string        `yaml:"base_url,omitempty"`
	APIKey       string        `yaml:"api_key,omitempty"`
	OAuth        *OAuthConfig  `yaml:"oauth,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
}

// OAuthConfig selects the client credentials grant. Tokens are cached and
// refreshed once per expiry across concurrent calls.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// ModelConfig describes one callable model.
type ModelConfig struct {
	Name              string `yaml:"name"`
	Type              string `yaml:"type"`
	Model             string `yaml:"model"`
	MaxPromptTokens   int    `yaml:"max_prompt_tokens,omitempty"`
	MaxOutputTokens   int    `yaml:"max_output_tokens,omitempty"`
	SupportsStreaming bool   `yaml:"supports_streaming,omitempty"`
	Truncation        string `yaml:"truncation,omitempty"`
}

func (m ModelConfig) Capabilities() plugin.Capabilities {
	return plugin.Capabilities{
		Type:              m.Type,
		Model:             m.Model,
		MaxPromptTokens:   m.MaxPromptTokens,
		MaxOutputTokens:   m.MaxOutputTokens,
		SupportsStreaming: m.SupportsStreaming,
	}
}

// LoadConfig reads a YAML catalog from path.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load() // ignore error if no .env

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i, m := range c.Models {
		field := fmt.Sprintf("models[%d]", i)
		if m.Name == "" {
			return plugin.Configf(field, "name is required")
		}
		if seen[m.Name] {
			return plugin.Configf(field, "duplicate model %q", m.Name)
		}
		seen[m.Name] = true
		if m.Model == "" {
			return plugin.Configf(field, "model %q has no upstream model", m.Name)
		}
		switch m.Type {
		case openai.Name, vertex.Name, gemini.Name, agent.Name:
		default:
			return plugin.Configf(field, "model %q has unknown type %q", m.Name, m.Type)
		}
		if !plugin.TruncationPolicy(m.Truncation).Valid() {
			return plugin.Configf(field, "model %q has unknown truncation %q", m.Name, m.Truncation)
		}
	}
	if c.Vertex != nil && c.Vertex.Project == "" {
		return plugin.Configf("vertex.project", "project is required")
	}
	return nil
}

// Model looks up a catalog entry by name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Request starts a canonical request for the named catalog model with its
// capability and truncation policy applied.
func (c *Config) Request(name string, msgs ...plugin.Message) (*plugin.ConversationRequest, error) {
	m, ok := c.Model(name)
	if !ok {
		return nil, plugin.Configf("model", "model %q is not in the catalog", name)
	}
	return &plugin.ConversationRequest{
		Model:    m.Capabilities(),
		Messages: msgs,
		Params:   plugin.Params{Truncation: plugin.TruncationPolicy(m.Truncation)},
	}, nil
}

// NewClientFromConfig registers an adapter for every configured backend on a
// fresh registry.
func NewClientFromConfig(cfg *Config, hook plugin.Hook, httpClient *http.Client) (*Client, error) {
	reg := plugin.NewRegistry()
	register := func(p plugin.Plugin) error {
		if err := reg.Register(p.Name(), p); err != nil {
			return fmt.Errorf("register %s: %w", p.Name(), err)
		}
		return nil
	}

	if c := cfg.OpenAI; c != nil {
		if err := register(openai.New(openai.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			MaxRetries: c.MaxRetries,
			HTTPClient: httpClient,
		})); err != nil {
			return nil, err
		}
	}
	if c := cfg.Vertex; c != nil {
		if err := register(vertex.New(vertex.Config{
			Project:     c.Project,
			Region:      c.Region,
			BaseURL:     c.BaseURL,
			Credentials: credentials(c.AccessToken, c.OAuth, httpClient),
			HTTPClient:  httpClient,
		})); err != nil {
			return nil, err
		}
	}
	if c := cfg.Gemini; c != nil {
		if err := register(gemini.New(gemini.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			HTTPClient: httpClient,
		})); err != nil {
			return nil, err
		}
	}
	if c := cfg.Agent; c != nil {
		if err := register(agent.New(agent.Config{
			BaseURL:      c.BaseURL,
			Credentials:  credentials(c.APIKey, c.OAuth, httpClient),
			PollInterval: c.PollInterval,
			MaxAttempts:  c.MaxAttempts,
			HTTPClient:   httpClient,
		})); err != nil {
			return nil, err
		}
	}
	return NewClient(reg, hook), nil
}

func credentials(token string, oauth *OAuthConfig, httpClient *http.Client) auth.Provider {
	if oauth != nil {
		return auth.NewCache(&auth.ClientCredentials{
			TokenURL:     oauth.TokenURL,
			ClientID:     oauth.ClientID,
			ClientSecret: oauth.ClientSecret,
			Scopes:       oauth.Scopes,
			HTTPClient:   httpClient,
		})
	}
	if token != "" {
		return auth.Static(token)
	}
	return nil
}
