package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientCredentials fetches tokens with the OAuth 2.0 client credentials
// grant. Wrap it in a Cache to reuse tokens across calls.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ExtraForm    map[string]string
	HTTPClient   *http.Client
	Clock        func() time.Time
}

type TokenError struct {
	StatusCode int
	Body       []byte
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("auth: token endpoint status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

func (p *ClientCredentials) Fetch(ctx context.Context) (Token, error) {
	if p.TokenURL == "" {
		return Token{}, fmt.Errorf("auth: TokenURL is required")
	}
	if p.ClientID == "" || p.ClientSecret == "" {
		return Token{}, fmt.Errorf("auth: ClientID and ClientSecret are required")
	}
	now := time.Now
	if p.Clock != nil {
		now = p.Clock
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	if len(p.Scopes) > 0 {
		form.Set("scope", strings.Join(p.Scopes, " "))
	}
	for k, v := range p.ExtraForm {
		if k != "" && v != "" {
			form.Set(k, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &TokenError{StatusCode: resp.StatusCode, Body: body}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, err
	}
	if parsed.AccessToken == "" {
		return Token{}, fmt.Errorf("auth: empty access_token")
	}

	exp := now().Add(1 * time.Hour)
	if parsed.ExpiresIn > 0 {
		exp = now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return Token{Type: parsed.TokenType, Value: parsed.AccessToken, ExpiresAt: exp}, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Token, error)

func (f SourceFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

var (
	_ Source = (*ClientCredentials)(nil)
	_ Source = SourceFunc(nil)
)
