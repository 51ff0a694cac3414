// Package auth supplies access tokens to backend adapters.
//
// A Provider may fail; adapters treat a failure as degraded authentication
// and continue without credentials rather than aborting the call.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Provider returns a bearer access token.
type Provider interface {
	AccessToken(ctx context.Context) (string, error)
}

type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token.
type Static string

func (s Static) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("auth: static token is empty")
	}
	return string(s), nil
}

// Token is a credential and its expiry. A zero ExpiresAt never expires.
type Token struct {
	Type      string
	Value     string
	ExpiresAt time.Time
}

// Source fetches a fresh token.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// Cache serves a Source's token until shortly before expiry. Concurrent
// callers that find the token stale share one in-flight refresh; the
// in-flight marker is cleared when that refresh finishes, successfully or
// not, so the next caller retries.
type Cache struct {
	Source Source
	// Skew refreshes this long before expiry.
	Skew  time.Duration
	Clock func() time.Time

	group singleflight.Group

	mu  sync.Mutex
	tok Token
}

func NewCache(src Source) *Cache {
	return &Cache{Source: src, Skew: 15 * time.Second}
}

func (c *Cache) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Cache) fresh(t Token) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return c.now().Add(c.Skew).Before(t.ExpiresAt)
}

func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	if c == nil || c.Source == nil {
		return "", errors.New("auth: cache has no source")
	}
	c.mu.Lock()
	tok := c.tok
	c.mu.Unlock()
	if c.fresh(tok) {
		return tok.Value, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		c.mu.Lock()
		cur := c.tok
		c.mu.Unlock()
		if c.fresh(cur) {
			return cur, nil
		}
		// The refresh outlives any single caller's cancellation.
		t, err := c.Source.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.tok = t
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Token).Value, nil
}

// Invalidate forgets the cached token.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tok = Token{}
	c.mu.Unlock()
}

// Header formats an Authorization header value.
func Header(tokenType, token string) string {
	if token == "" {
		return ""
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return strings.TrimSpace(tokenType) + " " + token
}

var (
	_ Provider = Static("")
	_ Provider = (*Cache)(nil)
	_ Provider = ProviderFunc(nil)
)
