package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientCredentials_CachedByCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != "a b" {
			t.Errorf("form=%v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"t1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	c := NewCache(&ClientCredentials{
		TokenURL:     srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		Scopes:       []string{"a", "b"},
		Clock:        clock,
	})
	c.Clock = clock

	for i := 0; i < 2; i++ {
		tok, err := c.AccessToken(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "t1" {
			t.Fatalf("token=%q", tok)
		}
	}
	if calls != 1 {
		t.Fatalf("token calls=%d", calls)
	}

	now = now.Add(time.Hour)
	if _, err := c.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected refresh after expiry, calls=%d", calls)
	}
}

func TestClientCredentials_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	_, err := (&ClientCredentials{TokenURL: srv.URL, ClientID: "id", ClientSecret: "bad"}).Fetch(context.Background())
	var te *TokenError
	if !errors.As(err, &te) || te.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err=%v", err)
	}
}

func TestCache_ConcurrentCallersShareRefresh(t *testing.T) {
	var fetches atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	src := SourceFunc(func(ctx context.Context) (Token, error) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		<-release
		return Token{Value: "shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	c := NewCache(src)

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.AccessToken(context.Background())
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "shared" {
			t.Fatalf("caller %d: token=%q err=%v", i, results[i], errs[i])
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches=%d", got)
	}
}

func TestCache_RetriesAfterFailure(t *testing.T) {
	var fetches int
	src := SourceFunc(func(ctx context.Context) (Token, error) {
		fetches++
		if fetches == 1 {
			return Token{}, errors.New("boom")
		}
		return Token{Value: "ok"}, nil
	})
	c := NewCache(src)

	if _, err := c.AccessToken(context.Background()); err == nil {
		t.Fatal("expected first refresh to fail")
	}
	tok, err := c.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "ok" || fetches != 2 {
		t.Fatalf("token=%q fetches=%d", tok, fetches)
	}
}

func TestCache_RefreshSurvivesCallerCancel(t *testing.T) {
	src := SourceFunc(func(ctx context.Context) (Token, error) {
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}
		return Token{Value: "v"}, nil
	})
	c := NewCache(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tok, err := c.AccessToken(ctx)
	if err != nil || tok != "v" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
}

func TestStatic(t *testing.T) {
	if _, err := Static("").AccessToken(context.Background()); err == nil {
		t.Fatal("expected error for empty static token")
	}
	if tok, _ := Static("k").AccessToken(context.Background()); tok != "k" {
		t.Fatalf("token=%q", tok)
	}
	if got := Header("", "k"); got != "Bearer k" {
		t.Fatalf("header=%q", got)
	}
}
