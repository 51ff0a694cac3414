package modelexec

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/bitop-dev/modelexec/plugin"
)

func requireIntegration(t *testing.T) *Config {
	t.Helper()

	_ = godotenv.Load()

	if os.Getenv("MODELEXEC_INTEGRATION") == "" {
		t.Skip("set MODELEXEC_INTEGRATION=1 to run integration tests")
	}
	path := os.Getenv("MODELEXEC_CONFIG")
	if path == "" {
		t.Skip("set MODELEXEC_CONFIG to a model catalog to run integration tests")
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func integrationModel(t *testing.T, cfg *Config) string {
	t.Helper()
	name := os.Getenv("MODELEXEC_MODEL")
	if name == "" && len(cfg.Models) > 0 {
		name = cfg.Models[0].Name
	}
	if name == "" {
		t.Skip("catalog has no models")
	}
	return name
}

func TestIntegration_Generate(t *testing.T) {
	cfg := requireIntegration(t)
	client, err := NewClientFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	req, err := cfg.Request(integrationModel(t, cfg), plugin.UserMessage("Say the word 'ok' and nothing else."))
	if err != nil {
		t.Fatal(err)
	}
	res, err := client.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("call failed: %v", res.Failure)
	}
	if !strings.Contains(strings.ToLower(res.Text), "ok") {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestIntegration_Stream(t *testing.T) {
	cfg := requireIntegration(t)
	client, err := NewClientFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	req, err := cfg.Request(integrationModel(t, cfg), plugin.UserMessage("Count from 1 to 3."))
	if err != nil {
		t.Fatal(err)
	}
	s, err := client.Stream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var b strings.Builder
	for s.Next() {
		if d := s.Delta(); d.Kind == plugin.DeltaContent {
			b.WriteString(d.Text)
		}
	}
	if s.Result() == nil || s.Result().Failed() {
		t.Fatalf("result=%+v", s.Result())
	}
	if b.Len() == 0 {
		t.Fatal("expected streamed text")
	}
}
