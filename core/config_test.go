package core

import (
	"context"
	"testing"
	"time"
)

func validRawConfig() map[string]any {
	return map[string]any{
		"webhook": map[string]any{
			"secret": "s3cr3t",
		},
		"rules": []any{
			map[string]any{
				"repo_full_name":  "acme/catalog",
				"accepted_events": []any{"pull_request/opened"},
				"pipeline_name":   "certify",
				"max_capacity":    3,
				"callback_url":    "https://ci.example.com/certify",
			},
		},
	}
}

func TestLoadConfig_AppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), StaticConfig(validRawConfig()), map[string]any{
		"server": map[string]any{"address": ":9999"},
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "dispatcher" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("expected runtime override address, got %q", cfg.Server.Address)
	}
	if cfg.Webhook.Secret != "s3cr3t" {
		t.Fatalf("expected loaded secret")
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].MaxCapacity != 3 {
		t.Fatalf("expected decoded rule, got %#v", cfg.Rules)
	}
	if cfg.Lease.MaxRetries != 8 {
		t.Fatalf("expected default lease retries 8, got %d", cfg.Lease.MaxRetries)
	}
}

func TestConfigValidate_RequiresSecretAndRules(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	cfg.Webhook.Secret = "s"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing rules to fail")
	}
	cfg.Rules = []DispatchRule{testRule("acme/catalog", "certify", "push")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cfg.Lease.TTL = "forever"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}

func TestConfigValidate_RejectsAmbiguousRulesAtStartup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhook.Secret = "s"
	cfg.Rules = []DispatchRule{
		testRule("acme/catalog", "certify", "push"),
		testRule("acme/catalog", "other", "push/*"),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected ambiguous rules to fail validation")
	}
}

func TestParseDurationOr(t *testing.T) {
	if got := ParseDurationOr("", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := ParseDurationOr("250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	if got := ParseDurationOr("-1s", time.Second); got != time.Second {
		t.Fatalf("expected fallback for negative duration, got %s", got)
	}
}
