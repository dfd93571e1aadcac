package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Consensus.MinValidators != 3 {
		t.Fatalf("min_validators = %d", cfg.Consensus.MinValidators)
	}
	if cfg.Consensus.ByzantineThreshold != 0.67 {
		t.Fatalf("byzantine_threshold = %v", cfg.Consensus.ByzantineThreshold)
	}
	if cfg.Consensus.MandateExpiryHours != 24 {
		t.Fatalf("mandate_expiry_hours = %d", cfg.Consensus.MandateExpiryHours)
	}
	if cfg.Bridge.Environment != "sandbox" {
		t.Fatalf("environment = %q", cfg.Bridge.Environment)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero validators", "consensus:\n  min_validators: 0\n  byzantine_threshold: 0.67\n  mandate_expiry_hours: 24\nbridge:\n  environment: sandbox\n  timeout_seconds: 30\n"},
		{"threshold over one", "consensus:\n  min_validators: 3\n  byzantine_threshold: 1.5\n  mandate_expiry_hours: 24\nbridge:\n  environment: sandbox\n  timeout_seconds: 30\n"},
		{"bad environment", "consensus:\n  min_validators: 3\n  byzantine_threshold: 0.67\n  mandate_expiry_hours: 24\nbridge:\n  environment: staging\n  timeout_seconds: 30\n"},
		{"webhook without url", "consensus:\n  min_validators: 3\n  byzantine_threshold: 0.67\n  mandate_expiry_hours: 24\nbridge:\n  environment: sandbox\n  timeout_seconds: 30\nwebhooks:\n  - secret: s\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		if _, err := FromYAML([]byte(tc.yaml)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when payline.yml is absent")
	}

	if err := os.WriteFile(filepath.Join(dir, "payline.yml"), []byte(GenerateDefault("production")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional after write: %v", err)
	}
	if cfg == nil || cfg.Bridge.Environment != "production" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
