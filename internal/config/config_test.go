package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Escrow.DefaultToken != "ETH" {
		t.Fatalf("unexpected default token %q", cfg.Escrow.DefaultToken)
	}
	if cfg.Insurance.CompensationBPS != 2000 {
		t.Fatalf("unexpected compensation bps %d", cfg.Insurance.CompensationBPS)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("arbiters: [judge]\ninsurance:\n  compensation_bps: 5000\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Arbiters) != 1 || cfg.Arbiters[0] != "judge" {
		t.Fatalf("arbiters not parsed: %v", cfg.Arbiters)
	}
	if cfg.Insurance.PremiumBPS != 200 {
		t.Fatalf("premium default lost: %d", cfg.Insurance.PremiumBPS)
	}
	if cfg.Escrow.DefaultToken != "ETH" {
		t.Fatalf("default token lost: %q", cfg.Escrow.DefaultToken)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bps over limit":     "insurance:\n  premium_bps: 10001\n",
		"negative comp":      "insurance:\n  compensation_bps: -1\n",
		"token not allowed":  "escrow:\n  default_token: ETH\n  tokens: [USDC]\n",
		"empty arbiter":      "arbiters: [\"\"]\n",
		"bad poll interval":  "nats:\n  poll_interval: soon\n",
		"nats without topic": "nats:\n  url: nats://localhost:4222\n  subject_prefix: \"\"\n",
		"zero export":        "telemetry:\n  export_interval: 0s\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestInsuranceAmounts(t *testing.T) {
	ins := Insurance{PremiumBPS: 200, CompensationBPS: 2000}
	reward := decimal.NewFromInt(100)
	if got := ins.Premium(reward); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("premium = %s", got)
	}
	if got := ins.Compensation(reward); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("compensation = %s", got)
	}
	if got := ins.Compensation(decimal.RequireFromString("0.5")); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("fractional compensation = %s", got)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "escrowline.yml"), []byte("escrow:\n  default_token: USDC\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Escrow.DefaultToken != "USDC" {
		t.Fatalf("token not loaded: %q", cfg.Escrow.DefaultToken)
	}
}
