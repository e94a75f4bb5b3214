package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testBech32Address = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
const testBase58Address = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
payment_address: "`+testBech32Address+`"
endpoints:
  - name: primary
    url: https://rpc.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":8277" {
		t.Fatalf("unexpected listen address: %s", cfg.ListenAddress)
	}
	if cfg.PricePerItem != "0.00500000" {
		t.Fatalf("unexpected price: %s", cfg.PricePerItem)
	}
	if cfg.MaxSupply != 5000 || cfg.MaxQuantity != 20 {
		t.Fatalf("unexpected caps: %d/%d", cfg.MaxSupply, cfg.MaxQuantity)
	}
	if cfg.SessionTimeout.Duration != 10*time.Minute {
		t.Fatalf("unexpected session timeout: %s", cfg.SessionTimeout.Duration)
	}
	if cfg.PaymentPendingTimeout.Duration != 24*time.Hour {
		t.Fatalf("unexpected payment pending timeout: %s", cfg.PaymentPendingTimeout.Duration)
	}
	if cfg.Observer.BlockInterval.Duration != 120*time.Second {
		t.Fatalf("unexpected block interval: %s", cfg.Observer.BlockInterval.Duration)
	}
	if cfg.Observer.SweepInterval.Duration != 60*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.Observer.SweepInterval.Duration)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].DailyLimit != 50_000 {
		t.Fatalf("unexpected endpoints: %+v", cfg.Endpoints)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
database: /tmp/original.sqlite
payment_address: "`+testBech32Address+`"
endpoints:
  - name: primary
    url: https://rpc.example.com
`)
	t.Setenv("DATABASE_PATH", "/tmp/override.sqlite")
	t.Setenv("PORT", "8080")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabasePath != "/tmp/override.sqlite" {
		t.Fatalf("DATABASE_PATH override not applied: %s", cfg.DatabasePath)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("PORT override not applied: %s", cfg.ListenAddress)
	}
}

func TestLoadDurationsAndEndpoints(t *testing.T) {
	path := writeConfig(t, `
payment_address: "`+testBase58Address+`"
session_timeout: 5m
payment_pending_timeout: 12h
observer:
  block_interval: 90s
  sweep_interval: 30s
endpoints:
  - name: a
    url: https://a.example.com
    daily_limit: 1000
  - name: b
    url: https://b.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SessionTimeout.Duration != 5*time.Minute {
		t.Fatalf("unexpected session timeout: %s", cfg.SessionTimeout.Duration)
	}
	if cfg.PaymentPendingTimeout.Duration != 12*time.Hour {
		t.Fatalf("unexpected payment pending timeout: %s", cfg.PaymentPendingTimeout.Duration)
	}
	if cfg.Observer.BlockInterval.Duration != 90*time.Second {
		t.Fatalf("unexpected block interval: %s", cfg.Observer.BlockInterval.Duration)
	}
	if cfg.Endpoints[0].DailyLimit != 1000 {
		t.Fatalf("explicit daily limit overridden: %d", cfg.Endpoints[0].DailyLimit)
	}
	if cfg.Endpoints[1].DailyLimit != 50_000 {
		t.Fatalf("default daily limit not applied: %d", cfg.Endpoints[1].DailyLimit)
	}
}

func TestLoadRejectsMissingAddress(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: primary
    url: https://rpc.example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "payment_address") {
		t.Fatalf("expected payment_address error, got %v", err)
	}
}

func TestLoadRejectsInvalidAddress(t *testing.T) {
	path := writeConfig(t, `
payment_address: "not-an-address"
endpoints:
  - name: primary
    url: https://rpc.example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "not a valid ledger address") {
		t.Fatalf("expected address validation error, got %v", err)
	}
}

func TestLoadRejectsMissingEndpoints(t *testing.T) {
	path := writeConfig(t, `
payment_address: "`+testBech32Address+`"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "rpc endpoint") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}

func TestLoadRejectsDuplicateEndpointNames(t *testing.T) {
	path := writeConfig(t, `
payment_address: "`+testBech32Address+`"
endpoints:
  - name: primary
    url: https://a.example.com
  - name: primary
    url: https://b.example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate endpoint error, got %v", err)
	}
}

func TestValidAddress(t *testing.T) {
	cases := []struct {
		address string
		want    bool
	}{
		{testBech32Address, true},
		{testBase58Address, true},
		{"", false},
		{"bc1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqq", false},
		{"hello world", false},
	}
	for _, tc := range cases {
		if got := ValidAddress(tc.address); got != tc.want {
			t.Fatalf("ValidAddress(%q) = %v, want %v", tc.address, got, tc.want)
		}
	}
}
