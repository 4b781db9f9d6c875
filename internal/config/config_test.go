package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orderline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("test-ledger")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Ledger.Name != "test-ledger" || cfg.Ledger.BaseCurrency != "USD" {
		t.Fatalf("unexpected ledger section: %+v", cfg.Ledger)
	}
	cfg.Routing[0].Kind = "ANY"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("ANY routing kind rejected: %v", err)
	}
	cfg.Routing[0].Kind = "PRODUCT"
	if len(cfg.Routing) != 2 || len(cfg.Skills) != 3 || len(cfg.Agents) != 4 {
		t.Fatalf("unexpected defaults: routing=%d skills=%d agents=%d", len(cfg.Routing), len(cfg.Skills), len(cfg.Agents))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Ledger.Name != "acme" {
		t.Fatalf("ledger name = %q", cfg.Ledger.Name)
	}
	if !cfg.Execution.AutoProcure || cfg.Execution.PaymentTermsDays != 30 {
		t.Fatalf("unexpected execution section: %+v", cfg.Execution)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing ledger name", func(c *config.Config) { c.Ledger.Name = "" }, "ledger.name"},
		{"missing base currency", func(c *config.Config) { c.Ledger.BaseCurrency = "" }, "base_currency"},
		{"base currency not listed", func(c *config.Config) { c.Ledger.BaseCurrency = "GBP" }, "must include base currency"},
		{"missing account", func(c *config.Config) { c.Accounts.Revenue = "" }, "accounts.revenue"},
		{"bad auto amount", func(c *config.Config) { c.Governance.DefaultMaxAutoAmount = "lots" }, "default_max_auto_amount"},
		{"bad poll interval", func(c *config.Config) { c.Governance.PollInterval = "soon" }, "poll_interval"},
		{"negative cost ratio", func(c *config.Config) { c.Execution.ProcurementCostRatio = "-0.1" }, "must not be negative"},
		{"zero payment terms", func(c *config.Config) { c.Execution.PaymentTermsDays = 0 }, "payment_terms_days"},
		{"duplicate routing rule", func(c *config.Config) { c.Routing = append(c.Routing, c.Routing[0]) }, "duplicate routing rule"},
		{"routing with unknown kind", func(c *config.Config) { c.Routing[0].Kind = "BUNDLE" }, "kind must be PRODUCT, SERVICE or ANY"},
		{"routing without primary", func(c *config.Config) { c.Routing[0].PrimarySkill = "" }, "primary skill"},
		{"routing without escalation type", func(c *config.Config) { c.Routing[0].EscalationType = "" }, "escalation_type"},
		{"fallback version without skill", func(c *config.Config) { c.Routing[0].FallbackSkill = "" }, "fallback skill and version go together"},
		{"negative retries", func(c *config.Config) { c.Routing[0].MaxRetries = -1 }, "max_retries"},
		{"skill without capability", func(c *config.Config) { c.Skills[0].Capability = "" }, "capability"},
		{"agent without id", func(c *config.Config) { c.Agents[0].ID = "" }, "agent definition"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = append(c.Webhooks, config.WebhookConfig{Secret: "s"})
		}, "webhook requires url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("test-ledger")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestCurrencySupported(t *testing.T) {
	cfg := config.Default("test-ledger")
	if !cfg.CurrencySupported("USD") || !cfg.CurrencySupported("EUR") {
		t.Fatalf("expected default currencies supported")
	}
	if cfg.CurrencySupported("GBP") {
		t.Fatalf("GBP should not be supported")
	}
}

func TestPollIntervalDefault(t *testing.T) {
	cfg := config.Default("test-ledger")
	cfg.Governance.PollInterval = ""
	if got := cfg.PollInterval(); got != 50*time.Millisecond {
		t.Fatalf("default poll interval = %s", got)
	}
	cfg.Governance.PollInterval = "2s"
	if got := cfg.PollInterval(); got != 2*time.Second {
		t.Fatalf("poll interval = %s", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "ol init") {
		t.Fatalf("expected missing-config hint, got %v", err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "orderline.yml"), []byte(config.GenerateDefault("acme")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Name != "acme" {
		t.Fatalf("ledger name = %q", cfg.Ledger.Name)
	}
	opt, err := config.LoadOptional(t.TempDir())
	if err != nil || opt != nil {
		t.Fatalf("expected nil,nil for absent optional config, got %v,%v", opt, err)
	}
}
