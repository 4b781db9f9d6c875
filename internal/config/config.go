package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models orderline.yml.
type Config struct {
	Ledger struct {
		Name         string `yaml:"name"`
		BaseCurrency string `yaml:"base_currency"`
	} `yaml:"ledger"`
	Currencies []string `yaml:"currencies"`
	Accounts   struct {
		Cash                 string `yaml:"cash"`
		AccountsReceivable   string `yaml:"accounts_receivable"`
		Inventory            string `yaml:"inventory"`
		AccountsPayable      string `yaml:"accounts_payable"`
		AccountsPayableOther string `yaml:"accounts_payable_other"`
		Revenue              string `yaml:"revenue"`
		COGS                 string `yaml:"cogs"`
		AutonomyExpense      string `yaml:"autonomy_expense"`
	} `yaml:"accounts"`
	Governance struct {
		DefaultMaxAutoAmount string `yaml:"default_max_auto_amount"`
		PollInterval         string `yaml:"poll_interval"`
	} `yaml:"governance"`
	Execution struct {
		AutoProcure          bool   `yaml:"auto_procure"`
		ProcurementCostRatio string `yaml:"procurement_cost_ratio"`
		ServiceCostRatio     string `yaml:"service_cost_ratio"`
		PaymentTermsDays     int    `yaml:"payment_terms_days"`
	} `yaml:"execution"`
	Routing []RoutingRule `yaml:"routing"`
	Skills  []SkillDef    `yaml:"skills"`
	Finops  struct {
		VarianceTolerancePct string `yaml:"variance_tolerance_pct"`
	} `yaml:"finops"`
	Agents   []AgentDef      `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RoutingRule struct {
	Intent          string `yaml:"intent"`
	Kind            string `yaml:"kind"`
	PrimarySkill    string `yaml:"primary_skill"`
	PrimaryVersion  string `yaml:"primary_version"`
	FallbackSkill   string `yaml:"fallback_skill"`
	FallbackVersion string `yaml:"fallback_version"`
	MaxRetries      int    `yaml:"max_retries"`
	EscalationType  string `yaml:"escalation_type"`
}

type SkillDef struct {
	ID         string   `yaml:"id"`
	Version    string   `yaml:"version"`
	Capability string   `yaml:"capability"`
	Inputs     []string `yaml:"inputs"`
	Outputs    []string `yaml:"outputs"`
}

type AgentDef struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Governance bool   `yaml:"governance"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ol init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.Name == "" {
		return fmt.Errorf("config.ledger.name is required")
	}
	if c.Ledger.BaseCurrency == "" {
		return fmt.Errorf("config.ledger.base_currency is required")
	}
	if !c.CurrencySupported(c.Ledger.BaseCurrency) {
		return fmt.Errorf("config.currencies must include base currency %s", c.Ledger.BaseCurrency)
	}
	accounts := map[string]string{
		"cash":                   c.Accounts.Cash,
		"accounts_receivable":    c.Accounts.AccountsReceivable,
		"inventory":              c.Accounts.Inventory,
		"accounts_payable":       c.Accounts.AccountsPayable,
		"accounts_payable_other": c.Accounts.AccountsPayableOther,
		"revenue":                c.Accounts.Revenue,
		"cogs":                   c.Accounts.COGS,
		"autonomy_expense":       c.Accounts.AutonomyExpense,
	}
	for name, code := range accounts {
		if code == "" {
			return fmt.Errorf("config.accounts.%s is required", name)
		}
	}
	if _, err := decimal.NewFromString(c.Governance.DefaultMaxAutoAmount); err != nil {
		return fmt.Errorf("config.governance.default_max_auto_amount: %w", err)
	}
	if c.Governance.PollInterval != "" {
		if _, err := time.ParseDuration(c.Governance.PollInterval); err != nil {
			return fmt.Errorf("config.governance.poll_interval: %w", err)
		}
	}
	for _, field := range []struct{ name, v string }{
		{"execution.procurement_cost_ratio", c.Execution.ProcurementCostRatio},
		{"execution.service_cost_ratio", c.Execution.ServiceCostRatio},
		{"finops.variance_tolerance_pct", c.Finops.VarianceTolerancePct},
	} {
		d, err := decimal.NewFromString(field.v)
		if err != nil {
			return fmt.Errorf("config.%s: %w", field.name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("config.%s must not be negative", field.name)
		}
	}
	if c.Execution.PaymentTermsDays <= 0 {
		return fmt.Errorf("config.execution.payment_terms_days must be positive")
	}
	seen := map[string]bool{}
	for _, r := range c.Routing {
		if r.Intent == "" || r.Kind == "" {
			return fmt.Errorf("routing rule requires intent and kind")
		}
		key := r.Intent + "/" + r.Kind
		if r.Kind != "PRODUCT" && r.Kind != "SERVICE" && r.Kind != "ANY" {
			return fmt.Errorf("routing rule %s kind must be PRODUCT, SERVICE or ANY", key)
		}
		if seen[key] {
			return fmt.Errorf("duplicate routing rule for %s", key)
		}
		seen[key] = true
		if r.PrimarySkill == "" || r.PrimaryVersion == "" {
			return fmt.Errorf("routing rule %s requires a primary skill and version", key)
		}
		if r.MaxRetries < 0 {
			return fmt.Errorf("routing rule %s max_retries must not be negative", key)
		}
		if r.EscalationType == "" {
			return fmt.Errorf("routing rule %s requires escalation_type", key)
		}
		if (r.FallbackSkill == "") != (r.FallbackVersion == "") {
			return fmt.Errorf("routing rule %s fallback skill and version go together", key)
		}
	}
	for _, s := range c.Skills {
		if s.ID == "" || s.Version == "" || s.Capability == "" {
			return fmt.Errorf("skill definition requires id, version and capability")
		}
	}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent definition requires id")
		}
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook requires url")
		}
	}
	return nil
}

// CurrencySupported reports whether the ledger accepts the currency.
func (c *Config) CurrencySupported(currency string) bool {
	for _, cur := range c.Currencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// DefaultMaxAutoAmount returns the auto-approval ceiling applied when no
// per-action threshold has been configured.
func (c *Config) DefaultMaxAutoAmount() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Governance.DefaultMaxAutoAmount)
	return d
}

// PollInterval returns how often a parked orchestration re-checks its
// escalation for a decision.
func (c *Config) PollInterval() time.Duration {
	if c.Governance.PollInterval == "" {
		return 50 * time.Millisecond
	}
	d, _ := time.ParseDuration(c.Governance.PollInterval)
	return d
}

func (c *Config) ProcurementCostRatio() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Execution.ProcurementCostRatio)
	return d
}

func (c *Config) ServiceCostRatio() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Execution.ServiceCostRatio)
	return d
}

func (c *Config) VarianceTolerancePct() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Finops.VarianceTolerancePct)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orderline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ledgerName string) string {
	return fmt.Sprintf(defaultTemplate, ledgerName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a ledger.
func Default(ledgerName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ledgerName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  name: %s
  base_currency: USD

currencies: [USD, EUR]

accounts:
  cash: "1000"
  accounts_receivable: "1100"
  inventory: "1300"
  accounts_payable: "2100"
  accounts_payable_other: "2200"
  revenue: "4000"
  cogs: "5000"
  autonomy_expense: "5100"

governance:
  default_max_auto_amount: "1000000.00"
  poll_interval: 50ms

execution:
  auto_procure: true
  procurement_cost_ratio: "0.60"
  service_cost_ratio: "0.30"
  payment_terms_days: 30

routing:
  - intent: fulfill_order
    kind: PRODUCT
    primary_skill: warehouse.ship
    primary_version: v1
    fallback_skill: warehouse.ship-manual
    fallback_version: v1
    max_retries: 1
    escalation_type: ORDER_EXECUTION_PRODUCT

  - intent: fulfill_order
    kind: SERVICE
    primary_skill: delivery.execute
    primary_version: v1
    max_retries: 2
    escalation_type: ORDER_EXECUTION_SERVICE

skills:
  - id: warehouse.ship
    version: v1
    capability: fulfill_order/PRODUCT
    inputs: [item_code, quantity]
    outputs: [shipment_ref]
  - id: warehouse.ship-manual
    version: v1
    capability: fulfill_order/PRODUCT
    inputs: [item_code, quantity]
    outputs: [shipment_ref]
  - id: delivery.execute
    version: v1
    capability: fulfill_order/SERVICE
    inputs: [item_code]
    outputs: [delivery_ref]

finops:
  variance_tolerance_pct: "1.0"

agents:
  - id: sales-agent
    name: Sales
  - id: ops-agent
    name: Operations
  - id: board-agent
    name: Board
    governance: true
  - id: controller-agent
    name: Controller
    governance: true
`
