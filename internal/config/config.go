package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const bpsDenominator = 10000

// Config models escrowline.yml.
type Config struct {
	Escrow struct {
		DefaultToken string   `yaml:"default_token" json:"default_token"`
		Tokens       []string `yaml:"tokens" json:"tokens,omitempty"`
	} `yaml:"escrow" json:"escrow"`
	Insurance Insurance `yaml:"insurance" json:"insurance"`
	Arbiters  []string  `yaml:"arbiters" json:"arbiters"`
	Cache     struct {
		StatsEntries int64 `yaml:"stats_entries" json:"stats_entries"`
	} `yaml:"cache" json:"cache"`
	NATS struct {
		URL           string `yaml:"url" json:"url,omitempty"`
		SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix"`
		PollInterval  string `yaml:"poll_interval" json:"poll_interval"`
	} `yaml:"nats" json:"nats"`
	Telemetry struct {
		OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`
		ExportInterval string `yaml:"export_interval" json:"export_interval"`
	} `yaml:"telemetry" json:"telemetry"`
	Log struct {
		Level   string `yaml:"level" json:"level"`
		Service string `yaml:"service" json:"service"`
	} `yaml:"log" json:"log"`
}

// Insurance holds the pool policy in basis points of the task reward.
type Insurance struct {
	PremiumBPS      int64 `yaml:"premium_bps" json:"premium_bps"`
	CompensationBPS int64 `yaml:"compensation_bps" json:"compensation_bps"`
}

// Premium is what an insured task's creator pays into the pool.
func (i Insurance) Premium(reward decimal.Decimal) decimal.Decimal {
	return bps(reward, i.PremiumBPS)
}

// Compensation is the most the pool pays an assignee when an insured task is
// cancelled in the creator's favor.
func (i Insurance) Compensation(reward decimal.Decimal) decimal.Decimal {
	return bps(reward, i.CompensationBPS)
}

func bps(amount decimal.Decimal, points int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(points)).Div(decimal.NewFromInt(bpsDenominator))
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with el config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Escrow.DefaultToken == "" {
		return fmt.Errorf("config.escrow.default_token is required")
	}
	if len(c.Escrow.Tokens) > 0 && !c.SupportsToken(c.Escrow.DefaultToken) {
		return fmt.Errorf("config.escrow.default_token %s not in config.escrow.tokens", c.Escrow.DefaultToken)
	}
	for _, tok := range c.Escrow.Tokens {
		if tok == "" {
			return fmt.Errorf("config.escrow.tokens contains empty token")
		}
	}
	if c.Insurance.PremiumBPS < 0 || c.Insurance.PremiumBPS > bpsDenominator {
		return fmt.Errorf("config.insurance.premium_bps must be within 0..%d", bpsDenominator)
	}
	if c.Insurance.CompensationBPS < 0 || c.Insurance.CompensationBPS > bpsDenominator {
		return fmt.Errorf("config.insurance.compensation_bps must be within 0..%d", bpsDenominator)
	}
	for _, a := range c.Arbiters {
		if a == "" {
			return fmt.Errorf("config.arbiters contains empty identity")
		}
	}
	if c.Cache.StatsEntries < 0 {
		return fmt.Errorf("config.cache.stats_entries must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("config.nats.subject_prefix is required when config.nats.url is set")
	}
	if _, err := c.RelayInterval(); err != nil {
		return fmt.Errorf("config.nats.poll_interval: %w", err)
	}
	if _, err := c.ExportInterval(); err != nil {
		return fmt.Errorf("config.telemetry.export_interval: %w", err)
	}
	return nil
}

// SupportsToken reports whether token may be escrowed. An empty allow list
// accepts any token.
func (c *Config) SupportsToken(token string) bool {
	if len(c.Escrow.Tokens) == 0 {
		return token != ""
	}
	for _, t := range c.Escrow.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

// RelayInterval is the event relay poll period.
func (c *Config) RelayInterval() (time.Duration, error) {
	return positiveDuration(c.NATS.PollInterval, 2*time.Second)
}

// ExportInterval is how often metrics are pushed to the OTLP collector.
func (c *Config) ExportInterval() (time.Duration, error) {
	return positiveDuration(c.Telemetry.ExportInterval, 30*time.Second)
}

func positiveDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escrow:
  default_token: ETH

insurance:
  # paid by the creator of an insured task into the pool, on top of the reward
  premium_bps: 200
  # paid from the pool to the assignee when an insured task is cancelled by dispute
  compensation_bps: 2000

arbiters: []

cache:
  stats_entries: 10000

nats:
  url: ""
  subject_prefix: escrowline
  poll_interval: 2s

telemetry:
  # OTLP/gRPC collector for metrics, e.g. localhost:4317; empty disables export
  otlp_endpoint: ""
  export_interval: 30s

log:
  level: info
  service: escrowline
`
