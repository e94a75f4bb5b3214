package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/btcsuite/btcutil/bech32"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for mintgated.
type Config struct {
	ListenAddress         string          `yaml:"listen"`
	DatabasePath          string          `yaml:"database"`
	PaymentAddress        string          `yaml:"payment_address"`
	PricePerItem          string          `yaml:"price_per_item"`
	MaxSupply             int             `yaml:"max_supply"`
	MaxQuantity           int             `yaml:"max_quantity"`
	SessionTimeout        Duration        `yaml:"session_timeout"`
	PaymentPendingTimeout Duration        `yaml:"payment_pending_timeout"`
	Observer              ObserverConfig  `yaml:"observer"`
	Endpoints             []Endpoint      `yaml:"endpoints"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	CORS                  CORSConfig      `yaml:"cors"`
}

// ObserverConfig tunes the scanning loops.
type ObserverConfig struct {
	BlockInterval Duration `yaml:"block_interval"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Endpoint describes one upstream JSON-RPC provider.
type Endpoint struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	DailyLimit int64  `yaml:"daily_limit"`
}

// RateLimitConfig throttles the public API per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig controls the browser-facing headers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from the supplied path, applies defaults and the
// environment overrides (DATABASE_PATH, PORT, MINTGATE_PAYMENT_ADDRESS), and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8277"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/mintgate.sqlite"
	}
	if cfg.PricePerItem == "" {
		cfg.PricePerItem = "0.00500000"
	}
	if cfg.MaxSupply <= 0 {
		cfg.MaxSupply = 5000
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 20
	}
	if cfg.SessionTimeout.Duration == 0 {
		cfg.SessionTimeout.Duration = 10 * time.Minute
	}
	if cfg.PaymentPendingTimeout.Duration == 0 {
		cfg.PaymentPendingTimeout.Duration = 24 * time.Hour
	}
	if cfg.Observer.BlockInterval.Duration == 0 {
		cfg.Observer.BlockInterval.Duration = 120 * time.Second
	}
	if cfg.Observer.SweepInterval.Duration == 0 {
		cfg.Observer.SweepInterval.Duration = 60 * time.Second
	}
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].DailyLimit <= 0 {
			cfg.Endpoints[i].DailyLimit = 50_000
		}
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.ListenAddress = ":" + strings.TrimPrefix(v, ":")
	}
	if v := strings.TrimSpace(os.Getenv("MINTGATE_PAYMENT_ADDRESS")); v != "" {
		cfg.PaymentAddress = v
	}
}

func validate(cfg Config) error {
	address := strings.TrimSpace(cfg.PaymentAddress)
	if address == "" {
		return fmt.Errorf("payment_address must be configured")
	}
	if !ValidAddress(address) {
		return fmt.Errorf("payment_address %q is not a valid ledger address", address)
	}
	if strings.TrimSpace(cfg.PricePerItem) == "" {
		return fmt.Errorf("price_per_item must be configured")
	}
	if cfg.MaxQuantity > cfg.MaxSupply {
		return fmt.Errorf("max_quantity %d exceeds max_supply %d", cfg.MaxQuantity, cfg.MaxSupply)
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			return fmt.Errorf("rpc endpoint name must be set")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate rpc endpoint name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("rpc endpoint %s: url must be set", name)
		}
	}
	return nil
}

// ValidAddress reports whether the string decodes as a bech32 or base58check
// ledger address.
func ValidAddress(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	if _, _, err := bech32.Decode(address); err == nil {
		return true
	}
	if _, _, err := base58.CheckDecode(address); err == nil {
		return true
	}
	return false
}
