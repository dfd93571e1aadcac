package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models payline.yml.
type Config struct {
	Consensus struct {
		MinValidators      int     `yaml:"min_validators"`
		ByzantineThreshold float64 `yaml:"byzantine_threshold"`
		MandateExpiryHours int     `yaml:"mandate_expiry_hours"`
	} `yaml:"consensus"`
	Bridge struct {
		Environment    string `yaml:"environment"`
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		WebhookSecret  string `yaml:"webhook_secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"bridge"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook configures an outbound event subscription.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pl init to create one", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Consensus.MinValidators < 1 {
		return fmt.Errorf("config.consensus.min_validators must be at least 1")
	}
	if c.Consensus.ByzantineThreshold <= 0 || c.Consensus.ByzantineThreshold > 1 {
		return fmt.Errorf("config.consensus.byzantine_threshold must be in (0,1]")
	}
	if c.Consensus.MandateExpiryHours < 1 {
		return fmt.Errorf("config.consensus.mandate_expiry_hours must be at least 1")
	}
	switch c.Bridge.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("config.bridge.environment must be sandbox or production")
	}
	if c.Bridge.TimeoutSeconds < 1 {
		return fmt.Errorf("config.bridge.timeout_seconds must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "payline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(environment string) string {
	return fmt.Sprintf(defaultTemplate, environment)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, "sandbox"))).Decode(&cfg)
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

// WebhookEnabled treats a missing enabled flag as on.
func (w Webhook) WebhookEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

const defaultTemplate = `consensus:
  # Consensus transactions refuse validator sets smaller than this.
  min_validators: 3
  # Fraction of validators whose approval authorizes a transaction
  # when required_votes is not set explicitly.
  byzantine_threshold: 0.67
  # Default mandate lifetime when expiry is not given.
  mandate_expiry_hours: 24

bridge:
  environment: %s
  # base_url overrides the environment default when set.
  base_url: ""
  api_key: ""
  webhook_secret: ""
  timeout_seconds: 30

auth:
  jwt_secret: ""

# Outbound notifications. Each entry receives signed POSTs for the
# listed event types (empty list means all).
webhooks: []
#  - url: https://example.com/hooks/payline
#    secret: change-me
#    events: [consensus.authorized, consensus.executed]
#    timeout_seconds: 10
`
