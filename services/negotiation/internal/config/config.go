// Package config loads the negotiation service configuration: ledger
// ceilings, session bounds, the agent's bargaining policy, and webhook
// endpoints for outcome delivery.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fedmarket/services/negotiation/internal/policy"
)

// Duration is a yaml-friendly time.Duration ("90s", "10m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type LedgerConfig struct {
	// DefaultCeiling caps cumulative epsilon for agents without an override.
	DefaultCeiling float64            `yaml:"default_ceiling"`
	AgentCeilings  map[string]float64 `yaml:"agent_ceilings"`
}

type SessionConfig struct {
	MaxRounds     int      `yaml:"max_rounds"`
	RoundTTL      Duration `yaml:"round_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type Config struct {
	Ledger   LedgerConfig  `yaml:"ledger"`
	Session  SessionConfig `yaml:"session"`
	Policy   policy.Params `yaml:"policy"`
	// Webhooks maps agent_id to the endpoint notified of terminal outcomes.
	Webhooks map[string]WebhookEndpoint `yaml:"webhooks"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		Ledger: LedgerConfig{DefaultCeiling: 10},
		Session: SessionConfig{
			MaxRounds:     5,
			RoundTTL:      Duration(10 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Policy: policy.Params{
			MaxEpsilon:     5,
			PriceFloor:     1,
			PriceSlope:     10,
			BargainingBand: 0.5,
			EpsilonStep:    1,
		},
	}
}

// Load reads a yaml config file, filling omitted sections from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !(c.Ledger.DefaultCeiling > 0) {
		return fmt.Errorf("ledger.default_ceiling must be > 0")
	}
	for agentID, ceiling := range c.Ledger.AgentCeilings {
		if !(ceiling > 0) {
			return fmt.Errorf("ledger.agent_ceilings[%s] must be > 0", agentID)
		}
	}
	if c.Session.MaxRounds < 1 {
		return fmt.Errorf("session.max_rounds must be >= 1")
	}
	if c.Session.RoundTTL.Std() <= 0 {
		return fmt.Errorf("session.round_ttl must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}
