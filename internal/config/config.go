package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Tree       TreeConfig       `mapstructure:"tree"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Quarantine QuarantineConfig `mapstructure:"quarantine"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type TreeConfig struct {
	Root     string `mapstructure:"root"`
	WorkDir  string `mapstructure:"work_dir"`
	StateDir string `mapstructure:"state_dir"`
	Tier     string `mapstructure:"tier"`
}

type LedgerConfig struct {
	Dir string `mapstructure:"dir"`
}

type AuthConfig struct {
	Mode        string `mapstructure:"mode"`
	DevRole     string `mapstructure:"dev_role"`
	TokenSecret string `mapstructure:"token_secret"`
}

type SigningConfig struct {
	Keys        map[string]string `mapstructure:"keys"`
	ActiveKeyID string            `mapstructure:"active_key_id"`
	// AllowUnsigned is the environment-scoped development override for
	// signature enforcement. Read once at startup and logged as an
	// explicit decision.
	AllowUnsigned bool `mapstructure:"allow_unsigned"`
}

type QuarantineConfig struct {
	Retention string `mapstructure:"retention"`
}

type AlertsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Webhook string `mapstructure:"webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Tree.Root == "" {
		return fmt.Errorf("tree.root is required")
	}
	if c.Tree.WorkDir == "" {
		return fmt.Errorf("tree.work_dir is required")
	}
	if c.Tree.StateDir == "" {
		return fmt.Errorf("tree.state_dir is required")
	}
	if c.Ledger.Dir == "" {
		return fmt.Errorf("ledger.dir is required")
	}

	if c.Tree.Tier == "" {
		c.Tree.Tier = "default"
	}

	switch c.Auth.Mode {
	case "":
		c.Auth.Mode = "token"
	case "dev", "token":
	default:
		return fmt.Errorf("invalid auth.mode: %s (valid options: dev, token)", c.Auth.Mode)
	}
	if c.Auth.Mode == "dev" && c.Auth.DevRole == "" {
		return fmt.Errorf("auth.dev_role is required when auth.mode is dev")
	}
	if c.Auth.Mode == "token" && c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required when auth.mode is token")
	}

	if len(c.Signing.Keys) > 0 && c.Signing.ActiveKeyID == "" {
		return fmt.Errorf("signing.active_key_id is required when signing.keys is set")
	}
	if len(c.Signing.Keys) == 0 && !c.Signing.AllowUnsigned {
		return fmt.Errorf("signing.keys is required unless signing.allow_unsigned is set")
	}

	if c.Quarantine.Retention == "" {
		c.Quarantine.Retention = "168h"
	}
	if _, err := time.ParseDuration(c.Quarantine.Retention); err != nil {
		return fmt.Errorf("invalid quarantine.retention: %w", err)
	}

	return nil
}

// QuarantineRetention returns the parsed retention period. Validate has
// already checked the format.
func (c *Config) QuarantineRetention() time.Duration {
	d, _ := time.ParseDuration(c.Quarantine.Retention)
	return d
}

// SigningKeys returns the configured key material as bytes.
func (c *Config) SigningKeys() map[string][]byte {
	keys := make(map[string][]byte, len(c.Signing.Keys))
	for id, k := range c.Signing.Keys {
		keys[id] = []byte(k)
	}
	return keys
}
