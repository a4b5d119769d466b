package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the consensus coordination
// service. Governance constants are fixed at initialization and never
// mutated afterwards.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		// Driver selects the ledger backend: postgres or memory.
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Governance struct {
		AdminID string `yaml:"admin_id"`
		// VotingPeriodSeconds is the fixed voting window per proposal.
		VotingPeriodSeconds int `yaml:"voting_period_seconds"`
		// ExecutionDelaySeconds is the mandatory wait after voting closes.
		ExecutionDelaySeconds int `yaml:"execution_delay_seconds"`
		// QuorumThreshold is the minimum weighted vote sum (yes+no)
		// required before execution, independent of pass/fail.
		QuorumThreshold int64 `yaml:"quorum_threshold"`
	} `yaml:"governance"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Security struct {
		BearerToken      string   `yaml:"bearer_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
		NodeID  string `yaml:"node_id"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Governance.VotingPeriodSeconds <= 0 {
		c.Governance.VotingPeriodSeconds = 24 * 60 * 60
	}
	if c.Governance.ExecutionDelaySeconds <= 0 {
		c.Governance.ExecutionDelaySeconds = 2 * 60 * 60
	}
	if c.Governance.QuorumThreshold <= 0 {
		c.Governance.QuorumThreshold = 3
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "reliquary-consensusd"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
}

func (c *Config) validate() error {
	switch strings.TrimSpace(strings.ToLower(c.Storage.Driver)) {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "memory":
	default:
		return errors.New("storage.driver must be one of postgres|memory")
	}
	if c.Governance.AdminID == "" {
		return errors.New("governance.admin_id is required")
	}
	if c.Keys.SigningPrivateKeyPath == "" {
		return errors.New("keys.signing_private_key_path is required")
	}
	if c.Keys.SigningPublicKeyPath == "" {
		return errors.New("keys.signing_public_key_path is required")
	}
	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.BearerToken) == "" {
		return errors.New("security.bearer_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Security.BearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.BearerToken))
}
