package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Wallet modes.
const (
	ModeEOA          = "eoa"
	ModeSmartAccount = "smart-account"
	ModeSVM          = "svm"
)

// Config is the full proxy configuration. Values come from an optional
// YAML file overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Treasurer TreasurerConfig `yaml:"treasurer"`
	LogLevel  string          `yaml:"logLevel"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxPending int    `yaml:"maxPending"`
}

// WalletConfig selects and configures the signing wallet. Exactly one
// mode's credentials may be present.
type WalletConfig struct {
	Mode string `yaml:"mode"`

	// eoa mode: one of PrivateKey or Mnemonic.
	PrivateKey     string `yaml:"privateKey"`
	Mnemonic       string `yaml:"mnemonic"`
	DerivationPath string `yaml:"derivationPath"`

	// smart-account mode.
	SmartAccountAddress  string `yaml:"smartAccountAddress"`
	SessionKeyPrivateKey string `yaml:"sessionKeyPrivateKey"`
	ValidatorAddress     string `yaml:"validatorAddress"`
	ChainID              int64  `yaml:"chainId"`

	// svm mode.
	SVMPrivateKey string `yaml:"svmPrivateKey"`
}

// TreasurerConfig selects the payment policy. An empty PolicyAPIURL means
// the naive auto-approving treasurer.
type TreasurerConfig struct {
	PolicyAPIURL string        `yaml:"policyApiUrl"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8402,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables prefixed with envPrefix.
func Load(path, envPrefix string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv(envPrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(prefix string) {
	c.Server.Host = getEnv(prefix, "HOST", c.Server.Host)
	c.Server.Port = getInt(prefix, "PORT", c.Server.Port)
	c.Server.MaxPending = getInt(prefix, "MAX_PENDING", c.Server.MaxPending)
	c.LogLevel = getEnv(prefix, "LOG_LEVEL", c.LogLevel)

	c.Wallet.Mode = getEnv(prefix, "WALLET_MODE", c.Wallet.Mode)
	c.Wallet.PrivateKey = getEnv(prefix, "WALLET_PRIVATE_KEY", c.Wallet.PrivateKey)
	c.Wallet.Mnemonic = getEnv(prefix, "WALLET_MNEMONIC", c.Wallet.Mnemonic)
	c.Wallet.DerivationPath = getEnv(prefix, "WALLET_DERIVATION_PATH", c.Wallet.DerivationPath)
	c.Wallet.SmartAccountAddress = getEnv(prefix, "WALLET_SMART_ACCOUNT_ADDRESS", c.Wallet.SmartAccountAddress)
	c.Wallet.SessionKeyPrivateKey = getEnv(prefix, "WALLET_SESSION_KEY_PRIVATE_KEY", c.Wallet.SessionKeyPrivateKey)
	c.Wallet.ValidatorAddress = getEnv(prefix, "WALLET_VALIDATOR_ADDRESS", c.Wallet.ValidatorAddress)
	c.Wallet.ChainID = getInt64(prefix, "WALLET_CHAIN_ID", c.Wallet.ChainID)
	c.Wallet.SVMPrivateKey = getEnv(prefix, "WALLET_SVM_PRIVATE_KEY", c.Wallet.SVMPrivateKey)

	c.Treasurer.PolicyAPIURL = getEnv(prefix, "TREASURER_POLICY_API_URL", c.Treasurer.PolicyAPIURL)
	c.Treasurer.Timeout = getDuration(prefix, "TREASURER_TIMEOUT", c.Treasurer.Timeout)
}

// Validate checks the configuration and reports every missing or
// conflicting key in one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxPending < 0 {
		problems = append(problems, "server.maxPending must not be negative")
	}

	hasEOA := c.Wallet.PrivateKey != "" || c.Wallet.Mnemonic != ""
	hasSmartAccount := c.Wallet.SmartAccountAddress != "" || c.Wallet.SessionKeyPrivateKey != ""

	switch c.Wallet.Mode {
	case ModeEOA:
		if !hasEOA {
			problems = append(problems, "wallet.privateKey or wallet.mnemonic is required for wallet.mode=eoa")
		}
		if c.Wallet.PrivateKey != "" && c.Wallet.Mnemonic != "" {
			problems = append(problems, "wallet.privateKey conflicts with wallet.mnemonic")
		}
		if hasSmartAccount {
			problems = append(problems, "smart-account credentials conflict with wallet.mode=eoa")
		}
	case ModeSmartAccount:
		if c.Wallet.SmartAccountAddress == "" {
			problems = append(problems, "wallet.smartAccountAddress is required for wallet.mode=smart-account")
		}
		if c.Wallet.SessionKeyPrivateKey == "" {
			problems = append(problems, "wallet.sessionKeyPrivateKey is required for wallet.mode=smart-account")
		}
		if hasEOA {
			problems = append(problems, "eoa credentials conflict with wallet.mode=smart-account")
		}
	case ModeSVM:
		if c.Wallet.SVMPrivateKey == "" {
			problems = append(problems, "wallet.svmPrivateKey is required for wallet.mode=svm")
		}
		if hasEOA || hasSmartAccount {
			problems = append(problems, "evm credentials conflict with wallet.mode=svm")
		}
	case "":
		problems = append(problems, "wallet.mode is required (eoa, smart-account or svm)")
	default:
		problems = append(problems, fmt.Sprintf("unknown wallet.mode %q", c.Wallet.Mode))
	}

	if c.Treasurer.Timeout < 0 {
		problems = append(problems, "treasurer.timeout must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(prefix, key, fallback string) string {
	if v, ok := os.LookupEnv(prefix + key); ok {
		return v
	}
	return fallback
}

func getInt(prefix, key string, fallback int) int {
	if v, ok := os.LookupEnv(prefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(prefix, key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(prefix + key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(prefix, key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(prefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
