// Package config loads and validates process configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// file, a .env file, and the process environment. The signing key is only
// ever read from the environment (or .env) and is excluded from every
// rendering of Config.
//
// Validation fails fast: Load returns a failure.KindConfiguration error on
// the first violation and the process must not start.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/oracle"
)

// DefaultEnvFile is the .env file consulted when LoadOptions.EnvFile is empty.
const DefaultEnvFile = ".env"

// Config is the full process configuration.
type Config struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         uint64 `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`

	// PrivateKey is the 0x-hex signing key. Environment only.
	PrivateKey string `yaml:"-" json:"-"`

	Ledger LedgerConfig `yaml:"ledger"`
	Submit SubmitConfig `yaml:"submit"`
	Fees   FeeConfig    `yaml:"fees"`
	Dedupe DedupeConfig `yaml:"dedupe"`
	Oracle OracleConfig `yaml:"oracle"`
	Server ServerConfig `yaml:"server"`
}

// LedgerConfig selects the idempotency ledger backend.
type LedgerConfig struct {
	// DSN is a SQLite path (optionally sqlite://) or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// SubmitConfig tunes the submission retry loop.
type SubmitConfig struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	GasMargin           float64       `yaml:"gas_margin"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

// FeeConfig holds the fee caps in gwei.
type FeeConfig struct {
	Mode            string  `yaml:"mode"`
	MaxFeeGwei      float64 `yaml:"max_fee_gwei"`
	PriorityFeeGwei float64 `yaml:"priority_fee_gwei"`
}

// DedupeConfig enables the on-chain duplicate check.
type DedupeConfig struct {
	OnChain        bool   `yaml:"onchain"`
	LookbackBlocks uint64 `yaml:"lookback_blocks"`
}

// OracleConfig configures the baseline oracle.
type OracleConfig struct {
	Baseline oracle.BaselineParams `yaml:"baseline"`

	// Features overrides the declared feature order. Empty uses oracle.DefaultFeatures.
	Features []string `yaml:"features"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		RPCURL:  "http://127.0.0.1:8545",
		ChainID: 1337,
		Ledger:  LedgerConfig{DSN: "fraudchain.db"},
		Submit: SubmitConfig{
			MaxAttempts:         3,
			RetryDelay:          1500 * time.Millisecond,
			GasMargin:           1.2,
			RPCTimeout:          10 * time.Second,
			ConfirmationTimeout: 120 * time.Second,
			PollInterval:        time.Second,
		},
		Fees: FeeConfig{
			Mode:            "static",
			MaxFeeGwei:      20,
			PriorityFeeGwei: 2,
		},
		Dedupe: DedupeConfig{LookbackBlocks: 5000},
		Oracle: OracleConfig{Baseline: oracle.DefaultBaselineParams},
		Server: ServerConfig{Listen: "127.0.0.1:8080"},
	}
}

// LoadOptions locates configuration sources.
type LoadOptions struct {
	// Path is an optional YAML file. A missing file is an error when set.
	Path string

	// EnvFile is the .env file. Empty means DefaultEnvFile; a missing file is ignored.
	EnvFile string

	// Getenv reads the process environment. Nil means os.Getenv.
	Getenv func(string) string
}

// Load reads configuration from path (may be empty), .env and the environment,
// then validates it.
func Load(path string) (*Config, error) {
	return LoadWith(LoadOptions{Path: path})
}

// LoadWith is Load with explicit sources.
func LoadWith(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, "read config file "+opts.Path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, "parse config file "+opts.Path, err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	dotenv, err := ReadEnvFile(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, failure.Wrap(failure.KindConfiguration, "read env file "+envFile, err)
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// String renders the configuration without the signing key.
func (c *Config) String() string {
	return fmt.Sprintf("rpc=%s chain=%d contract=%s ledger=%s signer=%t",
		c.RPCURL, c.ChainID, c.ContractAddress, redactDSN(c.Ledger.DSN), c.PrivateKey != "")
}

// LogValue implements slog.LogValuer without the signing key.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("rpc_url", c.RPCURL),
		slog.Uint64("chain_id", c.ChainID),
		slog.String("contract", c.ContractAddress),
		slog.String("ledger", redactDSN(c.Ledger.DSN)),
		slog.Int("max_attempts", c.Submit.MaxAttempts),
		slog.String("fee_mode", c.Fees.Mode),
		slog.Bool("dedupe_onchain", c.Dedupe.OnChain),
		slog.Bool("signer", c.PrivateKey != ""),
	)
}
