package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/oracle"
)

const (
	testKey      = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// load runs LoadWith against an isolated .env location.
func load(t *testing.T, opts LoadOptions) (*Config, error) {
	t.Helper()
	if opts.EnvFile == "" {
		opts.EnvFile = filepath.Join(t.TempDir(), "absent.env")
	}
	if opts.Getenv == nil {
		opts.Getenv = envMap(nil)
	}
	return LoadWith(opts)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8545", cfg.RPCURL)
	assert.Equal(t, uint64(1337), cfg.ChainID)
	assert.Equal(t, "fraudchain.db", cfg.Ledger.DSN)
	assert.Equal(t, 3, cfg.Submit.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Submit.RetryDelay)
	assert.Equal(t, 1.2, cfg.Submit.GasMargin)
	assert.Equal(t, 10*time.Second, cfg.Submit.RPCTimeout)
	assert.Equal(t, 120*time.Second, cfg.Submit.ConfirmationTimeout)
	assert.Equal(t, time.Second, cfg.Submit.PollInterval)
	assert.Equal(t, "static", cfg.Fees.Mode)
	assert.Equal(t, 20.0, cfg.Fees.MaxFeeGwei)
	assert.Equal(t, 2.0, cfg.Fees.PriorityFeeGwei)
	assert.False(t, cfg.Dedupe.OnChain)
	assert.Equal(t, oracle.DefaultBaselineParams, cfg.Oracle.Baseline)
	assert.Empty(t, cfg.PrivateKey)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fraudchain.yaml", `
rpc_url: https://rpc.example.org
chain_id: 11155111
contract_address: "`+testContract+`"
ledger:
  dsn: /var/lib/fraudchain/ledger.db
submit:
  max_attempts: 5
  retry_delay: 2s
  confirmation_timeout: 3m
fees:
  mode: network
  max_fee_gwei: 50
dedupe:
  onchain: true
  lookback_blocks: 100
oracle:
  baseline:
    threshold: 0.5
  features: [Amount, V1]
`)

	cfg, err := load(t, LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", cfg.RPCURL)
	assert.Equal(t, uint64(11155111), cfg.ChainID)
	assert.Equal(t, testContract, cfg.ContractAddress)
	assert.Equal(t, "/var/lib/fraudchain/ledger.db", cfg.Ledger.DSN)
	assert.Equal(t, 5, cfg.Submit.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Submit.RetryDelay)
	assert.Equal(t, 3*time.Minute, cfg.Submit.ConfirmationTimeout)
	assert.Equal(t, 10*time.Second, cfg.Submit.RPCTimeout, "unset fields keep defaults")
	assert.Equal(t, "network", cfg.Fees.Mode)
	assert.Equal(t, 50.0, cfg.Fees.MaxFeeGwei)
	assert.True(t, cfg.Dedupe.OnChain)
	assert.Equal(t, uint64(100), cfg.Dedupe.LookbackBlocks)
	assert.Equal(t, 0.5, cfg.Oracle.Baseline.Threshold)
	assert.Equal(t, oracle.DefaultBaselineParams.AmountQ99, cfg.Oracle.Baseline.AmountQ99)
	assert.Equal(t, []string{"Amount", "V1"}, cfg.Oracle.Features)
}

func TestLoad_YAMLCannotSetPrivateKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fraudchain.yaml", "private_key: \""+testKey+"\"\n")

	cfg, err := load(t, LoadOptions{Path: path})
	require.NoError(t, err)
	assert.Empty(t, cfg.PrivateKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(t, LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
	assert.True(t, failure.IsConfiguration(err))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "submit: [unterminated\n")
	_, err := load(t, LoadOptions{Path: path})
	require.Error(t, err)
	assert.True(t, failure.IsConfiguration(err))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fraudchain.yaml", "chain_id: 5\nsubmit:\n  max_attempts: 2\n")

	cfg, err := load(t, LoadOptions{
		Path: path,
		Getenv: envMap(map[string]string{
			EnvRPCURL:              "http://node:8545",
			EnvChainID:             "31337",
			EnvPrivateKey:          testKey,
			EnvContractAddress:     testContract,
			EnvLedgerDSN:           "postgres://fc:hunter2@db/fc",
			EnvMaxAttempts:         "4",
			EnvRetryDelay:          "250ms",
			EnvConfirmationTimeout: "30",
			EnvGasMargin:           "1.5",
			EnvFeeMode:             "NETWORK",
			EnvMaxFeeGwei:          "40",
			EnvPriorityFeeGwei:     "1.5",
			EnvDedupeOnChain:       "true",
			EnvDedupeLookback:      "42",
			EnvOracleThreshold:     "0.3",
			EnvListen:              ":9000",
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", cfg.RPCURL)
	assert.Equal(t, uint64(31337), cfg.ChainID, "env beats yaml")
	assert.Equal(t, testKey, cfg.PrivateKey)
	assert.Equal(t, testContract, cfg.ContractAddress)
	assert.Equal(t, "postgres://fc:hunter2@db/fc", cfg.Ledger.DSN)
	assert.Equal(t, 4, cfg.Submit.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Submit.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Submit.ConfirmationTimeout, "bare numbers are seconds")
	assert.Equal(t, 1.5, cfg.Submit.GasMargin)
	assert.Equal(t, "network", cfg.Fees.Mode)
	assert.Equal(t, 40.0, cfg.Fees.MaxFeeGwei)
	assert.Equal(t, 1.5, cfg.Fees.PriorityFeeGwei)
	assert.True(t, cfg.Dedupe.OnChain)
	assert.Equal(t, uint64(42), cfg.Dedupe.LookbackBlocks)
	assert.Equal(t, 0.3, cfg.Oracle.Baseline.Threshold)
	assert.Equal(t, ":9000", cfg.Server.Listen)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", `
# deployment secrets
PRIVATE_KEY="`+testKey+`"
export CONTRACT_ADDRESS='`+testContract+`'
CHAIN_ID=31337
not a pair
=orphan
`)

	t.Run("fills unset variables", func(t *testing.T) {
		cfg, err := load(t, LoadOptions{EnvFile: envFile})
		require.NoError(t, err)
		assert.Equal(t, testKey, cfg.PrivateKey)
		assert.Equal(t, testContract, cfg.ContractAddress)
		assert.Equal(t, uint64(31337), cfg.ChainID)
	})

	t.Run("process environment wins", func(t *testing.T) {
		cfg, err := load(t, LoadOptions{
			EnvFile: envFile,
			Getenv:  envMap(map[string]string{EnvChainID: "1"}),
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), cfg.ChainID)
	})
}

func TestReadEnvFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".env", "A=1\n  B = two words \nC=\"quoted\"\nD='single'\nE=\"unbalanced\n# F=comment\n")

	got, err := ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"A": "1",
		"B": "two words",
		"C": "quoted",
		"D": "single",
		"E": `"unbalanced`,
	}, got)

	_, err = ReadEnvFile(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_UnparseableEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{EnvChainID, "mainnet"},
		{EnvMaxAttempts, "three"},
		{EnvRetryDelay, "soon"},
		{EnvGasMargin, "lots"},
		{EnvDedupeOnChain, "maybe"},
		{EnvDedupeLookback, "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := load(t, LoadOptions{Getenv: envMap(map[string]string{tt.key: tt.value})})
			require.Error(t, err)
			assert.True(t, failure.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.key)
			assert.NotContains(t, err.Error(), tt.value)
		})
	}
}

func TestValidate_Schema(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero attempts", func(c *Config) { c.Submit.MaxAttempts = 0 }, "max_attempts"},
		{"too many attempts", func(c *Config) { c.Submit.MaxAttempts = 11 }, "max_attempts"},
		{"thin gas margin", func(c *Config) { c.Submit.GasMargin = 1.1 }, "gas_margin"},
		{"negative retry delay", func(c *Config) { c.Submit.RetryDelay = -time.Second }, "retry_delay_ms"},
		{"zero confirmation timeout", func(c *Config) { c.Submit.ConfirmationTimeout = 0 }, "confirmation_timeout_ms"},
		{"poll slower than timeout", func(c *Config) { c.Submit.PollInterval = 5 * time.Minute }, "poll_interval_ms"},
		{"rpc scheme", func(c *Config) { c.RPCURL = "ftp://node" }, "rpc_url"},
		{"chain id", func(c *Config) { c.ChainID = 0 }, "chain_id"},
		{"fee mode", func(c *Config) { c.Fees.Mode = "turbo" }, "mode"},
		{"tip above cap", func(c *Config) { c.Fees.PriorityFeeGwei = 30 }, "max_fee_gwei"},
		{"threshold", func(c *Config) { c.Oracle.Baseline.Threshold = 1.5 }, "threshold"},
		{"quantiles", func(c *Config) { c.Oracle.Baseline.AmountQ99 = 0 }, "amount_q99"},
		{"empty feature", func(c *Config) { c.Oracle.Features = []string{"Amount", ""} }, "features"},
		{"empty dsn", func(c *Config) { c.Ledger.DSN = "" }, "dsn"},
		{"short contract", func(c *Config) { c.ContractAddress = "0x1234" }, "contract_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, failure.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Default().Validate())
}

func TestValidate_DuplicateFeatures(t *testing.T) {
	cfg := Default()
	cfg.Oracle.Features = []string{"Amount", "V1", "Amount"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, failure.IsConfiguration(err))
}

func TestValidate_PrivateKeyNeverInErrors(t *testing.T) {
	keys := []string{
		"0xdeadbeef",
		testKey[2:], // missing prefix
		testKey + "00",
		"0x" + "zz" + testKey[4:],
		"0x0000000000000000000000000000000000000000000000000000000000000000",
		"0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", // curve order
	}
	for _, key := range keys {
		cfg := Default()
		cfg.PrivateKey = key
		err := cfg.Validate()
		require.Error(t, err, key)
		assert.True(t, failure.IsConfiguration(err))
		assert.NotContains(t, err.Error(), key)
		assert.NotContains(t, err.Error(), key[2:])
		assert.Contains(t, err.Error(), EnvPrivateKey)
	}
}

func TestValidate_ContractAddress(t *testing.T) {
	cfg := Default()
	cfg.ContractAddress = "0x0000000000000000000000000000000000000000"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero address")

	cfg.ContractAddress = testContract
	assert.NoError(t, cfg.Validate())
}

func TestValidateSigner(t *testing.T) {
	cfg := Default()
	err := cfg.ValidateSigner()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvPrivateKey)

	cfg.PrivateKey = testKey
	err = cfg.ValidateSigner()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvContractAddress)

	cfg.ContractAddress = testContract
	assert.NoError(t, cfg.ValidateSigner())
}

func TestConfig_RenderingRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.PrivateKey = testKey
	cfg.ContractAddress = testContract
	cfg.Ledger.DSN = "postgres://fc:hunter2@db:5432/fc"

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("loaded", "config", cfg)

	for _, out := range []string{cfg.String(), buf.String()} {
		assert.NotContains(t, out, testKey[2:])
		assert.NotContains(t, out, "hunter2")
		assert.Contains(t, out, testContract)
	}
	assert.Contains(t, cfg.String(), "signer=true")
}
