package config

import (
	"bufio"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

// Environment variable names. The first four keep the names deployments
// already use.
const (
	EnvRPCURL          = "RPC_URL"
	EnvChainID         = "CHAIN_ID"
	EnvPrivateKey      = "PRIVATE_KEY"
	EnvContractAddress = "CONTRACT_ADDRESS"

	EnvLedgerDSN           = "FRAUDCHAIN_LEDGER_DSN"
	EnvMaxAttempts         = "FRAUDCHAIN_MAX_ATTEMPTS"
	EnvRetryDelay          = "FRAUDCHAIN_RETRY_DELAY"
	EnvGasMargin           = "FRAUDCHAIN_GAS_MARGIN"
	EnvRPCTimeout          = "FRAUDCHAIN_RPC_TIMEOUT"
	EnvConfirmationTimeout = "FRAUDCHAIN_CONFIRMATION_TIMEOUT"
	EnvPollInterval        = "FRAUDCHAIN_POLL_INTERVAL"
	EnvFeeMode             = "FRAUDCHAIN_FEE_MODE"
	EnvMaxFeeGwei          = "FRAUDCHAIN_MAX_FEE_GWEI"
	EnvPriorityFeeGwei     = "FRAUDCHAIN_PRIORITY_FEE_GWEI"
	EnvDedupeOnChain       = "FRAUDCHAIN_DEDUPE_ONCHAIN"
	EnvDedupeLookback      = "FRAUDCHAIN_DEDUPE_LOOKBACK_BLOCKS"
	EnvOracleThreshold     = "FRAUDCHAIN_THRESHOLD"
	EnvListen              = "FRAUDCHAIN_LISTEN"
)

// ReadEnvFile parses a .env style file of KEY=VALUE lines. Blank lines and
// lines starting with # are ignored; matching surrounding quotes are trimmed.
// The process environment is not modified.
func ReadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		if key == "" {
			continue
		}
		out[key] = val
	}
	return out, sc.Err()
}

// applyEnvOverrides overlays environment values onto c. Unparseable values
// are configuration errors naming the variable, never echoing its value.
func applyEnvOverrides(c *Config, lookup func(string) string) error {
	if v := lookup(EnvRPCURL); v != "" {
		c.RPCURL = v
	}
	if v := lookup(EnvChainID); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return envError(EnvChainID, "an unsigned integer")
		}
		c.ChainID = n
	}
	if v := lookup(EnvPrivateKey); v != "" {
		c.PrivateKey = v
	}
	if v := lookup(EnvContractAddress); v != "" {
		c.ContractAddress = v
	}
	if v := lookup(EnvLedgerDSN); v != "" {
		c.Ledger.DSN = v
	}
	if v := lookup(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(EnvMaxAttempts, "an integer")
		}
		c.Submit.MaxAttempts = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvRetryDelay, &c.Submit.RetryDelay},
		{EnvRPCTimeout, &c.Submit.RPCTimeout},
		{EnvConfirmationTimeout, &c.Submit.ConfirmationTimeout},
		{EnvPollInterval, &c.Submit.PollInterval},
	}
	for _, d := range durations {
		if v := lookup(d.key); v != "" {
			parsed, err := parseDuration(v)
			if err != nil {
				return envError(d.key, "a duration such as 1.5s or a number of seconds")
			}
			*d.dst = parsed
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{EnvGasMargin, &c.Submit.GasMargin},
		{EnvMaxFeeGwei, &c.Fees.MaxFeeGwei},
		{EnvPriorityFeeGwei, &c.Fees.PriorityFeeGwei},
		{EnvOracleThreshold, &c.Oracle.Baseline.Threshold},
	}
	for _, f := range floats {
		if v := lookup(f.key); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return envError(f.key, "a number")
			}
			*f.dst = parsed
		}
	}
	if v := lookup(EnvFeeMode); v != "" {
		c.Fees.Mode = strings.ToLower(v)
	}
	if v := lookup(EnvDedupeOnChain); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvDedupeOnChain, "a boolean")
		}
		c.Dedupe.OnChain = b
	}
	if v := lookup(EnvDedupeLookback); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return envError(EnvDedupeLookback, "an unsigned integer")
		}
		c.Dedupe.LookbackBlocks = n
	}
	if v := lookup(EnvListen); v != "" {
		c.Server.Listen = v
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func envError(key, want string) error {
	return failure.Configuration("%s must be %s", key, want)
}

// redactDSN hides the password of URL-style DSNs.
func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}
