package config

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

//go:embed schema.cue
var schemaSource string

var (
	privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// schema holds the compiled #Config definition. cue.Context is not safe for
// concurrent use, so validation serializes on mu.
var schema struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
}

func compiledSchema() (*cue.Context, cue.Value, error) {
	schema.once.Do(func() {
		schema.ctx = cuecontext.New()
		v := schema.ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schema.err = err
			return
		}
		schema.def = v.LookupPath(cue.ParsePath("#Config"))
		schema.err = schema.def.Err()
	})
	return schema.ctx, schema.def, schema.err
}

// view is the non-secret projection checked against schema.cue.
type view struct {
	RPCURL          string `json:"rpc_url"`
	ChainID         uint64 `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	Ledger          struct {
		DSN string `json:"dsn"`
	} `json:"ledger"`
	Submit struct {
		MaxAttempts           int     `json:"max_attempts"`
		RetryDelayMS          int64   `json:"retry_delay_ms"`
		GasMargin             float64 `json:"gas_margin"`
		RPCTimeoutMS          int64   `json:"rpc_timeout_ms"`
		ConfirmationTimeoutMS int64   `json:"confirmation_timeout_ms"`
		PollIntervalMS        int64   `json:"poll_interval_ms"`
	} `json:"submit"`
	Fees struct {
		Mode            string  `json:"mode"`
		PriorityFeeGwei float64 `json:"priority_fee_gwei"`
		MaxFeeGwei      float64 `json:"max_fee_gwei"`
	} `json:"fees"`
	Dedupe struct {
		OnChain        bool   `json:"onchain"`
		LookbackBlocks uint64 `json:"lookback_blocks"`
	} `json:"dedupe"`
	Oracle struct {
		Threshold float64  `json:"threshold"`
		AmountQ01 float64  `json:"amount_q01"`
		AmountQ99 float64  `json:"amount_q99"`
		V1AbsQ99  float64  `json:"v1_abs_q99"`
		Features  []string `json:"features"`
	} `json:"oracle"`
	Server struct {
		Listen string `json:"listen"`
	} `json:"server"`
}

func (c *Config) view() view {
	var v view
	v.RPCURL = c.RPCURL
	v.ChainID = c.ChainID
	v.ContractAddress = c.ContractAddress
	v.Ledger.DSN = redactDSN(c.Ledger.DSN)
	v.Submit.MaxAttempts = c.Submit.MaxAttempts
	v.Submit.RetryDelayMS = c.Submit.RetryDelay.Milliseconds()
	v.Submit.GasMargin = c.Submit.GasMargin
	v.Submit.RPCTimeoutMS = c.Submit.RPCTimeout.Milliseconds()
	v.Submit.ConfirmationTimeoutMS = c.Submit.ConfirmationTimeout.Milliseconds()
	v.Submit.PollIntervalMS = c.Submit.PollInterval.Milliseconds()
	v.Fees.Mode = c.Fees.Mode
	v.Fees.PriorityFeeGwei = c.Fees.PriorityFeeGwei
	v.Fees.MaxFeeGwei = c.Fees.MaxFeeGwei
	v.Dedupe.OnChain = c.Dedupe.OnChain
	v.Dedupe.LookbackBlocks = c.Dedupe.LookbackBlocks
	v.Oracle.Threshold = c.Oracle.Baseline.Threshold
	v.Oracle.AmountQ01 = c.Oracle.Baseline.AmountQ01
	v.Oracle.AmountQ99 = c.Oracle.Baseline.AmountQ99
	v.Oracle.V1AbsQ99 = c.Oracle.Baseline.V1AbsQ99
	v.Oracle.Features = append([]string{}, c.Oracle.Features...)
	v.Server.Listen = c.Server.Listen
	return v
}

// Validate checks every field except the presence of signer settings.
// Errors never contain the signing key.
func (c *Config) Validate() error {
	if err := c.validateSchema(); err != nil {
		return err
	}
	if c.PrivateKey != "" {
		if err := checkPrivateKey(c.PrivateKey); err != nil {
			return err
		}
	}
	if c.ContractAddress != "" {
		if err := checkAddress(c.ContractAddress); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Oracle.Features))
	for _, name := range c.Oracle.Features {
		if seen[name] {
			return failure.Configuration("oracle.features: duplicate feature %q", name)
		}
		seen[name] = true
	}
	return nil
}

// ValidateSigner additionally requires the signing key and contract address
// needed to submit registrations.
func (c *Config) ValidateSigner() error {
	if c.PrivateKey == "" {
		return failure.Configuration("%s is required", EnvPrivateKey)
	}
	if c.ContractAddress == "" {
		return failure.Configuration("%s is required", EnvContractAddress)
	}
	return c.Validate()
}

func (c *Config) validateSchema() error {
	ctx, def, err := compiledSchema()
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, "compile config schema", err)
	}

	schema.mu.Lock()
	defer schema.mu.Unlock()

	val := ctx.Encode(c.view())
	if err := val.Err(); err != nil {
		return failure.Wrap(failure.KindConfiguration, "encode config", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return failure.Configuration("invalid configuration: %s", formatCUEError(err))
	}
	return nil
}

// formatCUEError joins every CUE error on one line.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := strings.Join(e.Path(), "."); path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

func checkPrivateKey(key string) error {
	if !privateKeyPattern.MatchString(key) {
		return failure.Configuration("%s must be 0x followed by 64 hex digits", EnvPrivateKey)
	}
	if _, err := crypto.HexToECDSA(key[2:]); err != nil {
		// The decode error can echo input bytes; drop it.
		return failure.Configuration("%s is not a valid secp256k1 key", EnvPrivateKey)
	}
	return nil
}

func checkAddress(addr string) error {
	if !addressPattern.MatchString(addr) {
		return failure.Configuration("%s must be 0x followed by 40 hex digits", EnvContractAddress)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return failure.Configuration("%s must not be the zero address", EnvContractAddress)
	}
	return nil
}
