// Package app assembles the registration pipeline from a validated Config.
//
// An App is built once at startup and handed to whatever serves requests.
// Every component it holds is constructed here and reaches its collaborators
// only through the App, so there is no package-level client or account.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaboibarra/fraudchain/internal/chain"
	"github.com/gaboibarra/fraudchain/internal/clock"
	"github.com/gaboibarra/fraudchain/internal/config"
	"github.com/gaboibarra/fraudchain/internal/ledger"
	"github.com/gaboibarra/fraudchain/internal/oracle"
	"github.com/gaboibarra/fraudchain/internal/registry"
	"github.com/gaboibarra/fraudchain/internal/submit"
)

// App is the assembled pipeline.
//
// Fields are set by New and must not be modified afterwards.
type App struct {
	Config    *config.Config
	Client    chain.Client
	Account   *chain.SenderAccount
	Registry  *chain.Registry
	Ledger    ledger.Store
	Submitter *submit.Submitter
	Oracle    oracle.Oracle
	Service   *registry.Service

	closers []func() error
}

type options struct {
	client chain.Client
	store  ledger.Store
	clock  clock.Clock
	ids    registry.IDGenerator
	logger *slog.Logger
}

// Option customizes New.
type Option func(*options)

// WithClient uses c instead of dialing cfg.RPCURL. The caller keeps ownership of c.
func WithClient(c chain.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLedger uses s instead of opening cfg.Ledger.DSN. Close still closes s.
func WithLedger(s ledger.Store) Option {
	return func(o *options) { o.store = s }
}

// WithClock sets the clock shared by the waiter, submitter and service.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the registration id generator.
func WithIDGenerator(g registry.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg for signing and wires every component.
// On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.ValidateSigner(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Client = o.client
	if a.Client == nil {
		ec, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		a.Client = ec
		a.closers = append(a.closers, func() error { ec.Close(); return nil })
	}

	a.Account, err = chain.NewSenderAccount(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, err
	}
	a.Registry, err = chain.NewRegistry(common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		return nil, err
	}

	fees, err := chain.NewFeeManager(a.Client, chain.FeeMode(cfg.Fees.Mode),
		GweiToWei(cfg.Fees.MaxFeeGwei), GweiToWei(cfg.Fees.PriorityFeeGwei))
	if err != nil {
		return nil, err
	}
	waiter := chain.NewWaiter(a.Client,
		chain.WithPollInterval(cfg.Submit.PollInterval),
		chain.WithReceiptTimeout(cfg.Submit.RPCTimeout),
		chain.WithWaiterClock(o.clock),
		chain.WithWaiterLogger(o.logger),
	)

	a.Ledger = o.store
	if a.Ledger == nil {
		a.Ledger, err = ledger.Open(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
	}
	a.closers = append(a.closers, a.Ledger.Close)

	a.Submitter, err = submit.New(submit.Deps{
		Client:   a.Client,
		Account:  a.Account,
		Registry: a.Registry,
		Fees:     fees,
		Nonces:   chain.NewNonceManager(a.Client),
		Waiter:   waiter,
		Ledger:   a.Ledger,
	}, SubmitConfig(cfg), submit.WithClock(o.clock), submit.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	a.Oracle, err = NewOracle(cfg)
	if err != nil {
		return nil, err
	}

	svcOpts := []registry.Option{
		registry.WithOracle(a.Oracle),
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
	}
	if o.ids != nil {
		svcOpts = append(svcOpts, registry.WithIDGenerator(o.ids))
	}
	if cfg.Dedupe.OnChain {
		svcOpts = append(svcOpts, registry.WithOnChainIndex(chain.EventIndex{
			Registry: a.Registry,
			Client:   a.Client,
			Lookback: cfg.Dedupe.LookbackBlocks,
		}))
	}
	a.Service = registry.New(a.Ledger, a.Submitter, svcOpts...)

	o.logger.Info("pipeline ready",
		"sender", a.Account.Address().Hex(),
		"contract", a.Registry.Address().Hex(),
		"config", cfg,
	)
	return a, nil
}

// SubmitConfig maps the submit section of cfg onto submit.Config.
func SubmitConfig(cfg *config.Config) submit.Config {
	return submit.Config{
		MaxAttempts:         cfg.Submit.MaxAttempts,
		RetryDelay:          cfg.Submit.RetryDelay,
		GasMargin:           cfg.Submit.GasMargin,
		RPCTimeout:          cfg.Submit.RPCTimeout,
		ConfirmationTimeout: cfg.Submit.ConfirmationTimeout,
	}
}

// NewOracle builds the baseline oracle from cfg.
func NewOracle(cfg *config.Config) (oracle.Oracle, error) {
	var features []string
	if len(cfg.Oracle.Features) > 0 {
		features = cfg.Oracle.Features
	}
	o, err := oracle.NewBaseline(cfg.Oracle.Baseline, features)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	return o, nil
}

// GweiToWei converts a gwei amount to wei, rounded to the nearest wei.
func GweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), new(big.Float).SetInt(chain.Gwei))
	f.Add(f, big.NewFloat(0.5))
	wei, _ := f.Int(nil)
	return wei
}

// Health is the combined chain and ledger status.
type Health struct {
	Chain         chain.Health `json:"chain"`
	LedgerEntries int          `json:"ledger_entries"`
	Healthy       bool         `json:"healthy"`
	Error         string       `json:"error,omitempty"`
}

// Health probes the RPC endpoint and the ledger. The returned error is also
// recorded in Health.Error.
func (a *App) Health(ctx context.Context) (Health, error) {
	var h Health
	ch, chainErr := chain.CheckHealth(ctx, a.Client, a.Account, a.Registry.Address())
	h.Chain = ch

	n, ledgerErr := a.Ledger.Count(ctx)
	h.LedgerEntries = n

	err := errors.Join(chainErr, ledgerErr)
	if err != nil {
		h.Error = err.Error()
	}
	h.Healthy = err == nil && ch.ChainIDMatches && ch.ContractDeployed
	return h, err
}

// Close releases the ledger and any dialed RPC connection, in reverse order
// of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
