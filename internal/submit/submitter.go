// Package submit drives one logical registry write to a terminal state.
//
// Each attempt walks Built, Signed, Broadcast and, once the waiter observes
// inclusion, Confirmed. Transient failures and confirmation timeouts fail the
// attempt; the nonce is re-queried and the attempt retried from Built after a
// fixed delay, up to a bounded number of attempts. Configuration failures
// (an unusable signing credential) and reverted transactions are never retried.
//
// Every transaction handed to the node stays a candidate for the rest of the
// call. A retry first checks their receipts and settles on any that landed.
// Otherwise it replaces the latest broadcast at the same nonce with raised
// fees, so within one call at most one of them can be included. Only when the
// node reports that nonce as used by another transaction does the next
// attempt take a fresh one. While waiting, all candidates are polled.
//
// The idempotency ledger is written only after confirmation. A process crash
// between inclusion and that write leaves the on-chain event unrecorded, so a
// later registration may emit it again: emission is at-least-once, local
// recording is at-most-once.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gaboibarra/fraudchain/internal/chain"
	"github.com/gaboibarra/fraudchain/internal/clock"
	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/ledger"
	"github.com/gaboibarra/fraudchain/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 1500 * time.Millisecond
	DefaultGasMargin   = 1.2
	DefaultRPCTimeout  = 10 * time.Second
)

// MinGasMargin is the smallest accepted multiplier on the node's gas estimate.
const MinGasMargin = 1.2

// Config bounds the retry loop.
type Config struct {
	MaxAttempts         int
	RetryDelay          time.Duration
	GasMargin           float64
	RPCTimeout          time.Duration
	ConfirmationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.GasMargin == 0 {
		c.GasMargin = DefaultGasMargin
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.ConfirmationTimeout == 0 {
		c.ConfirmationTimeout = chain.DefaultConfirmationTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.MaxAttempts < 1 {
		return failure.Configuration("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return failure.Configuration("retry delay must not be negative")
	}
	if c.GasMargin < MinGasMargin || math.IsInf(c.GasMargin, 0) {
		return failure.Configuration("gas margin must be at least %.1f, got %v", MinGasMargin, c.GasMargin)
	}
	if c.RPCTimeout <= 0 || c.ConfirmationTimeout <= 0 {
		return failure.Configuration("timeouts must be positive")
	}
	return nil
}

// Deps are the collaborators a Submitter drives.
type Deps struct {
	Client   chain.Client
	Account  *chain.SenderAccount
	Registry *chain.Registry
	Fees     *chain.FeeManager
	Nonces   *chain.NonceManager
	Waiter   *chain.Waiter
	Ledger   ledger.Store
}

func (d Deps) validate() error {
	switch {
	case d.Client == nil:
		return failure.Configuration("submitter: rpc client is required")
	case d.Account == nil:
		return failure.Configuration("submitter: sender account is required")
	case d.Registry == nil:
		return failure.Configuration("submitter: registry contract is required")
	case d.Fees == nil:
		return failure.Configuration("submitter: fee manager is required")
	case d.Nonces == nil:
		return failure.Configuration("submitter: nonce manager is required")
	case d.Waiter == nil:
		return failure.Configuration("submitter: confirmation waiter is required")
	case d.Ledger == nil:
		return failure.Configuration("submitter: idempotency ledger is required")
	}
	return nil
}

// Confirmation is the outcome of a successful submission.
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	Nonce       uint64
	GasUsed     uint64
	Attempts    int
}

// Submitter builds, signs, broadcasts and confirms registry writes.
//
// Thread-safety: safe for concurrent use. Submissions from the same sender
// serialize on the nonce manager's per-sender lock for their full duration.
type Submitter struct {
	deps     Deps
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	observer func(Transition)
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithClock replaces the wall clock used for retry delays.
func WithClock(c clock.Clock) Option {
	return func(s *Submitter) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithObserver registers a callback invoked on every state entry.
func WithObserver(fn func(Transition)) Option {
	return func(s *Submitter) { s.observer = fn }
}

// New creates a Submitter.
func New(deps Deps, cfg Config, opts ...Option) (*Submitter, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Submitter{
		deps:   deps,
		cfg:    cfg,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Submitter) Config() Config {
	return s.cfg
}

// SubmitWithRetry registers (decision, reference) on-chain and records the
// confirmed transaction in the ledger.
//
// Errors:
//   - KindConfiguration: the credential cannot sign; not retried
//   - KindReverted: included but the contract call failed; not retried
//   - KindStorage: confirmed on-chain but the ledger write failed; TxHash set
//   - KindConfirmationTimeout or KindTransient: the caller's context ended,
//     possibly while waiting behind another submission from the same sender
//   - KindRetriesExhausted: every attempt failed; wraps the last cause
func (s *Submitter) SubmitWithRetry(ctx context.Context, decision, reference fingerprint.Fingerprint) (Confirmation, error) {
	data, err := s.deps.Registry.PackRegister(decision, reference)
	if err != nil {
		return Confirmation{}, failure.Wrap(failure.KindValidation, "encode registry call", err)
	}

	sender := s.deps.Account.Address()
	release, err := s.deps.Nonces.Acquire(ctx, sender)
	if err != nil {
		return Confirmation{}, err
	}
	defer release()

	p := &PendingSubmission{Decision: decision, Reference: reference}
	var lastTx common.Hash

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		p.Attempt = attempt
		p.Signed = nil

		conf, err := s.attempt(ctx, p, data)
		if err == nil {
			conf.Attempts = attempt
			return conf, nil
		}
		if h := p.TxHash(); h != (common.Hash{}) {
			lastTx = h
		}

		p.LastErr = err
		s.enter(p, StateFailed)
		s.deps.Nonces.Invalidate(sender)
		metrics.SubmissionAttemptsTotal.WithLabelValues(attemptOutcome(err)).Inc()

		if !failure.IsRetryable(err) {
			return Confirmation{}, withAttempts(err, attempt, lastTx)
		}
		if ctx.Err() != nil {
			return Confirmation{}, withAttempts(err, attempt, lastTx)
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		s.logger.Warn("submission attempt failed, retrying",
			"decision", decision.Short(),
			"attempt", attempt,
			"delay", s.cfg.RetryDelay,
			"error", err,
		)
		if err := clock.Sleep(ctx, s.clock, s.cfg.RetryDelay); err != nil {
			return Confirmation{}, withAttempts(
				failure.Wrap(failure.KindOf(p.LastErr), "caller deadline reached between attempts", errors.Join(p.LastErr, err)),
				attempt, lastTx)
		}
	}

	s.enter(p, StateRetriesExhausted)
	exhausted := &failure.Error{
		Kind:     failure.KindRetriesExhausted,
		Message:  fmt.Sprintf("registration of %s not confirmed", decision.Short()),
		Attempts: p.Attempt,
		Err:      p.LastErr,
	}
	if lastTx != (common.Hash{}) {
		exhausted.TxHash = lastTx.Hex()
	}
	return Confirmation{}, exhausted
}

// attempt runs one pass from Built to Confirmed.
func (s *Submitter) attempt(ctx context.Context, p *PendingSubmission, data []byte) (Confirmation, error) {
	if len(p.Broadcasts) > 0 {
		if inc, ok := s.deps.Waiter.Check(ctx, p.BroadcastHashes()); ok {
			s.logger.Info("earlier broadcast included",
				"decision", p.Decision.Short(),
				"tx_hash", inc.TxHash.Hex(),
				"block", inc.BlockNumber,
			)
			return s.settle(ctx, p, inc)
		}
	}

	sender := s.deps.Account.Address()
	contract := s.deps.Registry.Address()

	tx, err := s.build(ctx, p, sender, contract, data)
	if err != nil {
		return Confirmation{}, err
	}
	s.enter(p, StateBuilt)

	signed, err := s.deps.Account.Sign(tx)
	if err != nil {
		return Confirmation{}, err
	}
	p.Signed = signed
	s.enter(p, StateSigned)

	// The broadcast is not cancelled by the caller: an in-flight send whose
	// outcome is unknown is reconciled by the next idempotency check.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RPCTimeout)
	err = s.deps.Client.SendTransaction(bctx, signed)
	cancel()
	p.Broadcasts = append(p.Broadcasts, signed)
	p.Superseded = false
	if err != nil {
		p.Superseded = isNonceTooLow(err)
		return Confirmation{}, &failure.Error{
			Kind:    failure.KindTransient,
			Message: "broadcast",
			TxHash:  signed.Hash().Hex(),
			Err:     err,
		}
	}
	s.deps.Nonces.Accepted(sender, p.Nonce)
	s.enter(p, StateBroadcast)

	start := s.clock.Now()
	inc, err := s.deps.Waiter.WaitAny(ctx, p.BroadcastHashes(), s.cfg.ConfirmationTimeout)
	if err != nil {
		return Confirmation{}, err
	}
	metrics.ConfirmationDuration.Observe(s.clock.Now().Sub(start).Seconds())

	return s.settle(ctx, p, inc)
}

// settle turns an observed inclusion of one of p's broadcasts into the
// submission's outcome.
func (s *Submitter) settle(ctx context.Context, p *PendingSubmission, inc chain.Inclusion) (Confirmation, error) {
	if tx := p.broadcast(inc.TxHash); tx != nil {
		p.Signed = tx
		p.Nonce = tx.Nonce()
	}

	if !inc.Succeeded {
		return Confirmation{}, &failure.Error{
			Kind:    failure.KindReverted,
			Message: fmt.Sprintf("registry call reverted in block %d", inc.BlockNumber),
			TxHash:  inc.TxHash.Hex(),
		}
	}

	if err := s.record(ctx, p, inc); err != nil {
		return Confirmation{}, err
	}
	s.enter(p, StateConfirmed)
	metrics.SubmissionAttemptsTotal.WithLabelValues(metrics.OutcomeConfirmed).Inc()

	return Confirmation{
		TxHash:      inc.TxHash,
		BlockNumber: inc.BlockNumber,
		Nonce:       p.Nonce,
		GasUsed:     inc.GasUsed,
	}, nil
}

// build queries nonce, fees and gas, and assembles the unsigned transaction.
// While an earlier broadcast may still be pending, the new transaction
// replaces it: same nonce, fees raised enough for the node to accept it.
func (s *Submitter) build(ctx context.Context, p *PendingSubmission, sender, contract common.Address, data []byte) (*types.Transaction, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	nonce, err := s.deps.Nonces.NextNonce(rctx, sender)
	if err != nil {
		return nil, err
	}
	fees, err := s.deps.Fees.CurrentFees(rctx)
	if err != nil {
		return nil, err
	}
	if prev := p.replaceable(); prev != nil && nonce >= prev.Nonce() {
		nonce = prev.Nonce()
		fees = fees.Replacing(prev.GasFeeCap(), prev.GasTipCap())
	}
	estimate, err := s.deps.Client.EstimateGas(rctx, ethereum.CallMsg{
		From:      sender,
		To:        &contract,
		GasFeeCap: fees.MaxFeePerGas,
		GasTipCap: fees.MaxPriorityFeePerGas,
		Data:      data,
	})
	if err != nil {
		return nil, failure.Transient("estimate gas", err)
	}

	p.Nonce = nonce
	p.Fees = fees
	p.GasLimit = applyMargin(estimate, s.cfg.GasMargin)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.deps.Account.ChainID(),
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       p.GasLimit,
		To:        &contract,
		Data:      data,
	}), nil
}

// record appends the confirmed transaction to the ledger.
func (s *Submitter) record(ctx context.Context, p *PendingSubmission, inc chain.Inclusion) error {
	// The write is confirmed on-chain; record it even if the caller gave up.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RPCTimeout)
	defer cancel()

	err := s.deps.Ledger.Append(lctx, ledger.Entry{
		Decision:    p.Decision,
		Reference:   p.Reference,
		TxHash:      inc.TxHash,
		BlockNumber: inc.BlockNumber,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrDuplicateKey):
		s.logger.Warn("decision already recorded by another writer",
			"decision", p.Decision.Short(),
			"tx_hash", inc.TxHash.Hex(),
		)
		return nil
	default:
		return &failure.Error{
			Kind:    failure.KindStorage,
			Message: "confirmed on-chain but not recorded in ledger",
			TxHash:  inc.TxHash.Hex(),
			Err:     err,
		}
	}
}

// enter moves p into state, logs it and notifies the observer.
func (s *Submitter) enter(p *PendingSubmission, state State) {
	p.State = state
	t := Transition{
		Decision: p.Decision,
		Attempt:  p.Attempt,
		State:    state,
		Nonce:    p.Nonce,
		TxHash:   p.TxHash(),
	}
	if state == StateFailed || state == StateRetriesExhausted {
		t.Err = p.LastErr
	}

	attrs := []any{"decision", p.Decision.Short(), "attempt", p.Attempt, "state", state.String(), "nonce", p.Nonce}
	if t.TxHash != (common.Hash{}) {
		attrs = append(attrs, "tx_hash", t.TxHash.Hex())
	}
	switch state {
	case StateBuilt, StateSigned:
		s.logger.Debug("submission transition", append(attrs, "fees", p.Fees.String(), "gas", p.GasLimit)...)
	case StateFailed, StateRetriesExhausted:
		s.logger.Warn("submission transition", append(attrs, "error", t.Err)...)
	default:
		s.logger.Info("submission transition", attrs...)
	}

	if s.observer != nil {
		s.observer(t)
	}
}

// applyMargin returns ceil(estimate * margin) using millesimal fixed point.
func applyMargin(estimate uint64, margin float64) uint64 {
	permille := uint64(math.Round(margin * 1000))
	return (estimate*permille + 999) / 1000
}

func attemptOutcome(err error) string {
	switch failure.KindOf(err) {
	case failure.KindTransient:
		return metrics.OutcomeTransient
	case failure.KindConfirmationTimeout:
		return metrics.OutcomeConfirmationTimeout
	case failure.KindReverted:
		return metrics.OutcomeReverted
	default:
		return metrics.OutcomeFatal
	}
}

// isNonceTooLow reports whether the node rejected a send because the nonce
// is already used. The error arrives over JSON-RPC as text.
func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// withAttempts stamps the attempt count and last broadcast hash onto err.
func withAttempts(err error, attempts int, lastTx common.Hash) error {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return err
	}
	out := *fe
	out.Attempts = attempts
	if out.TxHash == "" && lastTx != (common.Hash{}) {
		out.TxHash = lastTx.Hex()
	}
	return &out
}

// SubmitBytes validates raw fingerprints and submits them.
// Either argument not exactly 32 bytes is a KindValidation failure and no
// RPC call is made.
func (s *Submitter) SubmitBytes(ctx context.Context, decision, reference []byte) (Confirmation, error) {
	d, err := fingerprint.FromBytes(decision)
	if err != nil {
		return Confirmation{}, err
	}
	r, err := fingerprint.FromBytes(reference)
	if err != nil {
		return Confirmation{}, err
	}
	return s.SubmitWithRetry(ctx, d, r)
}
