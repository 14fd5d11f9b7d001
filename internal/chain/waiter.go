package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gaboibarra/fraudchain/internal/clock"
	"github.com/gaboibarra/fraudchain/internal/failure"
)

// Default waiter settings.
const (
	DefaultConfirmationTimeout = 120 * time.Second
	DefaultPollInterval        = time.Second
)

// Inclusion is the observation that a transaction landed in a block.
type Inclusion struct {
	TxHash      common.Hash
	BlockNumber uint64
	Succeeded   bool
	GasUsed     uint64
}

// Waiter polls for a transaction receipt until it appears or time runs out.
type Waiter struct {
	client     Client
	clock      clock.Clock
	interval   time.Duration
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithPollInterval sets the bound between receipt polls.
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) { w.interval = d }
}

// WithWaiterClock replaces the wall clock.
func WithWaiterClock(c clock.Clock) WaiterOption {
	return func(w *Waiter) { w.clock = c }
}

// WithWaiterLogger sets the logger.
func WithWaiterLogger(l *slog.Logger) WaiterOption {
	return func(w *Waiter) { w.logger = l }
}

// WithReceiptTimeout bounds each individual receipt query.
func WithReceiptTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) { w.rpcTimeout = d }
}

// NewWaiter creates a confirmation waiter.
func NewWaiter(client Client, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		client:     client,
		clock:      clock.System{},
		interval:   DefaultPollInterval,
		rpcTimeout: 10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until txHash is included or timeout elapses.
//
// A timeout, including the caller's context ending first, returns a
// KindConfirmationTimeout failure. It is not proof the transaction failed:
// it may still be included later. Errors from individual receipt queries are
// logged and polling continues.
func (w *Waiter) Wait(ctx context.Context, txHash common.Hash, timeout time.Duration) (Inclusion, error) {
	return w.WaitAny(ctx, []common.Hash{txHash}, timeout)
}

// WaitAny is Wait over several transactions competing for the same write,
// such as a broadcast and its replacement. Every hash is polled each round
// and the first one found included wins. A timeout names the last hash.
func (w *Waiter) WaitAny(ctx context.Context, hashes []common.Hash, timeout time.Duration) (Inclusion, error) {
	if len(hashes) == 0 {
		return Inclusion{}, failure.Validation("no transaction to wait for")
	}
	last := hashes[len(hashes)-1]
	deadline := w.clock.Now().Add(timeout)

	for polls := 1; ; polls++ {
		if inc, ok := w.Check(ctx, hashes); ok {
			w.logger.Debug("receipt observed", "tx_hash", inc.TxHash.Hex(), "block", inc.BlockNumber, "polls", polls)
			return inc, nil
		}

		if ctx.Err() != nil {
			return Inclusion{}, w.timeout(last, "caller deadline reached before inclusion", ctx.Err())
		}
		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 {
			return Inclusion{}, w.timeout(last, fmt.Sprintf("not included within %s", timeout), nil)
		}
		if err := clock.Sleep(ctx, w.clock, min(w.interval, remaining)); err != nil {
			return Inclusion{}, w.timeout(last, "caller deadline reached before inclusion", err)
		}
	}
}

// Check queries the receipt of each hash once, in order, and reports the
// first inclusion found. Query errors count as not included.
func (w *Waiter) Check(ctx context.Context, hashes []common.Hash) (Inclusion, bool) {
	for _, h := range hashes {
		receipt, err := w.poll(ctx, h)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				w.logger.Debug("receipt query failed", "tx_hash", h.Hex(), "error", err)
			}
			continue
		}
		if receipt == nil {
			continue
		}
		inc := Inclusion{
			TxHash:    h,
			Succeeded: receipt.Status == types.ReceiptStatusSuccessful,
			GasUsed:   receipt.GasUsed,
		}
		if receipt.BlockNumber != nil {
			inc.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return inc, true
	}
	return Inclusion{}, false
}

func (w *Waiter) poll(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	rctx, cancel := context.WithTimeout(ctx, w.rpcTimeout)
	defer cancel()
	return w.client.TransactionReceipt(rctx, txHash)
}

func (w *Waiter) timeout(txHash common.Hash, msg string, cause error) error {
	return &failure.Error{
		Kind:    failure.KindConfirmationTimeout,
		Message: msg,
		TxHash:  txHash.Hex(),
		Err:     cause,
	}
}
