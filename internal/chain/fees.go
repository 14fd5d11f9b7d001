package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

// Gwei is 1e9 wei.
var Gwei = big.NewInt(1_000_000_000)

// FeeMode selects how fee parameters are derived.
type FeeMode string

const (
	// FeeModeStatic always returns the configured fee caps.
	FeeModeStatic FeeMode = "static"

	// FeeModeNetwork derives caps from the latest base fee and the node's tip
	// suggestion, never going below the configured caps.
	FeeModeNetwork FeeMode = "network"
)

// FeeParams are EIP-1559 fee caps, in wei.
type FeeParams struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// String renders both caps in gwei.
func (p FeeParams) String() string {
	return fmt.Sprintf("max=%s gwei tip=%s gwei", toGwei(p.MaxFeePerGas), toGwei(p.MaxPriorityFeePerGas))
}

// Replacing returns fees able to replace a pending transaction priced at
// prevMaxFee and prevTip: each cap is the larger of p and the previous cap
// raised by 12.5%, rounded up. Nodes reject replacements bumped by less
// than 10%.
func (p FeeParams) Replacing(prevMaxFee, prevTip *big.Int) FeeParams {
	out := FeeParams{
		MaxFeePerGas:         maxBig(p.MaxFeePerGas, bump(prevMaxFee)),
		MaxPriorityFeePerGas: maxBig(p.MaxPriorityFeePerGas, bump(prevTip)),
	}
	if out.MaxFeePerGas.Cmp(out.MaxPriorityFeePerGas) < 0 {
		out.MaxFeePerGas.Set(out.MaxPriorityFeePerGas)
	}
	return out
}

// bump returns ceil(v * 9 / 8).
func bump(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(9))
	out.Add(out, big.NewInt(7))
	return out.Div(out, big.NewInt(8))
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil || a.Cmp(b) < 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}

// FeeManager returns conservative fee bounds.
//
// Underpricing causes silent stalls rather than explicit errors, so every mode
// errs towards overestimation: the static caps act as a floor for the
// network-derived values.
type FeeManager struct {
	client Client
	mode   FeeMode
	floor  FeeParams

	// baseFeeMultiplier scales the latest base fee to absorb several blocks of
	// base fee growth.
	baseFeeMultiplier int64
}

// NewFeeManager creates a fee manager. maxFee and tip are the static caps in wei.
func NewFeeManager(client Client, mode FeeMode, maxFee, tip *big.Int) (*FeeManager, error) {
	switch mode {
	case FeeModeStatic, FeeModeNetwork:
	default:
		return nil, failure.Configuration("unknown fee mode %q", mode)
	}
	if maxFee == nil || tip == nil || maxFee.Sign() <= 0 || tip.Sign() < 0 {
		return nil, failure.Configuration("fee caps must be positive")
	}
	if maxFee.Cmp(tip) < 0 {
		return nil, failure.Configuration("max fee must be at least the priority fee")
	}
	return &FeeManager{
		client:            client,
		mode:              mode,
		floor:             FeeParams{MaxFeePerGas: new(big.Int).Set(maxFee), MaxPriorityFeePerGas: new(big.Int).Set(tip)},
		baseFeeMultiplier: 2,
	}, nil
}

// Mode returns the configured fee mode.
func (m *FeeManager) Mode() FeeMode {
	return m.mode
}

// CurrentFees returns the fee caps for the next transaction.
func (m *FeeManager) CurrentFees(ctx context.Context) (FeeParams, error) {
	fees := FeeParams{
		MaxFeePerGas:         new(big.Int).Set(m.floor.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(m.floor.MaxPriorityFeePerGas),
	}
	if m.mode == FeeModeStatic {
		return fees, nil
	}

	tip, err := m.client.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeParams{}, failure.Transient("suggest gas tip cap", err)
	}
	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeParams{}, failure.Transient("latest header", err)
	}

	if tip.Cmp(fees.MaxPriorityFeePerGas) > 0 {
		fees.MaxPriorityFeePerGas.Set(tip)
	}
	if head.BaseFee != nil {
		derived := new(big.Int).Mul(head.BaseFee, big.NewInt(m.baseFeeMultiplier))
		derived.Add(derived, fees.MaxPriorityFeePerGas)
		if derived.Cmp(fees.MaxFeePerGas) > 0 {
			fees.MaxFeePerGas.Set(derived)
		}
	}
	if fees.MaxFeePerGas.Cmp(fees.MaxPriorityFeePerGas) < 0 {
		fees.MaxFeePerGas.Set(fees.MaxPriorityFeePerGas)
	}
	return fees, nil
}

func toGwei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, Gwei)
	return r.FloatString(2)
}
