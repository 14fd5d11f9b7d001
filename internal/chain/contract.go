package chain

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

//go:embed registry_abi.json
var registryABIJSON []byte

// Method and event names on the registry contract.
const (
	MethodRegister = "registerSecureTx"
	EventSecureTx  = "SecureTx"
)

// Registry encodes calls to, and decodes events from, the registry contract.
type Registry struct {
	address common.Address
	abi     abi.ABI
}

// NewRegistry binds the registry ABI to a deployed address.
func NewRegistry(address common.Address) (*Registry, error) {
	parsed, err := abi.JSON(bytes.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	return &Registry{address: address, abi: parsed}, nil
}

// Address returns the contract address.
func (r *Registry) Address() common.Address {
	return r.address
}

// PackRegister encodes registerSecureTx(decisionId, txRefHash).
func (r *Registry) PackRegister(decision, reference fingerprint.Fingerprint) ([]byte, error) {
	data, err := r.abi.Pack(MethodRegister, [32]byte(decision), [32]byte(reference))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", MethodRegister, err)
	}
	return data, nil
}

// Registration is a SecureTx event observed on-chain.
type Registration struct {
	Decision    fingerprint.Fingerprint
	Reference   fingerprint.Fingerprint
	TxHash      common.Hash
	BlockNumber uint64
}

// FindRegistration looks back lookback blocks from head for a SecureTx event
// whose indexed decisionId equals decision. Returns nil when none is found.
// When several match, the earliest is returned.
func (r *Registry) FindRegistration(ctx context.Context, c Client, decision fingerprint.Fingerprint, lookback uint64) (*Registration, error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("find registration: head: %w", err)
	}
	var from uint64
	if head > lookback {
		from = head - lookback
	}

	event := r.abi.Events[EventSecureTx]
	logs, err := c.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{{event.ID}, {common.Hash(decision)}},
	})
	if err != nil {
		return nil, fmt.Errorf("find registration: filter logs: %w", err)
	}

	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 2 || lg.Topics[1] != common.Hash(decision) {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("find registration: unpack %s: %w", EventSecureTx, err)
		}
		ref, ok := values[0].([32]byte)
		if !ok {
			return nil, fmt.Errorf("find registration: unexpected txRefHash type %T", values[0])
		}
		return &Registration{
			Decision:    decision,
			Reference:   fingerprint.Fingerprint(ref),
			TxHash:      lg.TxHash,
			BlockNumber: lg.BlockNumber,
		}, nil
	}
	return nil, nil
}

// EventIndex answers "was this decision already registered on-chain" by
// scanning recent SecureTx events.
type EventIndex struct {
	Registry *Registry
	Client   Client

	// Lookback is the number of blocks scanned back from the head.
	Lookback uint64
}

// FindRegistration returns the earliest SecureTx event for decision within
// the lookback window, or nil.
func (ix EventIndex) FindRegistration(ctx context.Context, decision fingerprint.Fingerprint) (*Registration, error) {
	return ix.Registry.FindRegistration(ctx, ix.Client, decision, ix.Lookback)
}
