// Package chain is the client side of the external ledger.
//
// It owns everything that talks to the RPC endpoint: the signing account,
// the registry contract encoding, fee and nonce derivation, and waiting for
// inclusion. It never decides whether to retry; that belongs to the submit
// package.
//
// The RPC surface is the Client interface, which *ethclient.Client satisfies.
// Tests substitute a scripted fake.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

// Client is the subset of the JSON-RPC API the pipeline consumes.
type Client interface {
	// ChainID returns the network's chain identifier.
	ChainID(ctx context.Context) (*big.Int, error)

	// PendingNonceAt returns the account's transaction count including pending transactions.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// EstimateGas estimates the resource cost of a call.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// SuggestGasTipCap returns the node's priority fee suggestion.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// HeaderByNumber returns a block header; nil number means latest.
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// SendTransaction submits a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns the receipt, or ethereum.NotFound while pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// CodeAt returns contract code at an address; nil block means latest.
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)

	// FilterLogs returns logs matching the query.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to the RPC endpoint at url.
// The connection is stateless and safe to share between goroutines.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, fmt.Sprintf("dial rpc %s", url), err)
	}
	return c, nil
}

// Health summarizes what the endpoint reports about the configured deployment.
type Health struct {
	RPCConnected     bool   `json:"rpc_connected"`
	ChainID          uint64 `json:"chain_id"`
	ChainIDMatches   bool   `json:"chain_id_matches"`
	ContractAddress  string `json:"contract_address"`
	ContractDeployed bool   `json:"contract_deployed"`
	LatestBlock      uint64 `json:"latest_block"`
	Sender           string `json:"sender"`
}

// CheckHealth queries the endpoint for chain id, head and contract code.
// Returns a partially filled Health and the first error encountered.
func CheckHealth(ctx context.Context, c Client, account *SenderAccount, contract common.Address) (Health, error) {
	h := Health{
		ContractAddress: contract.Hex(),
		Sender:          account.Address().Hex(),
	}

	id, err := c.ChainID(ctx)
	if err != nil {
		return h, fmt.Errorf("health: chain id: %w", err)
	}
	h.RPCConnected = true
	h.ChainID = id.Uint64()
	h.ChainIDMatches = id.Cmp(account.ChainID()) == 0

	head, err := c.BlockNumber(ctx)
	if err != nil {
		return h, fmt.Errorf("health: block number: %w", err)
	}
	h.LatestBlock = head

	code, err := c.CodeAt(ctx, contract, nil)
	if err != nil {
		return h, fmt.Errorf("health: contract code: %w", err)
	}
	h.ContractDeployed = len(code) > 0

	return h, nil
}
