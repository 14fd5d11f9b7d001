package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TestPrivateKey is the first well-known development account key.
// Never holds funds on a public network.
const TestPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// TestAddress is the address derived from TestPrivateKey.
const TestAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// TestContract is an arbitrary registry contract address.
const TestContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// SendResult scripts the outcome of one SendTransaction call.
type SendResult struct {
	// Err is returned to the caller.
	Err error

	// Accepted means the node kept the transaction even if Err is non-nil,
	// modelling a broadcast whose local outcome is ambiguous.
	Accepted bool
}

// FakeChain is a scripted, in-memory JSON-RPC endpoint.
//
// Configure the exported fields before use. Scripts (SendScript, NonceErrs,
// EstimateErrs) are consumed one entry per call; once exhausted every call
// succeeds. Call counts are recorded per method.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type FakeChain struct {
	mu sync.Mutex

	ChainIDValue uint64
	Nonce        uint64
	Gas          uint64
	Tip          *big.Int
	BaseFee      *big.Int
	Head         uint64
	Code         []byte
	Logs         []types.Log

	SendScript   []SendResult
	NonceErrs    []error
	EstimateErrs []error
	ReceiptErr   error

	// ReceiptBlock is reported for every receipt. Zero means Head+1.
	ReceiptBlock uint64

	// PendingPolls is the number of NotFound answers before a receipt appears.
	PendingPolls int

	// NeverConfirm keeps every transaction pending forever.
	NeverConfirm bool

	// Revert marks every receipt as failed.
	Revert bool

	// OnSend runs inside SendTransaction before the script is consumed.
	OnSend func(tx *types.Transaction)

	calls     map[string]int
	sent      []*types.Transaction
	polls     map[common.Hash]int
	estimates []ethereum.CallMsg
}

// NewFakeChain creates a fake on chain id 1337 with sensible defaults.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		ChainIDValue: 1337,
		Gas:          50_000,
		Tip:          big.NewInt(1_000_000_000),
		BaseFee:      big.NewInt(7),
		Head:         100,
		Code:         []byte{0x60, 0x80},
	}
}

func (f *FakeChain) record(method string) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
}

// Calls returns how many times method was invoked.
func (f *FakeChain) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (f *FakeChain) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Sent returns every transaction the node accepted, in order.
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// EstimateCalls returns every message passed to EstimateGas.
func (f *FakeChain) EstimateCalls() []ethereum.CallMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ethereum.CallMsg, len(f.estimates))
	copy(out, f.estimates)
	return out
}

func (f *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ChainID")
	return new(big.Int).SetUint64(f.ChainIDValue), nil
}

func (f *FakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PendingNonceAt")
	if len(f.NonceErrs) > 0 {
		err := f.NonceErrs[0]
		f.NonceErrs = f.NonceErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.Nonce, nil
}

func (f *FakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EstimateGas")
	f.estimates = append(f.estimates, msg)
	if len(f.EstimateErrs) > 0 {
		err := f.EstimateErrs[0]
		f.EstimateErrs = f.EstimateErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.Gas, nil
}

func (f *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SuggestGasTipCap")
	return new(big.Int).Set(f.Tip), nil
}

func (f *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("HeaderByNumber")
	h := &types.Header{Number: new(big.Int).SetUint64(f.Head)}
	if f.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(f.BaseFee)
	}
	return h, nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.OnSend != nil {
		f.OnSend(tx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendTransaction")

	result := SendResult{Accepted: true}
	if len(f.SendScript) > 0 {
		result = f.SendScript[0]
		f.SendScript = f.SendScript[1:]
	}
	if result.Err == nil {
		result.Accepted = true
	}
	if result.Accepted {
		f.sent = append(f.sent, tx)
		if tx.Nonce() >= f.Nonce {
			f.Nonce = tx.Nonce() + 1
		}
	}
	return result.Err
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TransactionReceipt")

	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	var found *types.Transaction
	for _, tx := range f.sent {
		if tx.Hash() == txHash {
			found = tx
			break
		}
	}
	if found == nil || f.NeverConfirm {
		return nil, ethereum.NotFound
	}
	if f.polls == nil {
		f.polls = make(map[common.Hash]int)
	}
	if f.polls[txHash] < f.PendingPolls {
		f.polls[txHash]++
		return nil, ethereum.NotFound
	}

	block := f.ReceiptBlock
	if block == 0 {
		block = f.Head + 1
	}
	status := types.ReceiptStatusSuccessful
	if f.Revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		GasUsed:     found.Gas() / 2,
		BlockNumber: new(big.Int).SetUint64(block),
	}, nil
}

func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BlockNumber")
	return f.Head, nil
}

func (f *FakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CodeAt")
	return f.Code, nil
}

func (f *FakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FilterLogs")

	var out []types.Log
	for _, lg := range f.Logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchTopics(lg.Topics, q.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func matchTopics(have []common.Hash, want [][]common.Hash) bool {
	for i, alternatives := range want {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(have) {
			return false
		}
		ok := false
		for _, h := range alternatives {
			if have[i] == h {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
