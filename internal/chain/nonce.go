package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/keylock"
)

// NonceManager derives the sender's next usable nonce and serializes writers
// per sender.
//
// The nonce is always re-queried from the node. A broadcast that reported
// failure locally may still have been accepted by the network; the node's
// pending count is the only source that reflects that. The one piece of local
// state is a floor raised after each accepted broadcast, which keeps
// assignment monotonic if the node lags behind its own mempool. The floor is
// dropped after any failed attempt.
type NonceManager struct {
	client Client
	locks  keylock.Map[common.Address]

	mu    sync.Mutex
	floor map[common.Address]uint64
}

// NewNonceManager creates a nonce manager.
func NewNonceManager(client Client) *NonceManager {
	return &NonceManager{
		client: client,
		floor:  make(map[common.Address]uint64),
	}
}

// Acquire blocks until the caller is the single writer for sender or ctx
// ends. Hold it from the nonce query until the submission reaches a terminal
// state. When ctx ends first the error is a transient failure wrapping
// ctx.Err() and nothing is held.
func (m *NonceManager) Acquire(ctx context.Context, sender common.Address) (release func(), err error) {
	release, err = m.locks.Lock(ctx, sender)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransient, "waiting for sender "+sender.Hex(), err)
	}
	return release, nil
}

// NextNonce queries the node for the sender's pending transaction count.
func (m *NonceManager) NextNonce(ctx context.Context, sender common.Address) (uint64, error) {
	n, err := m.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return 0, failure.Transient("pending nonce", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if floor, ok := m.floor[sender]; ok && floor > n {
		return floor, nil
	}
	return n, nil
}

// Accepted records that the node accepted a transaction with nonce.
func (m *NonceManager) Accepted(sender common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce+1 > m.floor[sender] {
		m.floor[sender] = nonce + 1
	}
}

// Invalidate drops local state for sender so the next query trusts the node alone.
func (m *NonceManager) Invalidate(sender common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.floor, sender)
}
