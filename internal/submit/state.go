package submit

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gaboibarra/fraudchain/internal/chain"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// State is a position in the submission state machine.
//
//	Built -> Signed -> Broadcast -> Confirmed
//	  any non-terminal state -> Failed -> Built (next attempt)
//	Failed -> RetriesExhausted
type State int

const (
	StateBuilt State = iota
	StateSigned
	StateBroadcast
	StateConfirmed
	StateFailed
	StateRetriesExhausted
)

var stateNames = [...]string{
	StateBuilt:            "built",
	StateSigned:           "signed",
	StateBroadcast:        "broadcast",
	StateConfirmed:        "confirmed",
	StateFailed:           "failed",
	StateRetriesExhausted: "retries_exhausted",
}

// String returns the lowercase state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition follows s within one
// submission. Failed is terminal for an attempt, not for the submission.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRetriesExhausted
}

// PendingSubmission is the in-memory state of one logical write.
// It is owned by a single SubmitWithRetry call and never persisted.
type PendingSubmission struct {
	Decision  fingerprint.Fingerprint
	Reference fingerprint.Fingerprint
	Nonce     uint64
	Fees      chain.FeeParams
	GasLimit  uint64
	Signed    *types.Transaction
	Attempt   int
	State     State
	LastErr   error

	// Broadcasts holds every transaction handed to the node for this write,
	// oldest first, including sends whose outcome was ambiguous. Any of them
	// may still be included.
	Broadcasts []*types.Transaction

	// Superseded is set when the node reported the latest broadcast's nonce
	// as already used, so the next attempt takes a fresh nonce.
	Superseded bool
}

// BroadcastHashes returns the hashes of Broadcasts in order.
func (p *PendingSubmission) BroadcastHashes() []common.Hash {
	out := make([]common.Hash, len(p.Broadcasts))
	for i, tx := range p.Broadcasts {
		out[i] = tx.Hash()
	}
	return out
}

// replaceable returns the broadcast the next attempt should replace, or nil
// when the next attempt needs a fresh nonce.
func (p *PendingSubmission) replaceable() *types.Transaction {
	if p.Superseded || len(p.Broadcasts) == 0 {
		return nil
	}
	return p.Broadcasts[len(p.Broadcasts)-1]
}

// broadcast returns the tracked transaction with hash h, or nil.
func (p *PendingSubmission) broadcast(h common.Hash) *types.Transaction {
	for _, tx := range p.Broadcasts {
		if tx.Hash() == h {
			return tx
		}
	}
	return nil
}

// TxHash returns the hash of the signed transaction, or the zero hash.
func (p *PendingSubmission) TxHash() common.Hash {
	if p.Signed == nil {
		return common.Hash{}
	}
	return p.Signed.Hash()
}

// Transition records entry into a state, for logging and observers.
type Transition struct {
	Decision fingerprint.Fingerprint
	Attempt  int
	State    State
	Nonce    uint64
	TxHash   common.Hash
	Err      error
}
