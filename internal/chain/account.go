package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

// SenderAccount is the signing identity.
//
// It is constructed once at startup and shared read-only afterwards. The
// private key never leaves this type: every formatting path (String, Format,
// LogValue, MarshalJSON) renders only the address.
type SenderAccount struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSenderAccount parses a 0x-prefixed 32-byte hex private key.
// Errors are KindConfiguration and never include the key material.
func NewSenderAccount(hexKey string, chainID uint64) (*SenderAccount, error) {
	if !strings.HasPrefix(hexKey, "0x") || len(hexKey) != 66 {
		return nil, failure.Configuration("private key must be 0x followed by 64 hex digits")
	}
	raw, err := hex.DecodeString(hexKey[2:])
	if err != nil {
		return nil, failure.Configuration("private key is not valid hex")
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, failure.Configuration("private key is not a valid secp256k1 scalar")
	}
	return NewSenderAccountFromKey(key, chainID)
}

// NewSenderAccountFromKey wraps an already parsed key.
func NewSenderAccountFromKey(key *ecdsa.PrivateKey, chainID uint64) (*SenderAccount, error) {
	if key == nil {
		return nil, failure.Configuration("private key is required")
	}
	if chainID == 0 {
		return nil, failure.Configuration("chain id must be positive")
	}
	id := new(big.Int).SetUint64(chainID)
	return &SenderAccount{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.NewLondonSigner(id),
	}, nil
}

// Address returns the sender address.
func (a *SenderAccount) Address() common.Address {
	return a.address
}

// ChainID returns a copy of the chain id the account signs for.
func (a *SenderAccount) ChainID() *big.Int {
	return new(big.Int).Set(a.chainID)
}

// Sign signs tx for the account's chain.
// A signing failure means the credential itself is unusable, so it is
// reported as KindConfiguration and never retried.
func (a *SenderAccount) Sign(tx *types.Transaction) (*types.Transaction, error) {
	if a == nil || a.key == nil {
		return nil, failure.Configuration("no signing credential loaded")
	}
	signed, err := types.SignTx(tx, a.signer, a.key)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, "sign transaction", err)
	}
	return signed, nil
}

// String renders the address only.
func (a *SenderAccount) String() string {
	return a.address.Hex()
}

// Format renders the address only, for every verb.
func (a *SenderAccount) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, a.address.Hex())
}

// LogValue renders the address only.
func (a *SenderAccount) LogValue() slog.Value {
	return slog.StringValue(a.address.Hex())
}

// MarshalJSON renders the address only.
func (a *SenderAccount) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"address": a.address.Hex()})
}
