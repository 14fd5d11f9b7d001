package registry

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaboibarra/fraudchain/internal/fingerprint"
)

// Outcome tags a successful registration call.
type Outcome string

const (
	// OutcomeConfirmed means this call broadcast the write and observed inclusion.
	OutcomeConfirmed Outcome = "confirmed"

	// OutcomeSkipped means the decision was already registered; nothing was sent.
	OutcomeSkipped Outcome = "skipped"
)

// Skip reasons.
const (
	ReasonAlreadyRecorded = "already_recorded"
	ReasonFoundOnChain    = "found_onchain"
)

// Result is the outcome of RegisterSecureDecision.
// Failures are returned as errors, never as a Result.
type Result struct {
	Outcome        Outcome
	Reason         string
	RegistrationID string
	Decision       fingerprint.Fingerprint
	Reference      fingerprint.Fingerprint

	// Set when Outcome is OutcomeConfirmed, or when a skip reconciled an
	// on-chain event.
	TxHash      common.Hash
	BlockNumber uint64

	// Set when Outcome is OutcomeConfirmed.
	Nonce    uint64
	Attempts int
}

// Skipped reports whether the call was an idempotent no-op.
func (r Result) Skipped() bool {
	return r.Outcome == OutcomeSkipped
}

type resultJSON struct {
	Outcome        Outcome `json:"outcome"`
	Skipped        bool    `json:"skipped"`
	Reason         string  `json:"reason,omitempty"`
	RegistrationID string  `json:"registrationId,omitempty"`
	Decision       string  `json:"decisionFingerprint"`
	Reference      string  `json:"referenceFingerprint"`
	TxHash         string  `json:"chainTxHash,omitempty"`
	BlockNumber    uint64  `json:"blockNumber,omitempty"`
	Nonce          *uint64 `json:"nonce,omitempty"`
	Attempts       int     `json:"attempts,omitempty"`
}

// MarshalJSON renders hashes as 0x hex and omits fields that do not apply
// to the outcome.
func (r Result) MarshalJSON() ([]byte, error) {
	v := resultJSON{
		Outcome:        r.Outcome,
		Skipped:        r.Skipped(),
		Reason:         r.Reason,
		RegistrationID: r.RegistrationID,
		Decision:       r.Decision.Hex(),
		Reference:      r.Reference.Hex(),
		BlockNumber:    r.BlockNumber,
		Attempts:       r.Attempts,
	}
	if r.TxHash != (common.Hash{}) {
		v.TxHash = r.TxHash.Hex()
	}
	if r.Outcome == OutcomeConfirmed {
		n := r.Nonce
		v.Nonce = &n
	}
	return json.Marshal(v)
}

// Evaluation is the outcome of scoring a feature vector and, for secure
// decisions, registering it.
type Evaluation struct {
	Score     float64                 `json:"score"`
	Threshold float64                 `json:"threshold"`
	Label     int                     `json:"label"`
	Secure    bool                    `json:"secure"`
	Decision  fingerprint.Fingerprint `json:"decisionFingerprint"`
	Reference fingerprint.Fingerprint `json:"referenceFingerprint"`
	LatencyMS float64                 `json:"latencyMs"`

	// OnChain is nil when the decision was not secure.
	OnChain *Result `json:"onchain"`
}
