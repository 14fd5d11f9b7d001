// Package fingerprint derives the fixed-width identifiers recorded on-chain.
//
// A decision fingerprint names one scoring decision: the feature vector plus
// the threshold it was judged against. A reference fingerprint correlates an
// off-chain transaction reference to the on-chain event without revealing it.
//
// # Derivation
//
// Both are SHA-256 over a domain-separated canonical serialization:
//
//	SHA256(domain || 0x00 || canonical-json)
//
// Feature values and thresholds are rendered as shortest round-trip decimal
// strings, so identical inputs yield identical fingerprints across processes
// and restarts. Only the digest is ever stored; feature values are not
// recoverable from it.
//
// The timestamp fallback for references is non-deterministic by construction.
// Idempotency is keyed on the decision fingerprint alone.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/gaboibarra/fraudchain/internal/failure"
)

// Size is the byte length of every fingerprint.
const Size = 32

// Domain prefixes for the two identifier families.
// The version suffix allows a future change of derivation.
const (
	DomainDecision  = "fraudchain/decision/v1"
	DomainReference = "fraudchain/reference/v1"
)

// Fingerprint is a 32-byte identifier.
type Fingerprint [Size]byte

// Hex returns the 0x-prefixed lowercase encoding (66 characters).
func (f Fingerprint) Hex() string {
	return "0x" + hex.EncodeToString(f[:])
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return f.Hex()
}

// Short returns an abbreviated form for log lines.
func (f Fingerprint) Short() string {
	return f.Hex()[:10]
}

// Bytes returns a copy of the raw bytes.
func (f Fingerprint) Bytes() []byte {
	return bytes.Clone(f[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with Parse semantics.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse decodes a 0x-prefixed, 64-hex-digit string.
// Any other length or encoding is a validation failure.
func Parse(s string) (Fingerprint, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Fingerprint{}, failure.Validation("fingerprint %q: missing 0x prefix", abbreviate(s))
	}
	if len(s) != 2+2*Size {
		return Fingerprint{}, failure.Validation("fingerprint %q: want %d hex digits, got %d", abbreviate(s), 2*Size, len(s)-2)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return Fingerprint{}, failure.Wrap(failure.KindValidation, fmt.Sprintf("fingerprint %q: invalid hex", abbreviate(s)), err)
	}
	return FromBytes(raw)
}

// FromBytes copies b into a Fingerprint. b must be exactly 32 bytes.
func FromBytes(b []byte) (Fingerprint, error) {
	if len(b) != Size {
		return Fingerprint{}, failure.Validation("fingerprint must be %d bytes, got %d", Size, len(b))
	}
	var f Fingerprint
	copy(f[:], b)
	return f, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with constant inputs.
func MustParse(s string) Fingerprint {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Decision fingerprints a feature vector and the threshold it was judged against.
// Feature names are NFC-normalized; two names that normalize to the same string
// are rejected, as are non-finite values.
func Decision(features map[string]float64, threshold float64) (Fingerprint, error) {
	feats := make(map[string]any, len(features))
	for name, value := range features {
		key := norm.NFC.String(name)
		if key == "" {
			return Fingerprint{}, failure.Validation("feature name must not be empty")
		}
		if _, dup := feats[key]; dup {
			return Fingerprint{}, failure.Validation("feature %q appears twice after normalization", key)
		}
		s, err := formatFloat(value)
		if err != nil {
			return Fingerprint{}, failure.Validation("feature %q: %v", key, err)
		}
		feats[key] = s
	}

	thr, err := formatFloat(threshold)
	if err != nil {
		return Fingerprint{}, failure.Validation("threshold: %v", err)
	}

	canonical, err := marshalCanonical(map[string]any{
		"features":  feats,
		"threshold": thr,
	})
	if err != nil {
		return Fingerprint{}, fmt.Errorf("decision fingerprint: %w", err)
	}
	return hashWithDomain(DomainDecision, canonical), nil
}

// Reference fingerprints a caller-supplied transaction reference.
func Reference(ref string) Fingerprint {
	canonical, _ := marshalCanonical(map[string]any{"ref": ref})
	return hashWithDomain(DomainReference, canonical)
}

// ReferenceOrTimestamp fingerprints ref, or a nanosecond timestamp nonce
// derived from now when ref is empty.
func ReferenceOrTimestamp(ref string, now time.Time) Fingerprint {
	if ref == "" {
		ref = fmt.Sprintf("ts:%d", now.UnixNano())
	}
	return Reference(ref)
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Fingerprint {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

func abbreviate(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}
