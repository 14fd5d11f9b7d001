// Package oracle defines the scoring collaborator that turns a feature vector
// into a risk score, and ships the heuristic baseline used when no trained
// model is deployed.
//
// Scores are in [0,1]; a score at or above Threshold is labelled fraud.
package oracle

import (
	"fmt"
	"math"
	"strconv"
)

// Oracle scores feature vectors.
type Oracle interface {
	// Score returns a risk score in [0,1].
	Score(features map[string]float64) (float64, error)

	// Threshold is the decision boundary. It is part of the decision fingerprint.
	Threshold() float64

	// Features is the declared feature order used for vectorization.
	Features() []string
}

// DefaultFeatures are the columns of the card-transaction dataset the
// baseline was calibrated on.
var DefaultFeatures = func() []string {
	cols := []string{"Time"}
	for i := 1; i <= 28; i++ {
		cols = append(cols, "V"+strconv.Itoa(i))
	}
	return append(cols, "Amount")
}()

// Vectorize projects features onto order. Missing names become 0 and names
// not in order are dropped, so the result is a pure function of order and
// the declared values.
func Vectorize(order []string, features map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(order))
	for _, name := range order {
		out[name] = features[name]
	}
	return out
}

// Label is 1 (fraud) when score >= threshold, else 0.
func Label(score, threshold float64) int {
	if score >= threshold {
		return 1
	}
	return 0
}

// BaselineParams calibrates the baseline heuristic.
type BaselineParams struct {
	AmountQ01 float64 `yaml:"amount_q01" json:"amount_q01"`
	AmountQ99 float64 `yaml:"amount_q99" json:"amount_q99"`
	V1AbsQ99  float64 `yaml:"v1_abs_q99" json:"v1_abs_q99"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// DefaultBaselineParams are quantiles of the non-fraud training split.
var DefaultBaselineParams = BaselineParams{
	AmountQ01: 0.12,
	AmountQ99: 1017.97,
	V1AbsQ99:  5.93,
	Threshold: 0.42,
}

// Baseline scores with 0.7*amountNorm + 0.3*v1Norm, each clipped to [0,1].
type Baseline struct {
	params   BaselineParams
	features []string
}

// NewBaseline creates a baseline oracle. A nil features slice uses DefaultFeatures.
func NewBaseline(params BaselineParams, features []string) (*Baseline, error) {
	if params.Threshold < 0 || params.Threshold > 1 || math.IsNaN(params.Threshold) {
		return nil, fmt.Errorf("baseline threshold %v outside [0,1]", params.Threshold)
	}
	if features == nil {
		features = DefaultFeatures
	}
	return &Baseline{params: params, features: append([]string(nil), features...)}, nil
}

// Score implements Oracle.
func (b *Baseline) Score(features map[string]float64) (float64, error) {
	amount := features["Amount"]
	v1 := features["V1"]
	if math.IsNaN(amount) || math.IsInf(amount, 0) || math.IsNaN(v1) || math.IsInf(v1, 0) {
		return 0, fmt.Errorf("baseline score: non-finite input")
	}

	amountNorm := clip((amount-b.params.AmountQ01)/math.Max(b.params.AmountQ99-b.params.AmountQ01, 1e-6), 0, 3) / 3
	v1Norm := clip(math.Abs(v1)/math.Max(b.params.V1AbsQ99, 1e-6), 0, 3) / 3
	return 0.7*amountNorm + 0.3*v1Norm, nil
}

// Threshold implements Oracle.
func (b *Baseline) Threshold() float64 { return b.params.Threshold }

// Features implements Oracle.
func (b *Baseline) Features() []string { return append([]string(nil), b.features...) }

func clip(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// Static returns a fixed score. Useful for wiring checks and tests.
type Static struct {
	Value   float64
	Cutoff  float64
	Columns []string
}

// Score implements Oracle.
func (s Static) Score(map[string]float64) (float64, error) { return s.Value, nil }

// Threshold implements Oracle.
func (s Static) Threshold() float64 { return s.Cutoff }

// Features implements Oracle.
func (s Static) Features() []string { return append([]string(nil), s.Columns...) }
