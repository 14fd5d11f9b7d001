package oracle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineScore(t *testing.T) {
	params := BaselineParams{AmountQ01: 0, AmountQ99: 100, V1AbsQ99: 2, Threshold: 0.5}
	b, err := NewBaseline(params, []string{"Amount", "V1"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		features map[string]float64
		want     float64
	}{
		{"zero", map[string]float64{}, 0},
		{"amount at q99", map[string]float64{"Amount": 100}, 0.7 / 3},
		{"amount clipped", map[string]float64{"Amount": 1e9}, 0.7},
		{"amount below q01", map[string]float64{"Amount": -5}, 0},
		{"negative v1 uses magnitude", map[string]float64{"V1": -2}, 0.3 / 3},
		{"both saturated", map[string]float64{"Amount": 300, "V1": 6}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Score(tt.features)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}

	_, err = b.Score(map[string]float64{"Amount": math.NaN()})
	assert.Error(t, err)
}

func TestBaselineDegenerateQuantiles(t *testing.T) {
	b, err := NewBaseline(BaselineParams{AmountQ01: 5, AmountQ99: 5, Threshold: 0.5}, nil)
	require.NoError(t, err)

	got, err := b.Score(map[string]float64{"Amount": 5, "V1": 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
	assert.Equal(t, DefaultFeatures, b.Features())
}

func TestNewBaselineRejectsThreshold(t *testing.T) {
	_, err := NewBaseline(BaselineParams{Threshold: 1.5}, nil)
	assert.Error(t, err)
	_, err = NewBaseline(BaselineParams{Threshold: math.NaN()}, nil)
	assert.Error(t, err)
}

func TestVectorize(t *testing.T) {
	got := Vectorize([]string{"Amount", "V1", "V2"}, map[string]float64{
		"Amount": 12.5,
		"V2":     -1,
		"Extra":  99,
	})
	assert.Equal(t, map[string]float64{"Amount": 12.5, "V1": 0, "V2": -1}, got)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, 1, Label(0.5, 0.5))
	assert.Equal(t, 0, Label(0.49, 0.5))
}

func TestDefaultFeatures(t *testing.T) {
	require.Len(t, DefaultFeatures, 30)
	assert.Equal(t, "Time", DefaultFeatures[0])
	assert.Equal(t, "V28", DefaultFeatures[28])
	assert.Equal(t, "Amount", DefaultFeatures[29])
}
