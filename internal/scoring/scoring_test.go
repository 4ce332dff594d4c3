package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

var defaultWeights = domain.Weights{Abuse: 0.3, Cost: 0.5, Conversion: 0.2}

func TestNormalize(t *testing.T) {
	t.Run("sums to one", func(t *testing.T) {
		n, err := Normalize(domain.Weights{Abuse: 2, Cost: 1, Conversion: 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, n.Abuse, 1e-12)
		assert.InDelta(t, 0.25, n.Cost, 1e-12)
		assert.InDelta(t, 0.25, n.Conversion, 1e-12)
	})

	t.Run("all zero", func(t *testing.T) {
		_, err := Normalize(domain.Weights{})
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})

	t.Run("negative", func(t *testing.T) {
		_, err := Normalize(domain.Weights{Abuse: -1, Cost: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})
}

func TestScore_Bounds(t *testing.T) {
	assert.InDelta(t, -0.8, Score(1, 1, 0, defaultWeights), 1e-12)
	assert.InDelta(t, 0.2, Score(0, 0, 1, defaultWeights), 1e-12)
	assert.Equal(t, -1.0, Score(1, 1, 0, domain.Weights{Abuse: 1, Cost: 1}))
	assert.Equal(t, 1.0, Score(5, 5, 5, domain.Weights{Conversion: 1}))

	for _, in := range [][3]float64{{0, 0, 0}, {1, 1, 1}, {0.3, 0.9, 0.1}, {-4, 7, math.NaN()}} {
		roi := Score(in[0], in[1], in[2], defaultWeights)
		assert.GreaterOrEqual(t, roi, -1.0)
		assert.LessOrEqual(t, roi, 1.0)
	}
}

func TestScore_Monotonic(t *testing.T) {
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 1}
	for i := 1; i < len(steps); i++ {
		lo, hi := steps[i-1], steps[i]
		assert.LessOrEqual(t, Score(hi, 0.4, 0.4, defaultWeights), Score(lo, 0.4, 0.4, defaultWeights), "abuse")
		assert.LessOrEqual(t, Score(0.4, hi, 0.4, defaultWeights), Score(0.4, lo, 0.4, defaultWeights), "cost")
		assert.GreaterOrEqual(t, Score(0.4, 0.4, hi, defaultWeights), Score(0.4, 0.4, lo, defaultWeights), "conversion")
	}
}

func TestScore_InvalidWeights(t *testing.T) {
	assert.Equal(t, 0.0, Score(1, 1, 1, domain.Weights{}))
}

func TestEstimateConversion(t *testing.T) {
	assert.Equal(t, 0.0, EstimateConversion(0, 1))
	assert.InDelta(t, 0.5, EstimateConversion(1, 1), 1e-12)
	assert.InDelta(t, 0.75, EstimateConversion(2, 1), 1e-12)
	assert.Equal(t, 0.0, EstimateConversion(3, 0))

	prev := 0.0
	for p := 0.0; p <= 20; p += 0.5 {
		v := EstimateConversion(p, 2)
		assert.GreaterOrEqual(t, v, prev)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
}

func TestDecay(t *testing.T) {
	assert.Equal(t, 1.0, Decay(0, 60))
	assert.InDelta(t, 0.5, Decay(60, 60), 1e-12)
	assert.InDelta(t, 0.25, Decay(120, 60), 1e-12)
	assert.Equal(t, 1.0, Decay(-5, 60))
}

func TestDisposition(t *testing.T) {
	th := domain.Thresholds{Block: -0.5, Flag: -0.1, Throttle: 0.2}
	tests := []struct {
		roi  float64
		want domain.Disposition
	}{
		{-0.9, domain.DispositionBlock},
		{-0.5, domain.DispositionBlock},
		{-0.3, domain.DispositionFlag},
		{-0.1, domain.DispositionFlag},
		{0.0, domain.DispositionThrottle},
		{0.2, domain.DispositionThrottle},
		{0.21, domain.DispositionAllow},
		{1, domain.DispositionAllow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Disposition(tt.roi, th), "roi=%v", tt.roi)
	}
}
