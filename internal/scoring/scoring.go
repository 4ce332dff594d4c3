// Package scoring combines the abuse, cost and conversion sub-scores into a
// single ROI score. Everything here is pure.
package scoring

import (
	"fmt"
	"math"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// Normalize scales w so its components sum to 1.
func Normalize(w domain.Weights) (domain.Weights, error) {
	for _, v := range []float64{w.Abuse, w.Cost, w.Conversion} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Weights{}, fmt.Errorf("%w: weights must be non-negative numbers", domain.ErrInvalidConfig)
		}
	}
	total := w.Abuse + w.Cost + w.Conversion
	if total == 0 {
		return domain.Weights{}, fmt.Errorf("%w: at least one weight must be positive", domain.ErrInvalidConfig)
	}
	return domain.Weights{
		Abuse:      w.Abuse / total,
		Cost:       w.Cost / total,
		Conversion: w.Conversion / total,
	}, nil
}

// Score returns conversion benefit minus abuse and cost penalties, weighted by
// the normalized weights. Inputs are clamped to [0, 1], so the result lies in
// [-1, 1]. It is non-increasing in abuse and cost and non-decreasing in
// conversion. Invalid weights score 0.
func Score(abuse, cost, conversion float64, w domain.Weights) float64 {
	n, err := Normalize(w)
	if err != nil {
		return 0
	}
	roi := n.Conversion*Clamp01(conversion) - n.Abuse*Clamp01(abuse) - n.Cost*Clamp01(cost)
	return math.Max(-1, math.Min(1, roi))
}

// EstimateConversion maps accumulated signal points onto [0, 1).
// It is 0 at 0 points, 0.5 at halfSaturation points and approaches 1.
func EstimateConversion(points, halfSaturation float64) float64 {
	if points <= 0 || halfSaturation <= 0 || math.IsNaN(points) {
		return 0
	}
	return Clamp01(1 - math.Exp2(-points/halfSaturation))
}

// Decay returns the factor by which a half-life decayed value shrinks over elapsed.
func Decay(elapsed, halfLife float64) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp2(-elapsed / halfLife)
}

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Disposition maps roi onto the tenant's thresholds.
func Disposition(roi float64, t domain.Thresholds) domain.Disposition {
	switch {
	case roi <= t.Block:
		return domain.DispositionBlock
	case roi <= t.Flag:
		return domain.DispositionFlag
	case roi <= t.Throttle:
		return domain.DispositionThrottle
	default:
		return domain.DispositionAllow
	}
}
