package domain

import (
	"fmt"
	"math"
	"time"
)

// Weights controls how the three sub-scores are combined. Only the ratios
// matter: the scorer normalizes them to sum to 1.
type Weights struct {
	Abuse      float64 `json:"abuse" yaml:"abuse"`
	Cost       float64 `json:"cost" yaml:"cost"`
	Conversion float64 `json:"conversion" yaml:"conversion"`
}

// Thresholds are ROI boundaries, strictly increasing: Block < Flag < Throttle.
// roi <= Block is BLOCK, <= Flag is FLAG, <= Throttle is THROTTLE, above is ALLOW.
type Thresholds struct {
	Block    float64 `json:"block" yaml:"block"`
	Flag     float64 `json:"flag" yaml:"flag"`
	Throttle float64 `json:"throttle" yaml:"throttle"`
}

// DecaySettings holds the half-lives of the decayed sub-scores.
type DecaySettings struct {
	AbuseHalfLife Duration `json:"abuseHalfLife" yaml:"abuse_half_life"`
	CostHalfLife  Duration `json:"costHalfLife" yaml:"cost_half_life"`
}

// FingerprintSettings tunes the behavioral fingerprint.
type FingerprintSettings struct {
	Capacity        int      `json:"capacity" yaml:"capacity"`
	BurstWindow     Duration `json:"burstWindow" yaml:"burst_window"`
	RepeatRun       int      `json:"repeatRun" yaml:"repeat_run"`
	BaseIncrement   float64  `json:"baseIncrement" yaml:"base_increment"`
	BurstIncrement  float64  `json:"burstIncrement" yaml:"burst_increment"`
	RepeatIncrement float64  `json:"repeatIncrement" yaml:"repeat_increment"`
}

// ResourceBaseline is the resource usage expected from a well-behaved trial.
type ResourceBaseline struct {
	ExpectedClaims     float64 `json:"expectedClaims" yaml:"expected_claims"`
	ExpectedConcurrent float64 `json:"expectedConcurrent" yaml:"expected_concurrent"`
}

// ConversionSettings shapes the conversion-likelihood curve.
type ConversionSettings struct {
	// HalfSaturation is the number of signal points at which the estimate reaches 0.5.
	HalfSaturation   float64 `json:"halfSaturation" yaml:"half_saturation"`
	SignupWeight     float64 `json:"signupWeight" yaml:"signup_weight"`
	ConversionWeight float64 `json:"conversionWeight" yaml:"conversion_weight"`
}

// AlertLevels are the per-component levels at which a reason code is attached.
type AlertLevels struct {
	Abuse      float64 `json:"abuse" yaml:"abuse"`
	Cost       float64 `json:"cost" yaml:"cost"`
	Conversion float64 `json:"conversion" yaml:"conversion"`
}

// ReasonRule is a tenant-authored CEL expression. When it evaluates to true the
// Code is attached to the decision.
type ReasonRule struct {
	Code       string `json:"code" yaml:"code"`
	Expression string `json:"expression" yaml:"expression"`
}

// TenantConfig is the scoring configuration of one tenant. Once handed to the
// config store it is treated as immutable.
type TenantConfig struct {
	TenantID         string              `json:"tenantId" yaml:"tenant_id"`
	Weights          Weights             `json:"weights" yaml:"weights"`
	Thresholds       Thresholds          `json:"thresholds" yaml:"thresholds"`
	Decay            DecaySettings       `json:"decay" yaml:"decay"`
	Fingerprint      FingerprintSettings `json:"fingerprint" yaml:"fingerprint"`
	Resource         ResourceBaseline    `json:"resource" yaml:"resource"`
	Conversion       ConversionSettings  `json:"conversion" yaml:"conversion"`
	Alerts           AlertLevels         `json:"alerts" yaml:"alerts"`
	ReasonRules      []ReasonRule        `json:"reasonRules,omitempty" yaml:"reason_rules"`
	InactivityWindow Duration            `json:"inactivityWindow" yaml:"inactivity_window"`

	// Set by the config store.
	Version   int64     `json:"version" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// DefaultTenantConfig returns the configuration new tenants start with.
func DefaultTenantConfig(tenantID string) *TenantConfig {
	return &TenantConfig{
		TenantID:   tenantID,
		Weights:    Weights{Abuse: 0.3, Cost: 0.5, Conversion: 0.2},
		Thresholds: Thresholds{Block: -0.5, Flag: -0.2, Throttle: -0.05},
		Decay: DecaySettings{
			AbuseHalfLife: Duration(10 * time.Minute),
			CostHalfLife:  Duration(5 * time.Minute),
		},
		Fingerprint: FingerprintSettings{
			Capacity:        32,
			BurstWindow:     Duration(time.Second),
			RepeatRun:       5,
			BaseIncrement:   0.02,
			BurstIncrement:  0.05,
			RepeatIncrement: 0.10,
		},
		Resource:         ResourceBaseline{ExpectedClaims: 10, ExpectedConcurrent: 5},
		Conversion:       ConversionSettings{HalfSaturation: 1.0, SignupWeight: 0.25, ConversionWeight: 1.0},
		Alerts:           AlertLevels{Abuse: 0.7, Cost: 0.7, Conversion: 0.5},
		InactivityWindow: Duration(30 * time.Minute),
	}
}

// ApplyDefaults fills zero-valued tuning fields from DefaultTenantConfig.
// Weights and thresholds are never defaulted: a zero there is an explicit choice.
func (c *TenantConfig) ApplyDefaults() {
	d := DefaultTenantConfig(c.TenantID)
	if c.Decay.AbuseHalfLife == 0 {
		c.Decay.AbuseHalfLife = d.Decay.AbuseHalfLife
	}
	if c.Decay.CostHalfLife == 0 {
		c.Decay.CostHalfLife = d.Decay.CostHalfLife
	}
	if c.Fingerprint == (FingerprintSettings{}) {
		c.Fingerprint = d.Fingerprint
	}
	if c.Resource == (ResourceBaseline{}) {
		c.Resource = d.Resource
	}
	if c.Conversion == (ConversionSettings{}) {
		c.Conversion = d.Conversion
	}
	if c.Alerts == (AlertLevels{}) {
		c.Alerts = d.Alerts
	}
	if c.InactivityWindow == 0 {
		c.InactivityWindow = d.InactivityWindow
	}
}

// Validate checks every invariant the engine relies on. Errors wrap ErrInvalidConfig.
func (c *TenantConfig) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{"abuse": w.Abuse, "cost": w.Cost, "conversion": w.Conversion} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weight %s must be a non-negative number, got %v", ErrInvalidConfig, name, v)
		}
	}
	if w.Abuse+w.Cost+w.Conversion == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidConfig)
	}

	t := c.Thresholds
	for _, v := range []float64{t.Block, t.Flag, t.Throttle} {
		if math.IsNaN(v) || v < -1 || v > 1 {
			return fmt.Errorf("%w: thresholds must lie in [-1, 1]", ErrInvalidConfig)
		}
	}
	if !(t.Block < t.Flag) {
		return fmt.Errorf("%w: block threshold %v must be below flag threshold %v", ErrInvalidConfig, t.Block, t.Flag)
	}
	if !(t.Flag < t.Throttle) {
		return fmt.Errorf("%w: flag threshold %v must be below throttle threshold %v", ErrInvalidConfig, t.Flag, t.Throttle)
	}

	if c.Decay.AbuseHalfLife <= 0 || c.Decay.CostHalfLife <= 0 {
		return fmt.Errorf("%w: decay half-lives must be positive", ErrInvalidConfig)
	}

	f := c.Fingerprint
	if f.Capacity <= 0 {
		return fmt.Errorf("%w: fingerprint capacity must be positive", ErrInvalidConfig)
	}
	if f.RepeatRun < 2 || f.RepeatRun > f.Capacity {
		return fmt.Errorf("%w: fingerprint repeat run must be in [2, capacity]", ErrInvalidConfig)
	}
	if f.BurstWindow < 0 || f.BaseIncrement < 0 || f.BurstIncrement < 0 || f.RepeatIncrement < 0 {
		return fmt.Errorf("%w: fingerprint increments must be non-negative", ErrInvalidConfig)
	}

	if c.Resource.ExpectedClaims <= 0 || c.Resource.ExpectedConcurrent <= 0 {
		return fmt.Errorf("%w: resource baseline must be positive", ErrInvalidConfig)
	}
	if c.Conversion.HalfSaturation <= 0 {
		return fmt.Errorf("%w: conversion half-saturation must be positive", ErrInvalidConfig)
	}
	if c.Conversion.SignupWeight < 0 || c.Conversion.ConversionWeight < 0 {
		return fmt.Errorf("%w: conversion signal weights must be non-negative", ErrInvalidConfig)
	}

	a := c.Alerts
	for _, v := range []float64{a.Abuse, a.Cost, a.Conversion} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%w: alert levels must lie in (0, 1]", ErrInvalidConfig)
		}
	}

	seen := make(map[string]bool, len(c.ReasonRules))
	for _, r := range c.ReasonRules {
		if r.Code == "" || r.Expression == "" {
			return fmt.Errorf("%w: reason rules need a code and an expression", ErrInvalidConfig)
		}
		if seen[r.Code] {
			return fmt.Errorf("%w: duplicate reason rule code %q", ErrInvalidConfig, r.Code)
		}
		seen[r.Code] = true
	}

	if c.InactivityWindow <= 0 {
		return fmt.Errorf("%w: inactivity window must be positive", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy.
func (c *TenantConfig) Clone() *TenantConfig {
	out := *c
	if c.ReasonRules != nil {
		out.ReasonRules = append([]ReasonRule(nil), c.ReasonRules...)
	}
	return &out
}
