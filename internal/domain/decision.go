package domain

import (
	"context"
	"time"
)

// Disposition is the engine's verdict for one evaluation.
type Disposition string

const (
	DispositionAllow    Disposition = "ALLOW"
	DispositionThrottle Disposition = "THROTTLE"
	DispositionFlag     Disposition = "FLAG"
	DispositionBlock    Disposition = "BLOCK"
)

// Favorability orders dispositions: Allow 3, Throttle 2, Flag 1, Block 0.
func (d Disposition) Favorability() int {
	switch d {
	case DispositionAllow:
		return 3
	case DispositionThrottle:
		return 2
	case DispositionFlag:
		return 1
	default:
		return 0
	}
}

// Reason codes attached to decisions, listed in the order the engine emits them.
const (
	ReasonColdStart         = "cold-start"
	ReasonHighAbuse         = "high-abuse-score"
	ReasonRequestBurst      = "request-burst"
	ReasonRepeatedSignature = "repeated-fingerprint-signature"
	ReasonHighClaimRate     = "high-resource-claim-rate"
	ReasonConcurrentClaims  = "concurrent-claims-exceeded"
	ReasonResourceAnomaly   = "resource-anomaly"
	ReasonConversionIntent  = "conversion-intent"
	ReasonNormalBehavior    = "normal-behavior"
)

// SubScores are the three normalized signals behind a decision, each in [0, 1].
type SubScores struct {
	Abuse      float64 `json:"abuse"`
	Cost       float64 `json:"cost"`
	Conversion float64 `json:"conversion"`
}

// DecisionRecord is the immutable output of one evaluation.
type DecisionRecord struct {
	ID            string      `json:"id"`
	Sequence      uint64      `json:"sequence"`
	TenantID      string      `json:"tenantId"`
	AccountID     string      `json:"accountId"`
	EventID       string      `json:"eventId,omitempty"`
	EventKind     EventKind   `json:"eventKind"`
	Resource      string      `json:"resource,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	SubScores     SubScores   `json:"subScores"`
	ROI           float64     `json:"roi"`
	Disposition   Disposition `json:"disposition"`
	Reasons       []string    `json:"reasons"`
	ConfigVersion int64       `json:"configVersion"`
	ColdStart     bool        `json:"coldStart,omitempty"`
	EvaluatedAt   time.Time   `json:"evaluatedAt"`
}

// Key returns the account key of the record.
func (r *DecisionRecord) Key() Key {
	return Key{TenantID: r.TenantID, AccountID: r.AccountID}
}

// HasReason reports whether code is among the record's reasons.
func (r *DecisionRecord) HasReason(code string) bool {
	for _, c := range r.Reasons {
		if c == code {
			return true
		}
	}
	return false
}

// DecisionSink receives emitted decision records.
type DecisionSink interface {
	Emit(ctx context.Context, rec *DecisionRecord) error
}
