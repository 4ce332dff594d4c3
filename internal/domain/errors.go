package domain

import "errors"

// Engine error taxonomy. Callers match with errors.Is.
var (
	// ErrUnknownTenant means no configuration exists for the tenant.
	// Nothing is mutated.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrInvalidConfig means a replacement config violated an invariant.
	// The prior config stays active.
	ErrInvalidConfig = errors.New("invalid tenant config")

	// ErrOutOfOrderEvent means the event timestamp precedes the last one
	// recorded for the account. State is unchanged.
	ErrOutOfOrderEvent = errors.New("out-of-order event")

	// ErrResourceAnomaly marks a release without a matching claim. It is
	// reported alongside a decision, never returned from Evaluate.
	ErrResourceAnomaly = errors.New("resource release without matching claim")

	// ErrInvalidEvent means the event is structurally malformed.
	ErrInvalidEvent = errors.New("invalid event")
)
