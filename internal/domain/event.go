// Package domain defines the core interfaces and types for TrialGuard.
package domain

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// EventKind enumerates the trial-activity events the engine understands.
type EventKind string

const (
	KindRequest          EventKind = "request"
	KindResourceClaim    EventKind = "resource-claim"
	KindResourceRelease  EventKind = "resource-release"
	KindSignupSignal     EventKind = "signup-signal"
	KindConversionSignal EventKind = "conversion-signal"

	// KindTrialRestart discards all rolling state for the account.
	KindTrialRestart EventKind = "trial-restart"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindRequest, KindResourceClaim, KindResourceRelease,
		KindSignupSignal, KindConversionSignal, KindTrialRestart:
		return true
	}
	return false
}

// Well-known event attribute names.
const (
	AttrSignature = "signature"
	AttrEndpoint  = "endpoint"
	AttrDevice    = "device"
	AttrSession   = "session"
	AttrUserAgent = "user_agent"
	AttrResource  = "resource"
	AttrUnits     = "units"
	AttrWeight    = "weight"
)

// MaxNumericAttr bounds the units and weight attributes of a single event.
const MaxNumericAttr = 1e6

// Key identifies a trial account. Account ids are only unique within a tenant.
type Key struct {
	TenantID  string `json:"tenantId"`
	AccountID string `json:"accountId"`
}

// String returns the canonical "tenant/account" form used for hashing and cache keys.
func (k Key) String() string {
	return k.TenantID + "/" + k.AccountID
}

// Event is a single immutable piece of trial activity.
type Event struct {
	ID         string            `json:"id,omitempty"`
	TenantID   string            `json:"tenantId"`
	AccountID  string            `json:"accountId"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       EventKind         `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Key returns the account key of the event.
func (e *Event) Key() Key {
	return Key{TenantID: e.TenantID, AccountID: e.AccountID}
}

// Validate checks the structural invariants of an event.
func (e *Event) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidEvent)
	}
	if e.AccountID == "" {
		return fmt.Errorf("%w: accountId is required", ErrInvalidEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	for _, name := range []string{AttrUnits, AttrWeight} {
		v := e.Attr(name)
		if v == "" {
			continue
		}
		if _, ok := parseNumericAttr(v); !ok {
			return fmt.Errorf("%w: %s must be a number in [0, %g], got %q", ErrInvalidEvent, name, MaxNumericAttr, v)
		}
	}
	return nil
}

// parseNumericAttr accepts finite values in [0, MaxNumericAttr].
func parseNumericAttr(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > MaxNumericAttr {
		return 0, false
	}
	return f, true
}

// Attr returns an attribute value or "".
func (e *Event) Attr(name string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}

// Float returns a numeric attribute, or def when it is missing or outside
// [0, MaxNumericAttr]. NaN and infinities count as outside.
func (e *Event) Float(name string, def float64) float64 {
	v := e.Attr(name)
	if v == "" {
		return def
	}
	f, ok := parseNumericAttr(v)
	if !ok {
		return def
	}
	return f
}

// EventSource produces trial-activity events. Real traffic adapters and the
// simulator both implement it.
type EventSource interface {
	// Next returns the next event. It returns false once the source is exhausted
	// or ctx is done.
	Next(ctx context.Context) (Event, bool)
}
