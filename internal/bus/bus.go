// Package bus provides event bus implementations for TrialGuard.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// SubjectPrefix namespaces every tenant-scoped subject.
const SubjectPrefix = "trialguard"

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrInvalidTenant is returned for tenant ids a bus cannot address.
	ErrInvalidTenant = errors.New("invalid tenant for event bus")
)

// New creates an event bus from configuration. Type "none" returns nil, nil.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg, slog.Default())

	case "none", "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func validatePublish(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidTenant)
	}
	if tenantID == domain.AllTenants {
		return fmt.Errorf("%w: cannot publish to all tenants", ErrInvalidTenant)
	}
	return nil
}

func validateSubscribe(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidTenant)
	}
	return nil
}

// validSubjectToken reports whether tenantID fits in one NATS subject token.
func validSubjectToken(tenantID string) bool {
	return tenantID != "" && !strings.ContainsAny(tenantID, ".*> \t\r\n")
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"content_type": "application/json"},
		Timestamp: time.Now().UnixNano(),
	}
}
