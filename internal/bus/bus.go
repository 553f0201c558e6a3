// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AllTenants subscribes to a topic for every tenant. On NATS it maps to the
// single-token subject wildcard.
const AllTenants = "*"

var (
	_ domain.EventBus = (*ChannelBus)(nil)
	_ domain.EventBus = (*NATSBus)(nil)
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkTenant rejects tenant IDs that cannot be used as a single subject
// token. AllTenants is only accepted when subscribing.
func checkTenant(tenantID string, subscribe bool) error {
	switch {
	case tenantID == "":
		return fmt.Errorf("tenantID is required")
	case tenantID == AllTenants:
		if !subscribe {
			return fmt.Errorf("cannot publish to all tenants")
		}
		return nil
	case strings.ContainsAny(tenantID, ".*> \t\r\n"):
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}

// newMessage builds the envelope for a published payload.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  metadataFromContext(ctx),
		Timestamp: time.Now().UnixNano(),
	}
}
