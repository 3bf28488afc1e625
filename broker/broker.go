package broker

import (
	"time"

	"github.com/mohra-app/billing/subscription"
)

// EntitlementChange is published whenever reconciliation changes what a
// customer has access to. The push-notification service consumes these.
type EntitlementChange struct {
	CustomerID  string              `json:"customer_id"`
	Plan        subscription.Plan   `json:"plan"`
	Status      subscription.Status `json:"status"`
	MaxChildren int                 `json:"max_children"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// Producer defines the interface for publishing entitlement changes via
// message broker
type Producer interface {
	PublishEntitlementChange(change EntitlementChange) error
	Close()
}
