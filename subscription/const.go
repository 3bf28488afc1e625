package subscription

// Plan is the custom type for the product tier a customer is paying for.
// Absence of a Subscription row (or StatusExpired) implies the free tier.
type Plan string

// Defining the available Plans
const (
	PlanPlus   Plan = "plus"
	PlanFamily Plan = "family"
	// PlanUnknown flags a subscription created from an unrecognized provider
	// product so an operator can reconcile it manually instead of the
	// customer being silently under-entitled
	PlanUnknown Plan = "unknown"
)

// MaxChildren returns the number of child profiles the Plan entitles.
// Unknown plans get the minimum entitlement until reconciled.
func (p Plan) MaxChildren() int {
	switch p {
	case PlanFamily:
		return 4
	default:
		return 1
	}
}

// Status is the custom type for the current state of a Subscription
type Status string

// Defining the different Statuses of a Subscription
const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Provider is the custom type for the payment network that owns a Subscription
type Provider string

// Defining the supported payment Providers
const (
	ProviderStripe     Provider = "stripe"
	ProviderRevenueCat Provider = "revenuecat"
)
