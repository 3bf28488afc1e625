package reconcile

import (
	"time"

	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/subscription"
)

// Kind is the custom type for the normalized billing-lifecycle event kinds.
// The store-billing aggregator emits fine-grained lifecycle kinds; the card
// processor emits invoice/subscription kinds. Both feed the one state machine.
type Kind string

// Defining the normalized event Kinds
const (
	// Store-billing aggregator lifecycle
	KindInitialPurchase Kind = "initial_purchase"
	KindRenewal         Kind = "renewal"
	KindCancellation    Kind = "cancellation"
	KindExpiration      Kind = "expiration"
	KindBillingIssue    Kind = "billing_issue"
	KindProductChange   Kind = "product_change"

	// Card-processor path
	KindCheckoutCompleted       Kind = "checkout_completed"
	KindInvoicePaymentSucceeded Kind = "invoice_payment_succeeded"
	KindInvoicePaymentFailed    Kind = "invoice_payment_failed"
	KindSubscriptionUpdated     Kind = "subscription_updated"
	KindSubscriptionDeleted     Kind = "subscription_deleted"
)

// Event is the common internal representation produced by the provider
// normalizers. The engine never sees a raw provider payload: identity
// resolution, plan mapping, and minor-to-major unit conversion all happen
// before an Event is built.
type Event struct {
	Kind       Kind
	Provider   subscription.Provider // owner of the Subscription row
	CustomerID string                // resolved internal account identity, never empty

	Plan      subscription.Plan
	ProductID string

	ExternalSubscriptionID string
	TransactionID          string // provider transaction/payment-intent ID, may be synthesized
	OriginalTransactionID  string

	PeriodStart time.Time
	PeriodEnd   *time.Time

	Amount   float64 // major currency units
	Currency string

	LedgerProvider string // stripe/apple/google label for the ledger row

	// Card-processor subscription_updated payload, resolved by the normalizer
	AutoRenew         bool
	CancelAtPeriodEnd bool
	Status            *subscription.Status
	PlanResolved      bool // whether Plan/ProductID should be applied

	Metadata ledger.Metadata
}
