package reconcile

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/mohra-app/billing/broker"
	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/subscription"

	"go.uber.org/zap"
)

// Store is the transactional persistence surface the engine drives. The gorm
// implementation lives in this package; tests substitute an in-memory fake.
type Store interface {
	GetSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error
	RenewPeriod(ctx context.Context, key subscription.Key, start time.Time, end *time.Time, autoRenew bool) error
	MarkCancelAtPeriodEnd(ctx context.Context, key subscription.Key) error
	MarkExpired(ctx context.Context, key subscription.Key) error
	ChangePlan(ctx context.Context, key subscription.Key, plan subscription.Plan, productID string) error
	SyncFromProvider(ctx context.Context, key subscription.Key, fields subscription.SyncFields) error
	AppendTransaction(ctx context.Context, txn *ledger.Transaction) error
}

// TxStore adds the atomic boundary: everything done inside the closure either
// commits together or not at all.
type TxStore interface {
	Store
	Transact(ctx context.Context, fn func(Store) error) error
}

// Producer publishes entitlement changes for downstream fan-out. May be nil.
type Producer interface {
	PublishEntitlementChange(change broker.EntitlementChange) error
}

// Options describes what is required to setup the Engine
type Options struct {
	Store    TxStore
	Producer Producer // optional
	Logger   *zap.Logger
}

// lockStripes bounds the lock set regardless of how many distinct customers
// the process sees. Stripe collisions only cost unneeded serialization.
const lockStripes = 256

// Engine applies normalized billing events to the Subscription store and the
// Transaction ledger, converging on a single consistent record per customer
type Engine struct {
	Options

	locks [lockStripes]sync.Mutex
}

// NewEngine returns a new reconciliation Engine
func NewEngine(option Options) (*Engine, error) {
	if option.Store == nil {
		return nil, fmt.Errorf("nil Store is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Engine{
		Options: option,
	}, nil
}

// customerLock serializes event processing per customer so racing events
// (e.g. a renewal and a plan change) cannot interleave their writes.
// Different customers (almost always) proceed in parallel.
func (e *Engine) customerLock(customerID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	return &e.locks[h.Sum32()%lockStripes]
}

// Apply runs one normalized event through the state machine. Replaying the
// same event produces the same end state: subscription writes are full-field
// overwrites and ledger appends deduplicate on the provider transaction ID.
func (e *Engine) Apply(ctx context.Context, ev Event) error {
	if len(ev.CustomerID) == 0 {
		return fmt.Errorf("Event.CustomerID is required")
	}

	l := e.customerLock(ev.CustomerID)
	l.Lock()
	defer l.Unlock()

	logger := e.Logger.With(
		zap.String("CustomerID", ev.CustomerID),
		zap.String("EventKind", string(ev.Kind)),
	)

	var err error
	entitlementChanged := false

	switch ev.Kind {
	case KindInitialPurchase, KindCheckoutCompleted:
		err = e.applyPurchase(ctx, ev)
		entitlementChanged = true
	case KindRenewal:
		err = e.applyRenewal(ctx, ev, subscription.ByCustomer(ev.CustomerID), true)
	case KindInvoicePaymentSucceeded:
		err = e.applyRenewal(ctx, ev, subscription.ByExternalID(ev.ExternalSubscriptionID), false)
	case KindCancellation:
		// Access continues until period end: flip the flags only, and let the
		// provider's terminal expiration event perform the actual downgrade
		err = e.Store.MarkCancelAtPeriodEnd(ctx, subscription.ByCustomer(ev.CustomerID))
	case KindExpiration:
		err = e.Store.MarkExpired(ctx, subscription.ByCustomer(ev.CustomerID))
		entitlementChanged = true
	case KindSubscriptionDeleted:
		err = e.Store.MarkExpired(ctx, subscription.ByExternalID(ev.ExternalSubscriptionID))
		entitlementChanged = true
	case KindBillingIssue, KindInvoicePaymentFailed:
		// The subscription row is untouched: the provider retries the charge
		// and a later terminal event settles the outcome
		err = e.Store.AppendTransaction(ctx, e.failedRenewalTransaction(ev))
	case KindProductChange:
		err = e.applyProductChange(ctx, ev)
		entitlementChanged = true
	case KindSubscriptionUpdated:
		err = e.applySync(ctx, ev)
		entitlementChanged = true
	default:
		logger.Info("Ignoring unhandled event kind")
		return nil
	}

	if err != nil {
		logger.Error("Reconciliation failed",
			zap.Error(err),
		)
		return err
	}

	if entitlementChanged {
		e.publishEntitlement(ctx, ev.CustomerID, logger)
	}

	return nil
}

// applyPurchase creates or overwrites the Subscription from a first purchase
// or a completed checkout session, and records the purchase on the ledger
func (e *Engine) applyPurchase(ctx context.Context, ev Event) error {
	now := time.Now()
	sub := &subscription.Subscription{
		CustomerID:             ev.CustomerID,
		Plan:                   ev.Plan,
		Status:                 subscription.StatusActive,
		PaymentProvider:        ev.Provider,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		ExternalProductID:      ev.ProductID,
		AutoRenew:              true,
		CancelAtPeriodEnd:      false,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		ExpiresAt:              ev.PeriodEnd,
		MaxChildren:            ev.Plan.MaxChildren(),
		Currency:               ev.Currency,
		PriceAmount:            ev.Amount,
		StartsAt:               now,
	}
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = now
	}
	if ev.Plan == subscription.PlanUnknown {
		e.Logger.Warn("Provisioning subscription with unrecognized product",
			zap.String("CustomerID", ev.CustomerID),
			zap.String("ProductID", ev.ProductID),
		)
	}
	return e.Store.Transact(ctx, func(s Store) error {
		if err := s.UpsertSubscription(ctx, sub); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, &ledger.Transaction{
			CustomerID:            ev.CustomerID,
			PaymentProvider:       ev.LedgerProvider,
			ExternalTransactionID: ledger.ExternalID(ev.TransactionID),
			Type:                  ledger.TypePurchase,
			Status:                ledger.StatusCompleted,
			Amount:                ev.Amount,
			Currency:              ev.Currency,
			Plan:                  ev.Plan,
			Metadata:              ev.Metadata,
		})
	})
}

// applyRenewal refreshes the billing window and records the renewal
func (e *Engine) applyRenewal(ctx context.Context, ev Event, key subscription.Key, autoRenew bool) error {
	start := ev.PeriodStart
	if start.IsZero() {
		start = time.Now()
	}
	return e.Store.Transact(ctx, func(s Store) error {
		if err := s.RenewPeriod(ctx, key, start, ev.PeriodEnd, autoRenew); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, &ledger.Transaction{
			CustomerID:            ev.CustomerID,
			PaymentProvider:       ev.LedgerProvider,
			ExternalTransactionID: ledger.ExternalID(ev.TransactionID),
			Type:                  ledger.TypeRenewal,
			Status:                ledger.StatusCompleted,
			Amount:                ev.Amount,
			Currency:              ev.Currency,
			Plan:                  ev.Plan,
			Metadata:              ev.Metadata,
		})
	})
}

func (e *Engine) failedRenewalTransaction(ev Event) *ledger.Transaction {
	return &ledger.Transaction{
		CustomerID:            ev.CustomerID,
		PaymentProvider:       ev.LedgerProvider,
		ExternalTransactionID: ledger.ExternalID(ev.TransactionID),
		Type:                  ledger.TypeRenewal,
		Status:                ledger.StatusFailed,
		Amount:                ev.Amount,
		Currency:              ev.Currency,
		Plan:                  ev.Plan,
		Metadata:              ev.Metadata,
	}
}

// applyProductChange moves the customer to the new tier and records the
// upgrade or downgrade. Direction is determined by the target plan.
func (e *Engine) applyProductChange(ctx context.Context, ev Event) error {
	txnType := ledger.TypeDowngrade
	if ev.Plan == subscription.PlanFamily {
		txnType = ledger.TypeUpgrade
	}
	return e.Store.Transact(ctx, func(s Store) error {
		if err := s.ChangePlan(ctx, subscription.ByCustomer(ev.CustomerID), ev.Plan, ev.ProductID); err != nil {
			return err
		}
		return s.AppendTransaction(ctx, &ledger.Transaction{
			CustomerID:            ev.CustomerID,
			PaymentProvider:       ev.LedgerProvider,
			ExternalTransactionID: ledger.ExternalID(ev.TransactionID),
			Type:                  txnType,
			Status:                ledger.StatusCompleted,
			Amount:                ev.Amount,
			Currency:              ev.Currency,
			Plan:                  ev.Plan,
			Metadata:              ev.Metadata,
		})
	})
}

// applySync refreshes flags, period, and optionally plan/status from the
// card processor's view of the subscription
func (e *Engine) applySync(ctx context.Context, ev Event) error {
	fields := subscription.SyncFields{
		AutoRenew:          ev.AutoRenew,
		CancelAtPeriodEnd:  ev.CancelAtPeriodEnd,
		CurrentPeriodStart: ev.PeriodStart,
		CurrentPeriodEnd:   ev.PeriodEnd,
		Status:             ev.Status,
	}
	if ev.PlanResolved {
		plan := ev.Plan
		productID := ev.ProductID
		fields.Plan = &plan
		fields.ProductID = &productID
	}
	return e.Store.SyncFromProvider(ctx, subscription.ByExternalID(ev.ExternalSubscriptionID), fields)
}

// publishEntitlement is best-effort fan-out for the notification service;
// failures are logged and never fail the webhook
func (e *Engine) publishEntitlement(ctx context.Context, customerID string, logger *zap.Logger) {
	if e.Producer == nil {
		return
	}
	sub, err := e.Store.GetSubscription(ctx, customerID)
	if err != nil || sub == nil {
		return
	}
	change := broker.EntitlementChange{
		CustomerID:  sub.CustomerID,
		Plan:        sub.Plan,
		Status:      sub.Status,
		MaxChildren: sub.MaxChildren,
		OccurredAt:  time.Now(),
	}
	if err := e.Producer.PublishEntitlementChange(change); err != nil {
		logger.Error("Unable to publish entitlement change",
			zap.Error(err),
		)
	}
}
