package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohra-app/billing/customer"
	"github.com/mohra-app/billing/dedup"
	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/reconcile"
	resp "github.com/mohra-app/billing/response"
	"github.com/mohra-app/billing/subscription"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// Stripe attaches the internal account identity under this metadata key at
// checkout-session creation; the payment network's own customer object has no
// notion of our accounts
const userIDMetadataKey = "supabase_user_id"

const maxWebhookBody = 1 << 20

// Reconciler applies a normalized event. Implemented by reconcile.Engine.
type Reconciler interface {
	Apply(ctx context.Context, ev reconcile.Event) error
}

// StripeBackend is the slice of the Stripe API the normalizer consumes
type StripeBackend interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListCardPaymentMethods(ctx context.Context, stripeCustomerID string) ([]*stripe.PaymentMethod, error)
}

// PaymentMethodStore captures the default card after checkout
type PaymentMethodStore interface {
	SavePaymentMethod(ctx context.Context, pm *customer.PaymentMethod) error
}

// StripeOptions describes what is required to setup the StripeService
type StripeOptions struct {
	Engine        Reconciler
	Backend       StripeBackend
	Customers     PaymentMethodStore // optional, card capture is best-effort
	Deduper       dedup.Deduper      // optional
	Prices        subscription.PriceTable
	WebhookSecret string
	Logger        *zap.Logger
}

// StripeService receives signed card-processor webhooks, normalizes them, and
// feeds the reconciliation engine
type StripeService struct {
	StripeOptions
}

func NewStripeService(option StripeOptions) (*StripeService, error) {
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Backend == nil {
		return nil, fmt.Errorf("nil Backend is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &StripeService{
		StripeOptions: option,
	}, nil
}

func (s *StripeService) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest())
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if len(signature) == 0 {
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}

	// Authenticity failure is fatal to the request: nothing runs after this
	event, err := stripewebhook.ConstructEvent(body, signature, s.WebhookSecret)
	if err != nil {
		s.Logger.Error("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}

	if s.Deduper != nil && len(event.ID) > 0 {
		seen, err := s.Deduper.Seen("stripe", event.ID)
		if err != nil {
			// fail open: the ledger's unique constraint still holds
			s.Logger.Warn("Dedup check failed, processing anyway",
				zap.Error(err),
			)
		} else if seen {
			s.received(w, r)
			return
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		err = s.handleCheckoutCompleted(ctx, event.Data.Raw)
	case "invoice.payment_succeeded":
		err = s.handleInvoicePayment(ctx, event.Data.Raw, true)
	case "invoice.payment_failed":
		err = s.handleInvoicePayment(ctx, event.Data.Raw, false)
	case "customer.subscription.updated":
		err = s.handleSubscriptionUpdated(ctx, event.Data.Raw)
	case "customer.subscription.deleted":
		err = s.handleSubscriptionDeleted(ctx, event.Data.Raw)
	default:
		s.Logger.Info("Ignoring unhandled Stripe event type",
			zap.String("EventType", string(event.Type)),
		)
	}

	if err != nil {
		s.Logger.Error("Webhook handler failed",
			zap.String("EventType", string(event.Type)),
			zap.Error(err),
		)
		// Stripe's own retry policy governs redelivery; the event stays
		// unmarked so the retry is processed
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Webhook handler failed"))
		return
	}

	if s.Deduper != nil && len(event.ID) > 0 {
		if err := s.Deduper.Mark("stripe", event.ID); err != nil {
			s.Logger.Warn("Unable to mark event as processed",
				zap.Error(err),
			)
		}
	}

	s.received(w, r)
}

func (s *StripeService) received(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, map[string]bool{
		"received": true,
	})
}

// subscriptionPeriod extracts the billing window, falling back to now when
// the provider omits the start
func subscriptionPeriod(sub *stripe.Subscription) (time.Time, *time.Time) {
	start := time.Now()
	if sub.CurrentPeriodStart > 0 {
		start = time.Unix(sub.CurrentPeriodStart, 0)
	}
	var end *time.Time
	if sub.CurrentPeriodEnd > 0 {
		e := time.Unix(sub.CurrentPeriodEnd, 0)
		end = &e
	}
	return start, end
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func upperCurrency(c stripe.Currency) string {
	if len(c) == 0 {
		return "SAR"
	}
	return strings.ToUpper(string(c))
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, raw json.RawMessage) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return err
	}

	userID := session.Metadata[userIDMetadataKey]
	planName := session.Metadata["plan"]
	if len(userID) == 0 || len(planName) == 0 {
		// permanently unresolvable: swallow instead of triggering a
		// redelivery storm
		s.Logger.Error("Missing metadata in checkout session",
			zap.String("SessionID", session.ID),
		)
		return nil
	}
	if session.Subscription == nil || len(session.Subscription.ID) == 0 {
		return nil
	}

	plan := subscription.Plan(planName)
	if plan != subscription.PlanPlus && plan != subscription.PlanFamily {
		plan = subscription.PlanUnknown
	}

	sub, err := s.Backend.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return err
	}

	periodStart, periodEnd := subscriptionPeriod(sub)

	transactionID := ""
	if session.PaymentIntent != nil && len(session.PaymentIntent.ID) > 0 {
		transactionID = session.PaymentIntent.ID
	} else {
		transactionID = "checkout_" + session.ID
	}

	if err := s.Engine.Apply(ctx, reconcile.Event{
		Kind:                   reconcile.KindCheckoutCompleted,
		Provider:               subscription.ProviderStripe,
		CustomerID:             userID,
		Plan:                   plan,
		ProductID:              subscriptionPriceID(sub),
		ExternalSubscriptionID: sub.ID,
		TransactionID:          transactionID,
		PeriodStart:            periodStart,
		PeriodEnd:              periodEnd,
		Amount:                 float64(session.AmountTotal) / 100,
		Currency:               upperCurrency(session.Currency),
		LedgerProvider:         ledger.ProviderStripe,
		Metadata: ledger.Metadata{
			"session_id":      session.ID,
			"subscription_id": sub.ID,
		},
	}); err != nil {
		return err
	}

	s.capturePaymentMethod(ctx, userID, &session)
	return nil
}

// capturePaymentMethod saves the default card for dashboard display.
// Best-effort: failure never fails the webhook.
func (s *StripeService) capturePaymentMethod(ctx context.Context, userID string, session *stripe.CheckoutSession) {
	if s.Customers == nil || session.Customer == nil || len(session.Customer.ID) == 0 {
		return
	}
	methods, err := s.Backend.ListCardPaymentMethods(ctx, session.Customer.ID)
	if err != nil || len(methods) == 0 {
		if err != nil {
			s.Logger.Error("Failed to list payment methods",
				zap.String("CustomerID", userID),
				zap.Error(err),
			)
		}
		return
	}
	pm := methods[0]
	record := &customer.PaymentMethod{
		CustomerID:            userID,
		StripeCustomerID:      session.Customer.ID,
		StripePaymentMethodID: pm.ID,
		IsDefault:             true,
	}
	if pm.Card != nil {
		record.CardBrand = string(pm.Card.Brand)
		record.CardLast4 = pm.Card.Last4
		record.CardExpMonth = int(pm.Card.ExpMonth)
		record.CardExpYear = int(pm.Card.ExpYear)
	}
	if err := s.Customers.SavePaymentMethod(ctx, record); err != nil {
		s.Logger.Error("Failed to save payment method",
			zap.String("CustomerID", userID),
			zap.Error(err),
		)
	}
}

func (s *StripeService) handleInvoicePayment(ctx context.Context, raw json.RawMessage, succeeded bool) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return err
	}

	// the initial invoice is already recorded by checkout.session.completed
	if succeeded && invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return nil
	}
	if invoice.Subscription == nil || len(invoice.Subscription.ID) == 0 {
		return nil
	}

	sub, err := s.Backend.GetSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return err
	}

	userID := sub.Metadata[userIDMetadataKey]
	if len(userID) == 0 {
		s.Logger.Error("Subscription has no user metadata, skipping invoice",
			zap.String("SubscriptionID", sub.ID),
			zap.String("InvoiceID", invoice.ID),
		)
		return nil
	}

	priceID := subscriptionPriceID(sub)
	plan, ok := s.Prices.PlanForPrice(priceID)
	if !ok {
		s.Logger.Error("Invoice price does not map to a plan, skipping",
			zap.String("PriceID", priceID),
			zap.String("InvoiceID", invoice.ID),
		)
		return nil
	}

	periodStart, periodEnd := subscriptionPeriod(sub)

	transactionID := ""
	if invoice.PaymentIntent != nil && len(invoice.PaymentIntent.ID) > 0 {
		transactionID = invoice.PaymentIntent.ID
	}

	ev := reconcile.Event{
		Provider:               subscription.ProviderStripe,
		CustomerID:             userID,
		Plan:                   plan,
		ProductID:              priceID,
		ExternalSubscriptionID: sub.ID,
		PeriodStart:            periodStart,
		PeriodEnd:              periodEnd,
		Currency:               upperCurrency(invoice.Currency),
		LedgerProvider:         ledger.ProviderStripe,
		Metadata: ledger.Metadata{
			"invoice_id": invoice.ID,
		},
	}

	if succeeded {
		ev.Kind = reconcile.KindInvoicePaymentSucceeded
		ev.Amount = float64(invoice.AmountPaid) / 100
		if len(transactionID) == 0 {
			transactionID = "renewal_" + invoice.ID
		}
	} else {
		ev.Kind = reconcile.KindInvoicePaymentFailed
		ev.Amount = float64(invoice.AmountDue) / 100
		if len(transactionID) == 0 {
			transactionID = "failed_" + invoice.ID
		}
		ev.Metadata["attempt_count"] = strconv.FormatInt(invoice.AttemptCount, 10)
	}
	ev.TransactionID = transactionID

	return s.Engine.Apply(ctx, ev)
}

func (s *StripeService) handleSubscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}

	userID := sub.Metadata[userIDMetadataKey]
	if len(userID) == 0 {
		s.Logger.Error("Subscription has no user metadata, skipping update",
			zap.String("SubscriptionID", sub.ID),
		)
		return nil
	}

	periodStart, periodEnd := subscriptionPeriod(&sub)

	ev := reconcile.Event{
		Kind:                   reconcile.KindSubscriptionUpdated,
		Provider:               subscription.ProviderStripe,
		CustomerID:             userID,
		ExternalSubscriptionID: sub.ID,
		AutoRenew:              !sub.CancelAtPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		PeriodStart:            periodStart,
		PeriodEnd:              periodEnd,
		LedgerProvider:         ledger.ProviderStripe,
	}

	priceID := subscriptionPriceID(&sub)
	if plan, ok := s.Prices.PlanForPrice(priceID); ok {
		ev.Plan = plan
		ev.ProductID = priceID
		ev.PlanResolved = true
	}

	// past_due keeps access: the customer gets a grace period while the
	// provider retries the charge
	var status subscription.Status
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		status = subscription.StatusActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid:
		status = subscription.StatusCancelled
	}
	if len(status) > 0 {
		ev.Status = &status
	}

	return s.Engine.Apply(ctx, ev)
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}

	userID := sub.Metadata[userIDMetadataKey]
	if len(userID) == 0 {
		s.Logger.Error("Subscription has no user metadata, skipping delete",
			zap.String("SubscriptionID", sub.ID),
		)
		return nil
	}

	return s.Engine.Apply(ctx, reconcile.Event{
		Kind:                   reconcile.KindSubscriptionDeleted,
		Provider:               subscription.ProviderStripe,
		CustomerID:             userID,
		ExternalSubscriptionID: sub.ID,
		LedgerProvider:         ledger.ProviderStripe,
	})
}

// Router returns the routes managed by this Service
func (s *StripeService) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.handleWebhook)

	return r
}
