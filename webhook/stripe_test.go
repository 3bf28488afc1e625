package webhook

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohra-app/billing/customer"
	"github.com/mohra-app/billing/reconcile"
	"github.com/mohra-app/billing/subscription"

	"github.com/stripe/stripe-go/v72"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap/zaptest"
)

const stripeTestSecret = "whsec_test"

type fakeStripeBackend struct {
	sub     *stripe.Subscription
	methods []*stripe.PaymentMethod
	err     error
}

func (f *fakeStripeBackend) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *fakeStripeBackend) ListCardPaymentMethods(ctx context.Context, stripeCustomerID string) ([]*stripe.PaymentMethod, error) {
	return f.methods, nil
}

type fakeMethodStore struct {
	saved []*customer.PaymentMethod
}

func (f *fakeMethodStore) SavePaymentMethod(ctx context.Context, pm *customer.PaymentMethod) error {
	f.saved = append(f.saved, pm)
	return nil
}

func newStripeService(t *testing.T, engine Reconciler, backend StripeBackend, methods PaymentMethodStore) *StripeService {
	t.Helper()
	svc, err := NewStripeService(StripeOptions{
		Engine:    engine,
		Backend:   backend,
		Customers: methods,
		Prices: subscription.PriceTable{
			PlusMonthly:   "price_plus",
			FamilyMonthly: "price_family",
		},
		WebhookSecret: stripeTestSecret,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewStripeService: %v", err)
	}
	return svc
}

func stripeEventBody(t *testing.T, eventType string, object interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":   "evt_test_1",
		"type": eventType,
		"data": map[string]interface{}{
			"object": json.RawMessage(raw),
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func postSigned(t *testing.T, svc *StripeService, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	now := time.Now()
	sig := stripewebhook.ComputeSignature(now, body, stripeTestSecret)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig)))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func testSubscription() *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 "sub_123",
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: time.Now().Unix(),
		CurrentPeriodEnd:   time.Now().Add(30 * 24 * time.Hour).Unix(),
		Metadata: map[string]string{
			"supabase_user_id": "user-1",
			"plan":             "family",
		},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_family"}},
			},
		},
	}
}

func TestStripeRejectsMissingSignature(t *testing.T) {
	svc := newStripeService(t, &fakeReconciler{}, &fakeStripeBackend{}, nil)

	req := httptest.NewRequest("POST", "/", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without signature, got %d", w.Code)
	}
}

func TestStripeRejectsInvalidSignature(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{}, nil)

	body := stripeEventBody(t, "checkout.session.completed", map[string]interface{}{"id": "cs_1"})
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad signature, got %d", w.Code)
	}
	if len(engine.events) != 0 {
		t.Error("unverified events must never reach the engine")
	}
}

func TestStripeCheckoutCompleted(t *testing.T) {
	engine := &fakeReconciler{}
	backend := &fakeStripeBackend{
		sub: testSubscription(),
		methods: []*stripe.PaymentMethod{
			{
				ID: "pm_1",
				Card: &stripe.PaymentMethodCard{
					Brand:    "visa",
					Last4:    "4242",
					ExpMonth: 12,
					ExpYear:  2030,
				},
			},
		},
	}
	methods := &fakeMethodStore{}
	svc := newStripeService(t, engine, backend, methods)

	body := stripeEventBody(t, "checkout.session.completed", map[string]interface{}{
		"id": "cs_1",
		"metadata": map[string]string{
			"supabase_user_id": "user-1",
			"plan":             "family",
			"max_children":     "4",
		},
		"subscription":   "sub_123",
		"payment_intent": "pi_1",
		"customer":       "cus_1",
		"amount_total":   4999,
		"currency":       "sar",
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(engine.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(engine.events))
	}
	ev := engine.events[0]
	if ev.Kind != reconcile.KindCheckoutCompleted {
		t.Errorf("unexpected kind %s", ev.Kind)
	}
	if ev.CustomerID != "user-1" {
		t.Errorf("unexpected customer %s", ev.CustomerID)
	}
	if ev.Plan != subscription.PlanFamily {
		t.Errorf("expected family plan, got %s", ev.Plan)
	}
	if ev.Amount != 49.99 {
		t.Errorf("expected minor units converted to 49.99, got %f", ev.Amount)
	}
	if ev.Currency != "SAR" {
		t.Errorf("expected uppercased currency, got %s", ev.Currency)
	}
	if ev.TransactionID != "pi_1" {
		t.Errorf("expected payment intent id, got %s", ev.TransactionID)
	}
	if ev.ExternalSubscriptionID != "sub_123" {
		t.Errorf("unexpected subscription id %s", ev.ExternalSubscriptionID)
	}

	if len(methods.saved) != 1 {
		t.Fatalf("expected payment method captured, got %d", len(methods.saved))
	}
	if methods.saved[0].CardLast4 != "4242" {
		t.Errorf("unexpected card capture %+v", methods.saved[0])
	}
}

func TestStripeCheckoutMissingMetadataIsAcknowledged(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{}, nil)

	body := stripeEventBody(t, "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"subscription": "sub_123",
		"amount_total": 4999,
	})
	w := postSigned(t, svc, body)

	// no metadata means no retry will ever succeed, so acknowledge
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for unresolvable session, got %d", w.Code)
	}
	if len(engine.events) != 0 {
		t.Error("unresolvable sessions must not reach the engine")
	}
}

func TestStripeSkipsInitialInvoice(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{sub: testSubscription()}, nil)

	body := stripeEventBody(t, "invoice.payment_succeeded", map[string]interface{}{
		"id":             "in_1",
		"billing_reason": "subscription_create",
		"subscription":   "sub_123",
		"amount_paid":    4999,
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(engine.events) != 0 {
		t.Error("the first invoice is already recorded by the checkout event")
	}
}

func TestStripeInvoicePaymentSucceeded(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{sub: testSubscription()}, nil)

	body := stripeEventBody(t, "invoice.payment_succeeded", map[string]interface{}{
		"id":             "in_2",
		"billing_reason": "subscription_cycle",
		"subscription":   "sub_123",
		"payment_intent": "pi_2",
		"amount_paid":    4999,
		"currency":       "sar",
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ev := engine.events[0]
	if ev.Kind != reconcile.KindInvoicePaymentSucceeded {
		t.Errorf("unexpected kind %s", ev.Kind)
	}
	if ev.Amount != 49.99 {
		t.Errorf("expected 49.99, got %f", ev.Amount)
	}
	if ev.TransactionID != "pi_2" {
		t.Errorf("unexpected transaction id %s", ev.TransactionID)
	}
	if ev.Plan != subscription.PlanFamily {
		t.Errorf("expected plan resolved from price table, got %s", ev.Plan)
	}
}

func TestStripeInvoicePaymentFailed(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{sub: testSubscription()}, nil)

	body := stripeEventBody(t, "invoice.payment_failed", map[string]interface{}{
		"id":            "in_3",
		"subscription":  "sub_123",
		"amount_due":    4999,
		"attempt_count": 2,
		"currency":      "sar",
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	ev := engine.events[0]
	if ev.Kind != reconcile.KindInvoicePaymentFailed {
		t.Errorf("unexpected kind %s", ev.Kind)
	}
	if ev.Amount != 49.99 {
		t.Errorf("expected amount due converted, got %f", ev.Amount)
	}
	if ev.TransactionID != "failed_in_3" {
		t.Errorf("expected synthesized transaction id, got %s", ev.TransactionID)
	}
	if ev.Metadata["attempt_count"] != "2" {
		t.Errorf("expected attempt count in metadata, got %q", ev.Metadata["attempt_count"])
	}
}

func TestStripeSubscriptionUpdatedPastDueKeepsAccess(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{}, nil)

	body := stripeEventBody(t, "customer.subscription.updated", map[string]interface{}{
		"id":                   "sub_123",
		"status":               "past_due",
		"cancel_at_period_end": true,
		"current_period_start": time.Now().Unix(),
		"current_period_end":   time.Now().Add(30 * 24 * time.Hour).Unix(),
		"metadata": map[string]string{
			"supabase_user_id": "user-1",
		},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]interface{}{"id": "price_plus"}},
			},
		},
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ev := engine.events[0]
	if ev.Kind != reconcile.KindSubscriptionUpdated {
		t.Errorf("unexpected kind %s", ev.Kind)
	}
	if ev.Status == nil || *ev.Status != subscription.StatusActive {
		t.Error("past_due must keep the subscription active during the grace period")
	}
	if ev.AutoRenew || !ev.CancelAtPeriodEnd {
		t.Errorf("expected auto_renew=false cancel_at_period_end=true, got %v/%v", ev.AutoRenew, ev.CancelAtPeriodEnd)
	}
	if !ev.PlanResolved || ev.Plan != subscription.PlanPlus {
		t.Errorf("expected plan resolved to plus, got %v/%s", ev.PlanResolved, ev.Plan)
	}
}

func TestStripeUnknownEventTypeIsAcknowledged(t *testing.T) {
	engine := &fakeReconciler{}
	svc := newStripeService(t, engine, &fakeStripeBackend{}, nil)

	body := stripeEventBody(t, "charge.refunded", map[string]interface{}{"id": "ch_1"})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Errorf("unknown event types must be acknowledged, got %d", w.Code)
	}
	if len(engine.events) != 0 {
		t.Error("unknown event types must not reach the engine")
	}
}

func TestStripeFailedDeliveryIsNotMarkedSeen(t *testing.T) {
	engine := &fakeReconciler{failures: 1}
	backend := &fakeStripeBackend{sub: testSubscription()}
	deduper := &fakeDeduper{}
	svc, err := NewStripeService(StripeOptions{
		Engine:  engine,
		Backend: backend,
		Deduper: deduper,
		Prices: subscription.PriceTable{
			PlusMonthly:   "price_plus",
			FamilyMonthly: "price_family",
		},
		WebhookSecret: stripeTestSecret,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewStripeService: %v", err)
	}

	body := stripeEventBody(t, "checkout.session.completed", map[string]interface{}{
		"id": "cs_1",
		"metadata": map[string]string{
			"supabase_user_id": "user-1",
			"plan":             "family",
		},
		"subscription": "sub_123",
		"amount_total": 4999,
		"currency":     "sar",
	})

	// first delivery fails in the engine; redelivery must still be processed
	w := postSigned(t, svc, body)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on engine failure, got %d", w.Code)
	}

	w = postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery: expected 200, got %d", w.Code)
	}
	if len(engine.events) != 1 {
		t.Errorf("redelivery after a failure must be applied, got %d events", len(engine.events))
	}

	w = postSigned(t, svc, body)
	if w.Code != http.StatusOK {
		t.Fatalf("third delivery: expected 200, got %d", w.Code)
	}
	if len(engine.events) != 1 {
		t.Errorf("redelivery after success must be deduplicated, got %d events", len(engine.events))
	}
}

func TestStripeHandlerFailureReturns500(t *testing.T) {
	engine := &fakeReconciler{}
	backend := &fakeStripeBackend{err: fmt.Errorf("stripe api down")}
	svc := newStripeService(t, engine, backend, nil)

	body := stripeEventBody(t, "checkout.session.completed", map[string]interface{}{
		"id": "cs_1",
		"metadata": map[string]string{
			"supabase_user_id": "user-1",
			"plan":             "plus",
		},
		"subscription": "sub_123",
	})
	w := postSigned(t, svc, body)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("transient failures must surface as 500 for provider retry, got %d", w.Code)
	}
}
