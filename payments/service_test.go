package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohra-app/billing/customer"
	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/subscription"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
)

type fakeBackend struct {
	lastCheckout CheckoutSessionOptions
	session      *stripe.CheckoutSession
	portalURL    string
}

func (f *fakeBackend) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error) {
	return "cus_new", nil
}

func (f *fakeBackend) CreateCheckoutSession(ctx context.Context, opt CheckoutSessionOptions) (*stripe.CheckoutSession, error) {
	f.lastCheckout = opt
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func (f *fakeBackend) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	return f.session, nil
}

func (f *fakeBackend) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	return f.portalURL, nil
}

type fakeCustomers struct {
	customers map[string]*customer.Customer
}

func (f *fakeCustomers) EnsureStripeCustomer(ctx context.Context, creator customer.CustomerCreator, id, email string) (string, error) {
	if c, ok := f.customers[id]; ok && len(c.StripeCustomerID) > 0 {
		return c.StripeCustomerID, nil
	}
	return creator.CreateCustomer(ctx, email, map[string]string{"supabase_user_id": id})
}

func (f *fakeCustomers) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	return f.customers[id], nil
}

type fakeLedger struct {
	transactions []ledger.Transaction
}

func (f *fakeLedger) List(ctx context.Context, opt ledger.ListOption) ([]ledger.Transaction, int64, error) {
	return f.transactions, int64(len(f.transactions)), nil
}

func newTestService(t *testing.T, backend *fakeBackend, customers *fakeCustomers, lister *fakeLedger) *Service {
	t.Helper()
	if customers == nil {
		customers = &fakeCustomers{customers: make(map[string]*customer.Customer)}
	}
	if lister == nil {
		lister = &fakeLedger{}
	}
	svc, err := NewService(Options{
		Backend:   backend,
		Customers: customers,
		Ledger:    lister,
		Prices: subscription.PriceTable{
			PlusMonthly:   "price_plus",
			FamilyMonthly: "price_family",
		},
		SiteURL: "https://app.example",
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func postJSON(t *testing.T, svc *Service, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest("POST", path, &buf)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func TestCreateCheckout(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(t, backend, nil, nil)

	w := postJSON(t, svc, "/checkout", map[string]string{
		"plan":   "family",
		"userId": "user-1",
		"email":  "parent@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	opt := backend.lastCheckout
	if opt.PriceID != "price_family" {
		t.Errorf("unexpected price %s", opt.PriceID)
	}
	if opt.StripeCustomerID != "cus_new" {
		t.Errorf("unexpected stripe customer %s", opt.StripeCustomerID)
	}
	if opt.SessionMetadata["supabase_user_id"] != "user-1" {
		t.Error("session metadata must carry the account identity")
	}
	if opt.SessionMetadata["max_children"] != "4" {
		t.Errorf("unexpected max_children %q", opt.SessionMetadata["max_children"])
	}
	if opt.SubscriptionMetadata["supabase_user_id"] != "user-1" {
		t.Error("subscription metadata must carry the account identity for later invoices")
	}
}

func TestCreateCheckoutRejectsUnknownPlan(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, nil, nil)

	w := postJSON(t, svc, "/checkout", map[string]string{
		"plan":   "enterprise",
		"userId": "user-1",
		"email":  "parent@example.com",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown plan, got %d", w.Code)
	}
}

func TestCreateCheckoutRejectsMissingFields(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, nil, nil)

	w := postJSON(t, svc, "/checkout", map[string]string{
		"plan": "plus",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", w.Code)
	}
}

func TestGetSessionConvertsMinorUnits(t *testing.T) {
	backend := &fakeBackend{
		session: &stripe.CheckoutSession{
			ID:            "cs_1",
			AmountTotal:   2999,
			Currency:      "sar",
			PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
			Metadata:      map[string]string{"plan": "plus"},
		},
	}
	svc := newTestService(t, backend, nil, nil)

	req := httptest.NewRequest("GET", "/session?session_id=cs_1", nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var envelope struct {
		Result SessionResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Result.Amount != 29.99 {
		t.Errorf("expected 29.99, got %f", envelope.Result.Amount)
	}
	if envelope.Result.Currency != "SAR" {
		t.Errorf("expected uppercased currency, got %s", envelope.Result.Currency)
	}
	if !envelope.Result.Paid {
		t.Error("expected paid session")
	}
}

func TestCreatePortalWithoutStripeCustomer(t *testing.T) {
	customers := &fakeCustomers{customers: map[string]*customer.Customer{}}
	svc := newTestService(t, &fakeBackend{}, customers, nil)

	w := postJSON(t, svc, "/portal", map[string]string{"userId": "user-1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a billing profile, got %d", w.Code)
	}
}

func TestCreatePortal(t *testing.T) {
	customers := &fakeCustomers{customers: map[string]*customer.Customer{
		"user-1": {ID: "user-1", StripeCustomerID: "cus_1"},
	}}
	backend := &fakeBackend{portalURL: "https://billing.example/p_1"}
	svc := newTestService(t, backend, customers, nil)

	w := postJSON(t, svc, "/portal", map[string]string{"userId": "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var envelope struct {
		Result map[string]string `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Result["url"] != "https://billing.example/p_1" {
		t.Errorf("unexpected portal url %q", envelope.Result["url"])
	}
}

func TestHistoryRequiresUserID(t *testing.T) {
	svc := newTestService(t, &fakeBackend{}, nil, nil)

	req := httptest.NewRequest("GET", "/history", nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without userId, got %d", w.Code)
	}
}

func TestHistoryPaginates(t *testing.T) {
	lister := &fakeLedger{
		transactions: []ledger.Transaction{
			{ID: "t1", CustomerID: "user-1", Amount: 29.99},
			{ID: "t2", CustomerID: "user-1", Amount: 29.99},
		},
	}
	svc := newTestService(t, &fakeBackend{}, nil, lister)

	req := httptest.NewRequest("GET", "/history?userId=user-1&page=1&limit=1", nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var envelope struct {
		Result HistoryResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Result.Total != 2 {
		t.Errorf("expected total 2, got %d", envelope.Result.Total)
	}
	if envelope.Result.TotalPages != 2 {
		t.Errorf("expected 2 pages at limit 1, got %d", envelope.Result.TotalPages)
	}
}
