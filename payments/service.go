package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohra-app/billing/customer"
	"github.com/mohra-app/billing/ledger"
	resp "github.com/mohra-app/billing/response"
	"github.com/mohra-app/billing/subscription"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// identity metadata attached to Stripe objects so webhooks can resolve the
// internal account later
const userIDMetadataKey = "supabase_user_id"

// CheckoutSessionOptions describes the hosted checkout session to create
type CheckoutSessionOptions struct {
	StripeCustomerID     string
	PriceID              string
	SuccessURL           string
	CancelURL            string
	Locale               string
	SessionMetadata      map[string]string
	SubscriptionMetadata map[string]string
}

// StripeBackend is the slice of the Stripe API this service consumes.
// Implemented by external.StripeClient; tests substitute a fake.
type StripeBackend interface {
	customer.CustomerCreator
	CreateCheckoutSession(ctx context.Context, opt CheckoutSessionOptions) (*stripe.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error)
}

// CustomerStore resolves and links customer profiles
type CustomerStore interface {
	EnsureStripeCustomer(ctx context.Context, creator customer.CustomerCreator, id, email string) (string, error)
	GetByID(ctx context.Context, id string) (*customer.Customer, error)
}

// TransactionLister reads the customer's billing history from the ledger
type TransactionLister interface {
	List(ctx context.Context, opt ledger.ListOption) ([]ledger.Transaction, int64, error)
}

// Options describes what is required to setup the payments Service
type Options struct {
	Backend   StripeBackend
	Customers CustomerStore
	Ledger    TransactionLister
	Prices    subscription.PriceTable
	SiteURL   string
	Logger    *zap.Logger
}

// Service exposes the customer-facing payment glue: checkout creation,
// purchase confirmation lookup, billing portal, and payment history
type Service struct {
	Options
	validate *validator.Validate
}

func NewService(option Options) (*Service, error) {
	if option.Backend == nil {
		return nil, fmt.Errorf("nil Backend is invalid")
	}
	if option.Customers == nil {
		return nil, fmt.Errorf("nil Customers is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if len(option.SiteURL) == 0 {
		return nil, fmt.Errorf("empty SiteURL is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options:  option,
		validate: validator.New(),
	}, nil
}

// CheckoutRequest is the body of POST /checkout
type CheckoutRequest struct {
	Plan   string `json:"plan" validate:"required,oneof=plus family"`
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Locale string `json:"locale"`
}

func (s *Service) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing or invalid fields: plan, userId, email"))
		return
	}

	logger := s.Logger.With(zap.String("CustomerID", req.UserID))

	plan := subscription.Plan(req.Plan)
	priceID, ok := s.Prices.PriceForPlan(plan)
	if !ok || len(priceID) == 0 {
		logger.Error("No price configured for plan",
			zap.String("Plan", req.Plan),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Plan is not available for purchase"))
		return
	}

	stripeCustomerID, err := s.Customers.EnsureStripeCustomer(ctx, s.Backend, req.UserID, req.Email)
	if err != nil {
		logger.Error("Unable to resolve Stripe customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create checkout session"))
		return
	}

	origin := r.Header.Get("Origin")
	if len(origin) == 0 {
		origin = s.SiteURL
	}

	session, err := s.Backend.CreateCheckoutSession(ctx, CheckoutSessionOptions{
		StripeCustomerID: stripeCustomerID,
		PriceID:          priceID,
		SuccessURL:       origin + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:        origin + "/checkout/cancel",
		Locale:           req.Locale,
		SessionMetadata: map[string]string{
			userIDMetadataKey: req.UserID,
			"plan":            req.Plan,
			"max_children":    strconv.Itoa(plan.MaxChildren()),
		},
		SubscriptionMetadata: map[string]string{
			userIDMetadataKey: req.UserID,
			"plan":            req.Plan,
		},
	})
	if err != nil {
		logger.Error("Unable to create checkout session in Stripe",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create checkout session"))
		return
	}

	resp.WriteResponse(w, r, map[string]string{
		"url": session.URL,
	})
}

// SessionResult is returned to the purchase-confirmation flow so the client
// can verify payment state independently
type SessionResult struct {
	Plan      string  `json:"plan"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Paid      bool    `json:"paid"`
	SessionID string  `json:"sessionId"`
}

func (s *Service) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get("session_id")
	if len(sessionID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing session_id parameter"))
		return
	}

	session, err := s.Backend.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		s.Logger.Error("Unable to retrieve checkout session from Stripe",
			zap.String("SessionID", sessionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to retrieve session"))
		return
	}

	currency := strings.ToUpper(string(session.Currency))
	if len(currency) == 0 {
		currency = "SAR"
	}

	resp.WriteResponse(w, r, SessionResult{
		Plan:      session.Metadata["plan"],
		Amount:    float64(session.AmountTotal) / 100,
		Currency:  currency,
		Paid:      session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		SessionID: session.ID,
	})
}

// PortalRequest is the body of POST /portal
type PortalRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (s *Service) createPortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing userId"))
		return
	}

	cust, err := s.Customers.GetByID(ctx, req.UserID)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if cust == nil || len(cust.StripeCustomerID) == 0 {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No Stripe customer found for this user"))
		return
	}

	url, err := s.Backend.CreatePortalSession(ctx, cust.StripeCustomerID, s.SiteURL+"/")
	if err != nil {
		s.Logger.Error("Unable to create billing portal session in Stripe",
			zap.String("CustomerID", req.UserID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to create portal session"))
		return
	}

	resp.WriteResponse(w, r, map[string]string{
		"url": url,
	})
}

// HistoryResult is one page of a customer's billing history
type HistoryResult struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Total        int64                `json:"total"`
	Page         int                  `json:"page"`
	Limit        int                  `json:"limit"`
	TotalPages   int                  `json:"totalPages"`
}

func (s *Service) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("userId")
	if len(userID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing userId"))
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	transactions, total, err := s.Ledger.List(ctx, ledger.ListOption{
		CustomerID: userID,
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to fetch transaction history"))
		return
	}

	resp.WriteResponse(w, r, HistoryResult{
		Transactions: transactions,
		Total:        total,
		Page:         page,
		Limit:        limit,
		TotalPages:   int(math.Ceil(float64(total) / float64(limit))),
	})
}

// Router returns the routes managed by this Service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/checkout", s.createCheckout)
	r.Get("/session", s.getSession)
	r.Post("/portal", s.createPortal)
	r.Get("/history", s.history)

	return r
}
