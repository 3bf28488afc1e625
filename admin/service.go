package admin

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mohra-app/billing/auth"
	"github.com/mohra-app/billing/ledger"
	resp "github.com/mohra-app/billing/response"
	"github.com/mohra-app/billing/subscription"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// Monthly list prices used for the estimated-MRR figure on the dashboard.
// Actual revenue always comes from the ledger.
const (
	plusMonthlyPrice   = 29.99
	familyMonthlyPrice = 49.99
)

// Options describes what is required to setup the admin Service
type Options struct {
	Auth          *auth.Auth
	Subscriptions *subscription.Manager
	Ledger        *ledger.Manager
	Aggregator    *ledger.Aggregator
	Logger        *zap.Logger
}

// Service exposes the operator dashboard endpoints: subscription listing,
// ledger browsing, and revenue reporting
type Service struct {
	Options
}

func NewService(option Options) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Ledger == nil {
		return nil, fmt.Errorf("nil Ledger is invalid")
	}
	if option.Aggregator == nil {
		return nil, fmt.Errorf("nil Aggregator is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		Options: option,
	}, nil
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	return page, limit
}

// SubscriptionListResult is one page of subscriptions plus base-wide counts
type SubscriptionListResult struct {
	Subscriptions    []subscription.Subscription `json:"subscriptions"`
	Total            int64                       `json:"total"`
	Page             int                         `json:"page"`
	Limit            int                         `json:"limit"`
	TotalPages       int                         `json:"totalPages"`
	Counts           subscription.Counts         `json:"counts"`
	EstimatedRevenue float64                     `json:"estimatedRevenue"`
}

func (s *Service) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, limit := pagination(r, 20)
	subs, total, err := s.Subscriptions.List(ctx, subscription.ListOption{
		Plan:   subscription.Plan(r.URL.Query().Get("plan")),
		Status: subscription.Status(r.URL.Query().Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list subscriptions"))
		return
	}

	counts, err := s.Subscriptions.Summary(ctx)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to summarize subscriptions"))
		return
	}

	resp.WriteResponse(w, r, SubscriptionListResult{
		Subscriptions:    subs,
		Total:            total,
		Page:             page,
		Limit:            limit,
		TotalPages:       int(math.Ceil(float64(total) / float64(limit))),
		Counts:           counts,
		EstimatedRevenue: float64(counts.Plus)*plusMonthlyPrice + float64(counts.Family)*familyMonthlyPrice,
	})
}

// TransactionListResult is one page of ledger rows plus the revenue summary
type TransactionListResult struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Total        int64                `json:"total"`
	Page         int                  `json:"page"`
	Limit        int                  `json:"limit"`
	TotalPages   int                  `json:"totalPages"`
	Stats        *ledger.Summary      `json:"stats"`
}

func parseTimeParam(r *http.Request, key string) time.Time {
	raw := r.URL.Query().Get(key)
	if len(raw) == 0 {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Service) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, limit := pagination(r, 50)
	transactions, total, err := s.Ledger.List(ctx, ledger.ListOption{
		Status:   ledger.Status(r.URL.Query().Get("status")),
		Provider: r.URL.Query().Get("provider"),
		Plan:     subscription.Plan(r.URL.Query().Get("plan")),
		Type:     ledger.Type(r.URL.Query().Get("type")),
		From:     parseTimeParam(r, "from"),
		To:       parseTimeParam(r, "to"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to list transactions"))
		return
	}

	stats, err := s.Aggregator.Summarize(ctx)
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to compute revenue summary"))
		return
	}

	resp.WriteResponse(w, r, TransactionListResult{
		Transactions: transactions,
		Total:        total,
		Page:         page,
		Limit:        limit,
		TotalPages:   int(math.Ceil(float64(total) / float64(limit))),
		Stats:        stats,
	})
}

func (s *Service) financeSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Aggregator.Summarize(r.Context())
	if err != nil {
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to compute revenue summary"))
		return
	}
	resp.WriteResponse(w, r, summary)
}

// Router returns the routes managed by this Service
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())
	r.Use(s.Auth.AdminOnly())

	r.Get("/subscriptions", s.listSubscriptions)
	r.Get("/transactions", s.listTransactions)
	r.Get("/finance", s.financeSummary)

	return r
}
