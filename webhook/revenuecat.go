package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohra-app/billing/dedup"
	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/reconcile"
	resp "github.com/mohra-app/billing/response"
	"github.com/mohra-app/billing/subscription"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// CustomerLinker records the store-billing app-user id on the customer
// profile after the first purchase
type CustomerLinker interface {
	LinkRevenueCatID(ctx context.Context, id, appUserID string) error
}

// RevenueCatOptions describes what is required to setup the RevenueCatService
type RevenueCatOptions struct {
	Engine        Reconciler
	Customers     CustomerLinker // optional, linking is best-effort
	Deduper       dedup.Deduper  // optional
	WebhookSecret string         // optional, skips auth when empty
	Logger        *zap.Logger
}

// RevenueCatService receives store-billing webhooks for Apple and Google
// purchases, normalizes them, and feeds the reconciliation engine
type RevenueCatService struct {
	RevenueCatOptions
}

func NewRevenueCatService(option RevenueCatOptions) (*RevenueCatService, error) {
	if option.Engine == nil {
		return nil, fmt.Errorf("nil Engine is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &RevenueCatService{
		RevenueCatOptions: option,
	}, nil
}

type rcEvent struct {
	ID                    string  `json:"id"`
	Type                  string  `json:"type"`
	AppUserID             string  `json:"app_user_id"`
	ProductID             string  `json:"product_id"`
	Store                 string  `json:"store"`
	TransactionID         string  `json:"transaction_id"`
	OriginalTransactionID string  `json:"original_transaction_id"`
	PurchasedAtMs         int64   `json:"purchased_at_ms"`
	ExpirationAtMs        int64   `json:"expiration_at_ms"`
	Price                 float64 `json:"price"`
	Currency              string  `json:"currency"`
	CancelReason          string  `json:"cancel_reason"`
	NewProductID          string  `json:"new_product_id"`
}

type rcPayload struct {
	Event *rcEvent `json:"event"`
}

// anonymous app-user ids cannot be mapped to an account; RevenueCat
// transfers the purchase once the user identifies
func isAnonymous(appUserID string) bool {
	return len(appUserID) == 0 || strings.HasPrefix(appUserID, "$RCAnonymousID")
}

func ledgerProviderForStore(store string) string {
	if strings.EqualFold(store, "PLAY_STORE") {
		return ledger.ProviderGoogle
	}
	return ledger.ProviderApple
}

func msTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func purchasedAt(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func (s *RevenueCatService) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(s.WebhookSecret) > 0 {
		if r.Header.Get("Authorization") != "Bearer "+s.WebhookSecret {
			resp.WriteError(w, r, resp.ErrUnauthorized())
			return
		}
	}

	var payload rcPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if payload.Event == nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing event"))
		return
	}
	ev := payload.Event

	if isAnonymous(ev.AppUserID) {
		s.Logger.Info("Ignoring event for anonymous app user",
			zap.String("EventID", ev.ID),
			zap.String("EventType", ev.Type),
		)
		s.received(w, r)
		return
	}

	if s.Deduper != nil && len(ev.ID) > 0 {
		seen, err := s.Deduper.Seen("revenuecat", ev.ID)
		if err != nil {
			s.Logger.Warn("Dedup check failed, processing anyway",
				zap.Error(err),
			)
		} else if seen {
			s.received(w, r)
			return
		}
	}

	if err := s.applyEvent(ctx, ev); err != nil {
		s.Logger.Error("Webhook handler failed",
			zap.String("EventType", ev.Type),
			zap.Error(err),
		)
		// leave the event unmarked so the provider's redelivery is processed
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Webhook handler failed"))
		return
	}

	if s.Deduper != nil && len(ev.ID) > 0 {
		if err := s.Deduper.Mark("revenuecat", ev.ID); err != nil {
			s.Logger.Warn("Unable to mark event as processed",
				zap.Error(err),
			)
		}
	}

	s.received(w, r)
}

func (s *RevenueCatService) applyEvent(ctx context.Context, ev *rcEvent) error {
	store := ev.Store
	if len(store) == 0 {
		store = "APP_STORE"
	}

	currency := strings.ToUpper(ev.Currency)
	if len(currency) == 0 {
		currency = "SAR"
	}

	externalID := ev.OriginalTransactionID
	if len(externalID) == 0 {
		externalID = ev.TransactionID
	}

	base := reconcile.Event{
		Provider:               subscription.ProviderRevenueCat,
		CustomerID:             ev.AppUserID,
		Plan:                   subscription.PlanForProduct(ev.ProductID),
		ProductID:              ev.ProductID,
		ExternalSubscriptionID: externalID,
		TransactionID:          ev.TransactionID,
		OriginalTransactionID:  ev.OriginalTransactionID,
		PeriodStart:            purchasedAt(ev.PurchasedAtMs),
		PeriodEnd:              msTime(ev.ExpirationAtMs),
		Amount:                 ev.Price,
		Currency:               currency,
		LedgerProvider:         ledgerProviderForStore(store),
		Metadata: ledger.Metadata{
			"store": store,
		},
	}

	switch ev.Type {
	case "INITIAL_PURCHASE":
		base.Kind = reconcile.KindInitialPurchase
		if err := s.Engine.Apply(ctx, base); err != nil {
			return err
		}
		if s.Customers != nil {
			if err := s.Customers.LinkRevenueCatID(ctx, ev.AppUserID, ev.AppUserID); err != nil {
				s.Logger.Error("Failed to link RevenueCat app user id",
					zap.String("CustomerID", ev.AppUserID),
					zap.Error(err),
				)
			}
		}
		return nil
	case "RENEWAL":
		base.Kind = reconcile.KindRenewal
		return s.Engine.Apply(ctx, base)
	case "CANCELLATION":
		base.Kind = reconcile.KindCancellation
		if len(ev.CancelReason) > 0 {
			base.Metadata["cancel_reason"] = ev.CancelReason
		}
		return s.Engine.Apply(ctx, base)
	case "EXPIRATION":
		base.Kind = reconcile.KindExpiration
		return s.Engine.Apply(ctx, base)
	case "BILLING_ISSUE":
		base.Kind = reconcile.KindBillingIssue
		base.TransactionID = fmt.Sprintf("billing_issue_%d", ev.PurchasedAtMs)
		if len(ev.CancelReason) > 0 {
			base.Metadata["reason"] = ev.CancelReason
		}
		return s.Engine.Apply(ctx, base)
	case "PRODUCT_CHANGE":
		base.Kind = reconcile.KindProductChange
		if len(ev.NewProductID) > 0 {
			base.Plan = subscription.PlanForProduct(ev.NewProductID)
			base.ProductID = ev.NewProductID
		}
		if len(ev.TransactionID) == 0 {
			base.TransactionID = fmt.Sprintf("change_%d", ev.PurchasedAtMs)
		}
		return s.Engine.Apply(ctx, base)
	default:
		s.Logger.Info("Ignoring unhandled RevenueCat event type",
			zap.String("EventType", ev.Type),
		)
		return nil
	}
}

func (s *RevenueCatService) received(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, map[string]bool{
		"received": true,
	})
}

// Router returns the routes managed by this Service
func (s *RevenueCatService) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.handleWebhook)

	return r
}
