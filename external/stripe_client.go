package external

import (
	"context"

	"github.com/mohra-app/billing/payments"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeClient wraps the Stripe SDK behind the narrow interfaces the rest of
// the codebase consumes, so tests can substitute fakes
type StripeClient struct {
	api *client.API
}

// NewStripeClient returns a StripeClient with its own API client instance
func NewStripeClient(key string) *StripeClient {
	sc := &client.API{}
	sc.Init(key, nil)
	return &StripeClient{
		api: sc,
	}
}

// CreateCustomer creates the Stripe-side customer carrying the internal
// account identity as metadata
func (s *StripeClient) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(email),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// GetSubscription fetches the full subscription object from Stripe
func (s *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.Subscriptions.Get(id, params)
}

// ListCardPaymentMethods returns the customer's card payment methods
func (s *StripeClient) ListCardPaymentMethods(ctx context.Context, stripeCustomerID string) ([]*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(stripeCustomerID),
		Type:     stripe.String("card"),
	}
	params.Context = ctx
	iter := s.api.PaymentMethods.List(params)
	methods := make([]*stripe.PaymentMethod, 0, 1)
	for iter.Next() {
		methods = append(methods, iter.PaymentMethod())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return methods, nil
}

// CreateCheckoutSession creates a subscription-mode hosted checkout session
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, opt payments.CheckoutSessionOptions) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(opt.StripeCustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(opt.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:          stripe.String(opt.SuccessURL),
		CancelURL:           stripe.String(opt.CancelURL),
		PaymentMethodTypes:  stripe.StringSlice([]string{"card"}),
		AllowPromotionCodes: stripe.Bool(true),
	}
	if len(opt.Locale) > 0 {
		params.Locale = stripe.String(opt.Locale)
	}
	for k, v := range opt.SessionMetadata {
		params.AddMetadata(k, v)
	}
	if len(opt.SubscriptionMetadata) > 0 {
		subData := &stripe.CheckoutSessionSubscriptionDataParams{}
		for k, v := range opt.SubscriptionMetadata {
			subData.AddMetadata(k, v)
		}
		params.SubscriptionData = subData
	}
	return s.api.CheckoutSessions.New(params)
}

// GetCheckoutSession fetches a checkout session for purchase confirmation
func (s *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	return s.api.CheckoutSessions.Get(sessionID, params)
}

// CreatePortalSession returns a provider-hosted self-service management URL
func (s *StripeClient) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := s.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}
