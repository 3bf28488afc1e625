package subscription

import "time"

// Subscription is the single current-state record per paying customer. Every
// reconciliation is an upsert keyed on CustomerID; expiry is a Status value,
// never a deletion.
type Subscription struct {
	ID                     string     `json:"id" gorm:"primaryKey"`
	CustomerID             string     `json:"customerId" gorm:"uniqueIndex"` // Internal account ID that owns this subscription
	Plan                   Plan       `json:"plan"`
	Status                 Status     `json:"status"`
	PaymentProvider        Provider   `json:"paymentProvider"`
	ExternalSubscriptionID string     `json:"externalSubscriptionId" gorm:"index"` // Provider-side subscription ID for correlation
	ExternalProductID      string     `json:"externalProductId"`
	AutoRenew              bool       `json:"autoRenew"`
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd"` // Can diverge from AutoRenew transiently: cancellation requested but renewal not yet due
	CurrentPeriodStart     time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd       *time.Time `json:"currentPeriodEnd"`
	ExpiresAt              *time.Time `json:"expiresAt"` // Kept equal to CurrentPeriodEnd in all observed flows
	MaxChildren            int        `json:"maxChildren"`
	Currency               string     `json:"currency"`
	PriceAmount            float64    `json:"priceAmount"` // Major currency units
	StartsAt               time.Time  `json:"startsAt"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}
