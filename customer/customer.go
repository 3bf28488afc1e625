package customer

import "time"

// Customer links the internal account identity to its provider-side
// identities. The row ID is the account ID issued by the auth provider.
type Customer struct {
	ID                  string    `json:"id" gorm:"primaryKey"`
	Email               string    `json:"email" gorm:"index"`
	FullName            string    `json:"fullName"`
	StripeCustomerID    string    `json:"stripeCustomerId" gorm:"index"`
	RevenueCatAppUserID string    `json:"revenuecatAppUserId"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// PaymentMethod stores the default card captured after checkout, for display
// in the parent dashboard. One per customer.
type PaymentMethod struct {
	ID                    string    `json:"id" gorm:"primaryKey"`
	CustomerID            string    `json:"customerId" gorm:"uniqueIndex"`
	StripeCustomerID      string    `json:"stripeCustomerId"`
	StripePaymentMethodID string    `json:"stripePaymentMethodId"`
	CardBrand             string    `json:"cardBrand"`
	CardLast4             string    `json:"cardLast4"`
	CardExpMonth          int       `json:"cardExpMonth"`
	CardExpYear           int       `json:"cardExpYear"`
	IsDefault             bool      `json:"isDefault"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
