package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohra-app/billing/subscription"
)

// Type is the custom type for what kind of billing event a Transaction records
type Type string

// Defining the Transaction types
const (
	TypePurchase  Type = "purchase"
	TypeRenewal   Type = "renewal"
	TypeRefund    Type = "refund"
	TypeUpgrade   Type = "upgrade"
	TypeDowngrade Type = "downgrade"
)

// Status is the custom type for the outcome of a Transaction. Fixed at
// creation time from the triggering event, never revisited.
type Status string

// Defining the Transaction statuses
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Ledger provider labels. The mobile store aggregator fans out to the store
// that actually billed, so its ledger rows carry apple/google, not the
// aggregator itself.
const (
	ProviderStripe string = "stripe"
	ProviderApple  string = "apple"
	ProviderGoogle string = "google"
)

// Metadata is an opaque provider-specific payload stored alongside the row
type Metadata map[string]string

// Value implements driver.Valuer so gorm can persist Metadata as JSON
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for reading Metadata back
func (m *Metadata) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported Metadata source type %T", src)
	}
}

// Transaction is an append-only ledger entry. The ledger is the source of
// truth for revenue reporting; rows are never mutated after insert.
type Transaction struct {
	ID                    string            `json:"id" gorm:"primaryKey"`
	CustomerID            string            `json:"customerId" gorm:"index"`
	PaymentProvider       string            `json:"paymentProvider" gorm:"uniqueIndex:ux_transactions_provider_external,priority:1"`
	ExternalTransactionID *string           `json:"externalTransactionId" gorm:"uniqueIndex:ux_transactions_provider_external,priority:2"` // nullable, providers may omit one
	Type                  Type              `json:"type"`
	Status                Status            `json:"status"`
	Amount                float64           `json:"amount"` // Major currency units
	Currency              string            `json:"currency"`
	Plan                  subscription.Plan `json:"plan"`
	Metadata              Metadata          `json:"metadata" gorm:"type:text"`
	CreatedAt             time.Time         `json:"createdAt" gorm:"index"`
}

// ExternalID is a convenience for building the nullable correlation ID
func ExternalID(id string) *string {
	if len(id) == 0 {
		return nil
	}
	return &id
}
