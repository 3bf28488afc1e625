package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustomerCreator creates the provider-side customer object. Implemented by
// external.StripeClient; tests substitute a fake.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (string, error)
}

// Manager handles the database operations relating to Customers
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for customers
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Customer{}, &PaymentMethod{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize customer.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.db.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// EnsureStripeCustomer returns the customer's Stripe customer ID, creating
// both the provider-side customer and the local linkage when missing. The
// internal account ID rides along as metadata so webhooks can resolve
// identity later.
func (m *Manager) EnsureStripeCustomer(ctx context.Context, creator CustomerCreator, id, email string) (string, error) {
	if len(id) == 0 {
		return "", fmt.Errorf("id is required")
	}
	cust, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if cust != nil && len(cust.StripeCustomerID) > 0 {
		return cust.StripeCustomerID, nil
	}

	stripeID, err := creator.CreateCustomer(ctx, email, map[string]string{
		"supabase_user_id": id,
	})
	if err != nil {
		m.logger.Error("Stripe returned error",
			zap.String("CustomerID", id),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot create customer on Stripe")
	}

	if cust == nil {
		cust = &Customer{
			ID:               id,
			Email:            email,
			StripeCustomerID: stripeID,
		}
		if result := m.db.WithContext(ctx).Create(cust); result.Error != nil {
			m.logger.Error("Database returned error",
				zap.Error(result.Error),
			)
			return "", extErrors.Wrap(result.Error, "Cannot create customer")
		}
		return stripeID, nil
	}

	result := m.db.WithContext(ctx).Model(&Customer{}).
		Where("id = ?", id).
		Update("stripe_customer_id", stripeID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot link Stripe customer")
	}
	return stripeID, nil
}

// LinkRevenueCatID records the store-billing app-user identifier on the
// customer profile. Best-effort: a missing profile is not an error.
func (m *Manager) LinkRevenueCatID(ctx context.Context, id, appUserID string) error {
	result := m.db.WithContext(ctx).Model(&Customer{}).
		Where("id = ?", id).
		Update("revenue_cat_app_user_id", appUserID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot link RevenueCat app user id")
	}
	return nil
}

// SavePaymentMethod upserts the customer's default card, keyed on the
// customer identity
func (m *Manager) SavePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	if len(pm.CustomerID) == 0 {
		return fmt.Errorf("PaymentMethod.CustomerID is required")
	}
	if len(pm.ID) == 0 {
		pm.ID = shortuuid.New()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_customer_id",
			"stripe_payment_method_id",
			"card_brand",
			"card_last4",
			"card_exp_month",
			"card_exp_year",
			"is_default",
			"updated_at",
		}),
	}).Create(pm)
	if result.Error != nil {
		m.logger.Error("Unable to save payment method",
			zap.String("CustomerID", pm.CustomerID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot save payment method")
	}
	return nil
}
