package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscriptions
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// WithDB returns a copy of the Manager bound to the given handle. Used to run
// subscription writes inside a caller-owned transaction.
func (m *Manager) WithDB(db *gorm.DB) *Manager {
	return &Manager{
		db:     db,
		logger: m.logger,
	}
}

// Key selects the Subscription row to update, either by the internal customer
// identity or by the provider-side subscription ID
type Key struct {
	CustomerID             string
	ExternalSubscriptionID string
}

// ByCustomer returns a Key selecting on the internal customer identity
func ByCustomer(customerID string) Key {
	return Key{CustomerID: customerID}
}

// ByExternalID returns a Key selecting on the provider-side subscription ID
func ByExternalID(externalID string) Key {
	return Key{ExternalSubscriptionID: externalID}
}

func (k Key) apply(q *gorm.DB) (*gorm.DB, error) {
	if len(k.CustomerID) > 0 {
		return q.Where("customer_id = ?", k.CustomerID), nil
	}
	if len(k.ExternalSubscriptionID) > 0 {
		return q.Where("external_subscription_id = ?", k.ExternalSubscriptionID), nil
	}
	return nil, fmt.Errorf("either Key.CustomerID or Key.ExternalSubscriptionID is required")
}

// upsertColumns are the mutable fields overwritten on conflict. ID, customer
// identity, StartsAt and CreatedAt are immutable once the row exists.
var upsertColumns = []string{
	"plan",
	"status",
	"payment_provider",
	"external_subscription_id",
	"external_product_id",
	"auto_renew",
	"cancel_at_period_end",
	"current_period_start",
	"current_period_end",
	"expires_at",
	"max_children",
	"currency",
	"price_amount",
	"updated_at",
}

// Upsert creates or fully overwrites the Subscription keyed on CustomerID.
// Replaying the same event yields the same end state.
func (m *Manager) Upsert(ctx context.Context, sub *Subscription) error {
	if len(sub.CustomerID) == 0 {
		return fmt.Errorf("Subscription.CustomerID is required")
	}
	if len(sub.ID) == 0 {
		sub.ID = shortuuid.New()
	}
	if sub.StartsAt.IsZero() {
		sub.StartsAt = time.Now()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(sub)
	if result.Error != nil {
		m.logger.Error("Unable to upsert subscription in database",
			zap.String("CustomerID", sub.CustomerID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot upsert subscription")
	}
	return nil
}

// GetByCustomerID will try to return the subscription owned by the customer
func (m *Manager) GetByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	if len(customerID) == 0 {
		return nil, fmt.Errorf("customerID is required")
	}
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "customer_id = ?", customerID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by customer id")
	}

	return &sub, nil
}

// GetByExternalID will try to return the subscription by the provider-side ID
func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if len(externalID) == 0 {
		return nil, fmt.Errorf("externalID is required")
	}
	var sub Subscription
	result := m.db.WithContext(ctx).First(&sub, "external_subscription_id = ?", externalID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by external id")
	}

	return &sub, nil
}

func (m *Manager) update(ctx context.Context, key Key, fields map[string]interface{}) error {
	q, err := key.apply(m.db.WithContext(ctx).Model(&Subscription{}))
	if err != nil {
		return err
	}
	fields["updated_at"] = time.Now()
	result := q.Updates(fields)
	if result.Error != nil {
		m.logger.Error("Unable to update subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update subscription")
	}
	return nil
}

// RenewPeriod refreshes the billing window after a successful renewal and
// keeps the subscription active
func (m *Manager) RenewPeriod(ctx context.Context, key Key, start time.Time, end *time.Time, autoRenew bool) error {
	fields := map[string]interface{}{
		"status":               StatusActive,
		"current_period_start": start,
		"current_period_end":   end,
		"expires_at":           end,
	}
	if autoRenew {
		fields["auto_renew"] = true
	}
	return m.update(ctx, key, fields)
}

// MarkCancelAtPeriodEnd records a cancellation request. Access continues until
// the provider fires the terminal expiration event, so Status is untouched.
func (m *Manager) MarkCancelAtPeriodEnd(ctx context.Context, key Key) error {
	return m.update(ctx, key, map[string]interface{}{
		"auto_renew":           false,
		"cancel_at_period_end": true,
	})
}

// MarkExpired downgrades the subscription to the free tier at period end
func (m *Manager) MarkExpired(ctx context.Context, key Key) error {
	return m.update(ctx, key, map[string]interface{}{
		"status":               StatusExpired,
		"auto_renew":           false,
		"cancel_at_period_end": false,
	})
}

// ChangePlan moves the subscription to a different tier with its entitlement
func (m *Manager) ChangePlan(ctx context.Context, key Key, plan Plan, productID string) error {
	return m.update(ctx, key, map[string]interface{}{
		"plan":                plan,
		"external_product_id": productID,
		"max_children":        plan.MaxChildren(),
	})
}

// SyncFields carries the provider-reported state applied by SyncFromProvider.
// Plan and ProductID are only applied when the provider price was resolvable.
type SyncFields struct {
	AutoRenew          bool
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   *time.Time
	Status             *Status
	Plan               *Plan
	ProductID          *string
}

// SyncFromProvider refreshes renewal flags, period, and optionally plan and
// status from the provider's view of the subscription
func (m *Manager) SyncFromProvider(ctx context.Context, key Key, fields SyncFields) error {
	updates := map[string]interface{}{
		"auto_renew":           fields.AutoRenew,
		"cancel_at_period_end": fields.CancelAtPeriodEnd,
		"current_period_start": fields.CurrentPeriodStart,
		"current_period_end":   fields.CurrentPeriodEnd,
	}
	if fields.Status != nil {
		updates["status"] = *fields.Status
	}
	if fields.Plan != nil {
		updates["plan"] = *fields.Plan
		updates["max_children"] = fields.Plan.MaxChildren()
	}
	if fields.ProductID != nil {
		updates["external_product_id"] = *fields.ProductID
	}
	return m.update(ctx, key, updates)
}

// ListOption filters the admin subscription listing
type ListOption struct {
	Plan   Plan
	Status Status
	Page   int
	Limit  int
}

// List returns a page of subscriptions with the total row count
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Subscription, int64, error) {
	if opt.Page < 1 {
		opt.Page = 1
	}
	if opt.Limit < 1 {
		opt.Limit = 20
	}

	baseQuery := m.db.WithContext(ctx).Model(&Subscription{})
	if len(opt.Plan) > 0 {
		baseQuery = baseQuery.Where("plan = ?", opt.Plan)
	}
	if len(opt.Status) > 0 {
		baseQuery = baseQuery.Where("status = ?", opt.Status)
	}

	var total int64
	if result := baseQuery.Count(&total); result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, 0, extErrors.Wrap(result.Error, "Cannot count subscriptions")
	}

	results := make([]Subscription, 0, opt.Limit)
	result := baseQuery.
		Order("created_at desc").
		Offset((opt.Page - 1) * opt.Limit).
		Limit(opt.Limit).
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, 0, extErrors.Wrap(result.Error, "Cannot list subscriptions")
	}
	return results, total, nil
}

// Counts summarizes the subscription base by plan and by status
type Counts struct {
	Plus      int64 `json:"plus"`
	Family    int64 `json:"family"`
	Unknown   int64 `json:"unknown"`
	Active    int64 `json:"active"`
	Cancelled int64 `json:"cancelled"`
	Expired   int64 `json:"expired"`
}

// Summary returns plan and status counts across all subscriptions
func (m *Manager) Summary(ctx context.Context) (Counts, error) {
	var rows []struct {
		Plan   Plan
		Status Status
	}
	result := m.db.WithContext(ctx).Model(&Subscription{}).Select("plan", "status").Find(&rows)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return Counts{}, extErrors.Wrap(result.Error, "Cannot summarize subscriptions")
	}

	var counts Counts
	for _, row := range rows {
		switch row.Plan {
		case PlanPlus:
			counts.Plus++
		case PlanFamily:
			counts.Family++
		case PlanUnknown:
			counts.Unknown++
		}
		switch row.Status {
		case StatusActive:
			counts.Active++
		case StatusCancelled:
			counts.Cancelled++
		case StatusExpired:
			counts.Expired++
		}
	}
	return counts, nil
}
