package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mohra-app/billing/ledger"
	"github.com/mohra-app/billing/subscription"

	"gorm.io/gorm"
)

// GormStore glues the subscription and ledger managers into the engine's
// transactional Store interface
type GormStore struct {
	db            *gorm.DB
	subscriptions *subscription.Manager
	transactions  *ledger.Manager
}

var _ TxStore = (*GormStore)(nil)

// NewGormStore returns the production Store over Postgres
func NewGormStore(db *gorm.DB, subscriptions *subscription.Manager, transactions *ledger.Manager) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("nil subscription.Manager is invalid")
	}
	if transactions == nil {
		return nil, fmt.Errorf("nil ledger.Manager is invalid")
	}
	return &GormStore{
		db:            db,
		subscriptions: subscriptions,
		transactions:  transactions,
	}, nil
}

func (s *GormStore) GetSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	return s.subscriptions.GetByCustomerID(ctx, customerID)
}

func (s *GormStore) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return s.subscriptions.Upsert(ctx, sub)
}

func (s *GormStore) RenewPeriod(ctx context.Context, key subscription.Key, start time.Time, end *time.Time, autoRenew bool) error {
	return s.subscriptions.RenewPeriod(ctx, key, start, end, autoRenew)
}

func (s *GormStore) MarkCancelAtPeriodEnd(ctx context.Context, key subscription.Key) error {
	return s.subscriptions.MarkCancelAtPeriodEnd(ctx, key)
}

func (s *GormStore) MarkExpired(ctx context.Context, key subscription.Key) error {
	return s.subscriptions.MarkExpired(ctx, key)
}

func (s *GormStore) ChangePlan(ctx context.Context, key subscription.Key, plan subscription.Plan, productID string) error {
	return s.subscriptions.ChangePlan(ctx, key, plan, productID)
}

func (s *GormStore) SyncFromProvider(ctx context.Context, key subscription.Key, fields subscription.SyncFields) error {
	return s.subscriptions.SyncFromProvider(ctx, key, fields)
}

func (s *GormStore) AppendTransaction(ctx context.Context, txn *ledger.Transaction) error {
	return s.transactions.Append(ctx, txn)
}

// Transact runs fn against managers bound to one database transaction, so a
// partial reconciliation is never committed
func (s *GormStore) Transact(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{
			db:            tx,
			subscriptions: s.subscriptions.WithDB(tx),
			transactions:  s.transactions.WithDB(tx),
		})
	})
}
