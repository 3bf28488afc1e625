package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/mohra-app/billing/subscription"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to the Transaction ledger
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the ledger
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Transaction{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize ledger.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// WithDB returns a copy of the Manager bound to the given handle. Used to run
// ledger appends inside a caller-owned transaction.
func (m *Manager) WithDB(db *gorm.DB) *Manager {
	return &Manager{
		db:     db,
		logger: m.logger,
	}
}

// Append inserts a Transaction. A redelivered event with the same
// (payment_provider, external_transaction_id) pair is a no-op success, which
// keeps the ledger idempotent under webhook redelivery. Rows without an
// external ID never conflict.
func (m *Manager) Append(ctx context.Context, txn *Transaction) error {
	if len(txn.CustomerID) == 0 {
		return fmt.Errorf("Transaction.CustomerID is required")
	}
	if len(txn.ID) == 0 {
		txn.ID = shortuuid.New()
	}
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_provider"}, {Name: "external_transaction_id"}},
		DoNothing: true,
	}).Create(txn)
	if result.Error != nil {
		m.logger.Error("Unable to append transaction to ledger",
			zap.String("CustomerID", txn.CustomerID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot append transaction")
	}
	if result.RowsAffected == 0 {
		m.logger.Info("Duplicate transaction delivery, skipping",
			zap.String("CustomerID", txn.CustomerID),
			zap.String("PaymentProvider", txn.PaymentProvider),
			zap.Stringp("ExternalTransactionID", txn.ExternalTransactionID),
		)
	}
	return nil
}

// ListOption filters the ledger listing
type ListOption struct {
	CustomerID string
	Status     Status
	Provider   string
	Plan       subscription.Plan
	Type       Type
	From       time.Time
	To         time.Time
	Page       int
	Limit      int
}

// List returns a page of ledger rows, newest first, with the total row count
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Transaction, int64, error) {
	if opt.Page < 1 {
		opt.Page = 1
	}
	if opt.Limit < 1 {
		opt.Limit = 50
	}

	baseQuery := m.db.WithContext(ctx).Model(&Transaction{})
	if len(opt.CustomerID) > 0 {
		baseQuery = baseQuery.Where("customer_id = ?", opt.CustomerID)
	}
	if len(opt.Status) > 0 {
		baseQuery = baseQuery.Where("status = ?", opt.Status)
	}
	if len(opt.Provider) > 0 {
		baseQuery = baseQuery.Where("payment_provider = ?", opt.Provider)
	}
	if len(opt.Plan) > 0 {
		baseQuery = baseQuery.Where("plan = ?", opt.Plan)
	}
	if len(opt.Type) > 0 {
		baseQuery = baseQuery.Where("type = ?", opt.Type)
	}
	if !opt.From.IsZero() {
		baseQuery = baseQuery.Where("created_at >= ?", opt.From)
	}
	if !opt.To.IsZero() {
		baseQuery = baseQuery.Where("created_at <= ?", opt.To)
	}

	var total int64
	if result := baseQuery.Count(&total); result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, 0, extErrors.Wrap(result.Error, "Cannot count transactions")
	}

	results := make([]Transaction, 0, opt.Limit)
	result := baseQuery.
		Order("created_at desc").
		Offset((opt.Page - 1) * opt.Limit).
		Limit(opt.Limit).
		Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, 0, extErrors.Wrap(result.Error, "Cannot list transactions")
	}
	return results, total, nil
}
