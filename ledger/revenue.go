package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MonthRevenue is one point of the trailing monthly revenue series
type MonthRevenue struct {
	Month  string  `json:"month"` // YYYY-MM
	Amount float64 `json:"amount"`
}

// Summary is the on-demand revenue report derived from the ledger. The
// Subscription table is never consulted: the ledger is the sole revenue
// source of truth.
type Summary struct {
	TotalRevenue        float64            `json:"totalRevenue"`
	CurrentMonthRevenue float64            `json:"currentMonthRevenue"`
	PriorMonthRevenue   float64            `json:"priorMonthRevenue"`
	GrowthPercent       float64            `json:"growthPercent"`
	ByProvider          map[string]float64 `json:"byProvider"`
	ByPlan              map[string]float64 `json:"byPlan"`
	FailedCount         int                `json:"failedCount"`
	TotalCount          int                `json:"totalCount"`
	CompletedCount      int                `json:"completedCount"`
	MonthlyTrend        []MonthRevenue     `json:"monthlyTrend"`
}

// Aggregator is the read-only revenue reporting component over the ledger
type Aggregator struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAggregator returns a new Aggregator over the ledger table
func NewAggregator(logger *zap.Logger, db *gorm.DB) (*Aggregator, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	return &Aggregator{
		db:     db,
		logger: logger,
	}, nil
}

// statsRow is the minimal projection needed for aggregation
type statsRow struct {
	Amount          float64
	Status          Status
	Plan            string
	PaymentProvider string
	CreatedAt       time.Time
}

// Summarize computes the revenue Summary as of now
func (a *Aggregator) Summarize(ctx context.Context) (*Summary, error) {
	var rows []statsRow
	result := a.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("amount", "status", "plan", "payment_provider", "created_at").
		Find(&rows)
	if result.Error != nil {
		a.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot load ledger rows for aggregation")
	}
	summary := summarize(time.Now(), rows)
	return &summary, nil
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

func summarize(now time.Time, rows []statsRow) Summary {
	summary := Summary{
		ByProvider:   make(map[string]float64),
		ByPlan:       make(map[string]float64),
		MonthlyTrend: make([]MonthRevenue, 0, 12),
	}

	currentMonth := monthKey(now)
	priorMonth := monthKey(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0))

	monthly := make(map[string]float64)

	for _, row := range rows {
		summary.TotalCount++
		if row.Status == StatusFailed {
			summary.FailedCount++
		}
		if row.Status != StatusCompleted {
			continue
		}
		summary.CompletedCount++
		summary.TotalRevenue += row.Amount

		provider := row.PaymentProvider
		if len(provider) == 0 {
			provider = "unknown"
		}
		summary.ByProvider[provider] += row.Amount

		plan := row.Plan
		if len(plan) == 0 {
			plan = "unknown"
		}
		summary.ByPlan[plan] += row.Amount

		key := monthKey(row.CreatedAt)
		monthly[key] += row.Amount
		switch key {
		case currentMonth:
			summary.CurrentMonthRevenue += row.Amount
		case priorMonth:
			summary.PriorMonthRevenue += row.Amount
		}
	}

	// Growth is 0 when there is no prior-month baseline, never NaN/Inf
	if summary.PriorMonthRevenue > 0 {
		growth := (summary.CurrentMonthRevenue - summary.PriorMonthRevenue) / summary.PriorMonthRevenue * 100
		summary.GrowthPercent = math.Round(growth*10) / 10
	}

	// Trailing 12 months, oldest first
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	for i := 11; i >= 0; i-- {
		month := firstOfMonth.AddDate(0, -i, 0)
		key := monthKey(month)
		summary.MonthlyTrend = append(summary.MonthlyTrend, MonthRevenue{
			Month:  key,
			Amount: monthly[key],
		})
	}

	return summary
}
