// Package reconciliation checks denormalized fund aggregates against the
// investments they summarize.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/fundroom/internal/audit"
	"github.com/mbd888/fundroom/internal/funding"
	"github.com/mbd888/fundroom/internal/money"
)

// AggregateSource lists stored aggregates and recomputes live totals.
// funding.Store satisfies it.
type AggregateSource interface {
	ListFundAggregates(ctx context.Context) ([]*funding.FundAggregate, error)
	SumInvestments(ctx context.Context, fundID string) (funding.FundTotals, error)
}

// Mismatch is one fund whose stored aggregate disagrees with its investments.
type Mismatch struct {
	FundID          string `json:"fundId"`
	StoredCommitted string `json:"storedCommitted"`
	ActualCommitted string `json:"actualCommitted"`
	StoredFunded    string `json:"storedFunded"`
	ActualFunded    string `json:"actualFunded"`
	StoredInvestors int    `json:"storedInvestors"`
	ActualInvestors int    `json:"actualInvestors"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	FundsChecked int           `json:"fundsChecked"`
	Mismatches   []Mismatch    `json:"mismatches"`
	Duration     time.Duration `json:"durationNs"`
	CheckedAt    time.Time     `json:"checkedAt"`
}

// Runner performs reconciliation checks.
type Runner struct {
	source AggregateSource
	audit  audit.Logger
	logger *slog.Logger
	last   atomic.Pointer[Report]
}

// NewRunner creates a reconciliation runner. auditLog may be nil.
func NewRunner(source AggregateSource, auditLog audit.Logger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{source: source, audit: auditLog, logger: logger}
}

// RunAll runs every check and keeps the report for Last.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	report, err := r.CheckFundAggregates(ctx)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(report.Mismatches) > 0 {
		reconcileRuns.WithLabelValues("mismatch").Inc()
	} else {
		reconcileRuns.WithLabelValues("clean").Inc()
	}
	reconcileLastSuccess.SetToCurrentTime()
	r.last.Store(report)
	return report, nil
}

// Last returns the most recent completed report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// CheckFundAggregates recomputes every fund's totals and reports the funds
// whose stored aggregate differs. It reports; it does not repair.
func (r *Runner) CheckFundAggregates(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	aggs, err := r.source.ListFundAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: list aggregates: %w", err)
	}

	report := &Report{CheckedAt: start.UTC(), Mismatches: []Mismatch{}}
	for _, agg := range aggs {
		totals, err := r.source.SumInvestments(ctx, agg.FundID)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: sum fund %s: %w", agg.FundID, err)
		}
		report.FundsChecked++
		if agg.Matches(totals) {
			continue
		}

		m := Mismatch{
			FundID:          agg.FundID,
			StoredCommitted: money.Format(agg.TotalCommitted),
			ActualCommitted: money.Format(totals.Committed),
			StoredFunded:    money.Format(agg.TotalFunded),
			ActualFunded:    money.Format(totals.Funded),
			StoredInvestors: agg.InvestorCount,
			ActualInvestors: totals.Investors,
		}
		report.Mismatches = append(report.Mismatches, m)
		r.logger.Warn("fund aggregate mismatch",
			"fund_id", m.FundID,
			"stored_funded", m.StoredFunded, "actual_funded", m.ActualFunded,
			"stored_committed", m.StoredCommitted, "actual_committed", m.ActualCommitted)
		r.recordMismatch(ctx, m)
	}

	report.Duration = time.Since(start)
	reconcileFundsChecked.Set(float64(report.FundsChecked))
	reconcileAggregateMismatches.Set(float64(len(report.Mismatches)))
	return report, nil
}

func (r *Runner) recordMismatch(ctx context.Context, m Mismatch) {
	if r.audit == nil {
		return
	}
	err := r.audit.Log(ctx, &audit.Entry{
		EventType:    audit.EventAggregateMismatch,
		ResourceType: audit.ResourceFund,
		ResourceID:   m.FundID,
		Metadata: map[string]any{
			"storedFunded":    m.StoredFunded,
			"actualFunded":    m.ActualFunded,
			"storedCommitted": m.StoredCommitted,
			"actualCommitted": m.ActualCommitted,
		},
	})
	if err != nil {
		r.logger.Warn("audit log write failed", "event", audit.EventAggregateMismatch, "fund_id", m.FundID, "error", err)
	}
}
