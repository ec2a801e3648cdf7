// Package funding moves money through the fund's books.
//
// Every change to a transaction, an investment's funded amount or status,
// a tranche, or a fund aggregate happens inside one store transaction
// opened by the Engine. Nothing else writes those fields.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fundroom/internal/money"
	"github.com/mbd888/fundroom/internal/retry"
	"github.com/mbd888/fundroom/internal/tranche"
)

var (
	ErrTransactionNotFound = errors.New("funding: transaction not found")
	ErrInvestmentNotFound  = errors.New("funding: investment not found")
	ErrTrancheNotFound     = errors.New("funding: tranche not found")
	ErrAggregateNotFound   = errors.New("funding: fund aggregate not found")
	ErrFundNotFound        = errors.New("funding: fund not found")
	ErrAlreadyConfirmed    = errors.New("funding: transaction already processed")
	ErrInvalidAmount       = errors.New("funding: amount must be greater than zero with at most two decimal places")
	ErrTrancheSum          = errors.New("funding: tranche amounts must sum to the commitment")
	ErrNoTranches          = errors.New("funding: at least one tranche is required")
	ErrConflict            = errors.New("funding: concurrent update, retry")
)

// TransactionStatus is the state of a money-movement record.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

// InvestmentStatus is the funding state of an investment.
type InvestmentStatus string

const (
	InvestmentApplied         InvestmentStatus = "APPLIED"
	InvestmentCommitted       InvestmentStatus = "COMMITTED"
	InvestmentPartiallyFunded InvestmentStatus = "PARTIALLY_FUNDED"
	InvestmentFunded          InvestmentStatus = "FUNDED"
)

// InvestorStatus is the LP's position in the fund's onboarding pipeline.
type InvestorStatus string

const InvestorCommitted InvestorStatus = "COMMITTED"

// Transaction is an expected or received payment from an investor.
type Transaction struct {
	ID                string            `json:"id"`
	FundID            string            `json:"fundId"`
	InvestorID        string            `json:"investorId"`
	InvestmentID      string            `json:"investmentId"`
	TeamID            string            `json:"teamId,omitempty"`
	Amount            decimal.Decimal   `json:"amount"`
	Status            TransactionStatus `json:"status"`
	ConfirmedAt       *time.Time        `json:"confirmedAt,omitempty"`
	ConfirmedBy       string            `json:"confirmedBy,omitempty"`
	FundsReceivedDate *time.Time        `json:"fundsReceivedDate,omitempty"`
	BankReference     string            `json:"bankReference,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Investment is an investor's commitment to a fund.
type Investment struct {
	ID               string           `json:"id"`
	FundID           string           `json:"fundId"`
	InvestorID       string           `json:"investorId"`
	TeamID           string           `json:"teamId,omitempty"`
	CommitmentAmount decimal.Decimal  `json:"commitmentAmount"`
	FundedAmount     decimal.Decimal  `json:"fundedAmount"`
	Status           InvestmentStatus `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Investor is the per-LP state touched when a commitment is made.
type Investor struct {
	ID        string         `json:"id"`
	TeamID    string         `json:"teamId,omitempty"`
	Status    InvestorStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Tranche is one scheduled slice of an investment.
type Tranche struct {
	ID            string          `json:"id"`
	InvestmentID  string          `json:"investmentId"`
	FundID        string          `json:"fundId"`
	Number        int             `json:"number"`
	Amount        decimal.Decimal `json:"amount"`
	ScheduledDate *time.Time      `json:"scheduledDate,omitempty"`
	Status        tranche.Status  `json:"status"`
	CalledAt      *time.Time      `json:"calledAt,omitempty"`
	FundedAt      *time.Time      `json:"fundedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// FundAggregate is the denormalized per-fund rollup of investments. TeamID
// is the team that opened the fund with its first commitment.
type FundAggregate struct {
	FundID         string          `json:"fundId"`
	TeamID         string          `json:"teamId,omitempty"`
	TotalCommitted decimal.Decimal `json:"totalCommitted"`
	TotalFunded    decimal.Decimal `json:"totalFunded"`
	InvestorCount  int             `json:"investorCount"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// FundTotals is a live sum over a fund's investments.
type FundTotals struct {
	Committed decimal.Decimal
	Funded    decimal.Decimal
	Investors int
}

// Matches reports whether a stored aggregate agrees with live totals.
func (a *FundAggregate) Matches(t FundTotals) bool {
	return a.TotalCommitted.Equal(t.Committed) &&
		a.TotalFunded.Equal(t.Funded) &&
		a.InvestorCount == t.Investors
}

// Amounts go over the wire as strings with exactly money.Scale decimals,
// the same format as remaining and overage.

func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(t), money.Format(t.Amount)})
}

func (inv Investment) MarshalJSON() ([]byte, error) {
	type plain Investment
	return json.Marshal(struct {
		plain
		CommitmentAmount string `json:"commitmentAmount"`
		FundedAmount     string `json:"fundedAmount"`
	}{plain(inv), money.Format(inv.CommitmentAmount), money.Format(inv.FundedAmount)})
}

func (t Tranche) MarshalJSON() ([]byte, error) {
	type plain Tranche
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(t), money.Format(t.Amount)})
}

func (a FundAggregate) MarshalJSON() ([]byte, error) {
	type plain FundAggregate
	return json.Marshal(struct {
		plain
		TotalCommitted string `json:"totalCommitted"`
		TotalFunded    string `json:"totalFunded"`
	}{plain(a), money.Format(a.TotalCommitted), money.Format(a.TotalFunded)})
}

// Store is the unit-of-work boundary for funding records. Reads on the
// Store itself see committed data only; all writes go through a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetInvestment(ctx context.Context, id string) (*Investment, error)
	GetTranche(ctx context.Context, id string) (*Tranche, error)
	ListTranches(ctx context.Context, investmentID string) ([]*Tranche, error)
	ListDueTranches(ctx context.Context, before time.Time, limit int) ([]*Tranche, error)
	GetFundAggregate(ctx context.Context, fundID string) (*FundAggregate, error)
	ListFundAggregates(ctx context.Context) ([]*FundAggregate, error)
	SumInvestments(ctx context.Context, fundID string) (FundTotals, error)
}

// Tx is an open store transaction. Reads through a Tx observe its own
// uncommitted writes. ForUpdate reads lock the row until Commit or Rollback.
type Tx interface {
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)
	CreateTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error

	GetInvestmentForUpdate(ctx context.Context, id string) (*Investment, error)
	CreateInvestment(ctx context.Context, inv *Investment) error
	UpdateInvestment(ctx context.Context, inv *Investment) error

	GetTrancheForUpdate(ctx context.Context, id string) (*Tranche, error)
	CreateTranche(ctx context.Context, t *Tranche) error
	UpdateTranche(ctx context.Context, t *Tranche) error

	UpsertInvestor(ctx context.Context, inv *Investor) error
	SumInvestments(ctx context.Context, fundID string) (FundTotals, error)
	GetFundAggregateForUpdate(ctx context.Context, fundID string) (*FundAggregate, error)
	UpsertFundAggregate(ctx context.Context, a *FundAggregate) error

	Commit() error
	Rollback() error
}

// conflictRetry replays a transaction that lost a serialization race.
var conflictRetry = retry.Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

// runInTx runs fn in a new transaction, retrying from scratch on ErrConflict.
// fn's error, or a panic, rolls it back.
func runInTx(ctx context.Context, s Store, fn func(Tx) error) error {
	return conflictRetry.Do(ctx, func() error {
		err := runOnce(ctx, s, fn)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return retry.Permanent(err)
	})
}

func runOnce(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("funding: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AlreadyProcessedError rejects a status change on a transaction that
// has left PENDING.
type AlreadyProcessedError struct {
	TransactionID string
	Status        TransactionStatus
}

func (e *AlreadyProcessedError) Error() string {
	if e.Status == TxCompleted {
		return fmt.Sprintf("transaction %s has already been confirmed", e.TransactionID)
	}
	return fmt.Sprintf("transaction %s has already been processed (status %s)", e.TransactionID, e.Status)
}

func (e *AlreadyProcessedError) Is(target error) bool {
	return target == ErrAlreadyConfirmed
}

// deriveStatus maps a funded amount to an investment status.
func deriveStatus(funded, commitment decimal.Decimal, current InvestmentStatus) InvestmentStatus {
	switch {
	case funded.GreaterThanOrEqual(commitment):
		return InvestmentFunded
	case funded.IsPositive():
		return InvestmentPartiallyFunded
	default:
		return current
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
