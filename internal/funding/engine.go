package funding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fundroom/internal/audit"
	"github.com/mbd888/fundroom/internal/idgen"
	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/money"
	"github.com/mbd888/fundroom/internal/notify"
	"github.com/mbd888/fundroom/internal/traces"
	"github.com/mbd888/fundroom/internal/tranche"
)

// Engine applies payment and commitment changes atomically.
type Engine struct {
	store    Store
	audit    audit.Logger
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a funding engine. auditLog and notifier may be nil.
func NewEngine(store Store, auditLog audit.Logger, notifier notify.Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		audit:    auditLog,
		notifier: notifier,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	return e
}

// Store returns the engine's store for read paths.
func (e *Engine) Store() Store {
	return e.store
}

// ConfirmRequest confirms receipt of a wire for a pending transaction.
type ConfirmRequest struct {
	TransactionID string
	// AmountReceived defaults to the transaction amount when empty.
	AmountReceived    string
	FundsReceivedDate time.Time
	ConfirmedBy       string
	BankReference     string
	Notes             string
}

// ConfirmResult is the committed outcome of a confirmation.
type ConfirmResult struct {
	Transaction *Transaction   `json:"transaction"`
	Investment  *Investment    `json:"investment"`
	Aggregate   *FundAggregate `json:"aggregate"`
	Remaining   string         `json:"remaining"`
	Overage     string         `json:"overage,omitempty"`
}

// ConfirmWire marks a PENDING transaction COMPLETED and adds the received
// amount to its investment and fund aggregate in one store transaction.
//
// A transaction that is not PENDING is rejected with *AlreadyProcessedError
// before any store transaction is opened. The status is re-read under lock
// inside the transaction so concurrent confirmers cannot both succeed.
func (e *Engine) ConfirmWire(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "funding.ConfirmWire", traces.TransactionID(req.TransactionID))
	defer span.End()

	current, err := e.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if current.Status != TxPending {
		metrics.WireConfirmations.WithLabelValues("already_processed").Inc()
		return nil, &AlreadyProcessedError{TransactionID: current.ID, Status: current.Status}
	}

	amount := current.Amount
	if req.AmountReceived != "" {
		if amount, err = money.ParsePositive(req.AmountReceived); err != nil {
			return nil, ErrInvalidAmount
		}
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	now := e.now().UTC()
	received := req.FundsReceivedDate
	if received.IsZero() {
		received = now
	}

	var result ConfirmResult
	var overage decimal.Decimal
	err = runInTx(ctx, e.store, func(tx Tx) error {
		t, err := tx.GetTransactionForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if t.Status != TxPending {
			return &AlreadyProcessedError{TransactionID: t.ID, Status: t.Status}
		}
		inv, err := tx.GetInvestmentForUpdate(ctx, t.InvestmentID)
		if err != nil {
			return err
		}

		funded := inv.FundedAmount.Add(amount)
		overage = funded.Sub(inv.CommitmentAmount)

		t.Status = TxCompleted
		t.ConfirmedAt = &now
		t.ConfirmedBy = req.ConfirmedBy
		t.FundsReceivedDate = &received
		t.BankReference = req.BankReference
		t.UpdatedAt = now
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata["amountReceived"] = money.Format(amount)
		if req.Notes != "" {
			t.Metadata["notes"] = req.Notes
		}
		if overage.IsPositive() {
			t.Metadata["overage"] = money.Format(overage)
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}

		inv.FundedAmount = funded
		inv.Status = deriveStatus(funded, inv.CommitmentAmount, inv.Status)
		inv.UpdatedAt = now
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}

		agg, err := refreshAggregate(ctx, tx, inv.FundID, inv.TeamID, now)
		if err != nil {
			return err
		}

		result = ConfirmResult{
			Transaction: t,
			Investment:  inv,
			Aggregate:   agg,
			Remaining:   Remaining(inv),
		}
		return nil
	})
	if err != nil {
		metrics.WireConfirmations.WithLabelValues(confirmFailureLabel(err)).Inc()
		return nil, traces.Fail(span, err)
	}
	metrics.WireConfirmations.WithLabelValues("confirmed").Inc()

	if overage.IsPositive() {
		result.Overage = money.Format(overage)
		metrics.FundingOverage.Inc()
		e.logger.Warn("investment over-funded",
			"transaction_id", result.Transaction.ID,
			"investment_id", result.Investment.ID,
			"overage", result.Overage)
	}

	e.afterConfirm(ctx, &result)
	return &result, nil
}

func confirmFailureLabel(err error) string {
	if errors.Is(err, ErrAlreadyConfirmed) {
		return "already_processed"
	}
	return "error"
}

// afterConfirm writes the audit entry and notification. Failures are logged.
func (e *Engine) afterConfirm(ctx context.Context, r *ConfirmResult) {
	t, inv := r.Transaction, r.Investment
	e.record(ctx, &audit.Entry{
		EventType:    audit.EventWireConfirmed,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   t.ID,
		UserID:       t.ConfirmedBy,
		TeamID:       t.TeamID,
		Metadata: map[string]any{
			"investmentId":     inv.ID,
			"fundId":           inv.FundID,
			"amountReceived":   t.Metadata["amountReceived"],
			"fundedAmount":     money.Format(inv.FundedAmount),
			"investmentStatus": string(inv.Status),
			"bankReference":    t.BankReference,
		},
	})

	err := e.notifier.WireConfirmed(ctx, notify.WireConfirmedEvent{
		TransactionID:     t.ID,
		InvestmentID:      inv.ID,
		FundID:            inv.FundID,
		InvestorID:        inv.InvestorID,
		TeamID:            t.TeamID,
		AmountReceived:    t.Metadata["amountReceived"].(string),
		FundedAmount:      money.Format(inv.FundedAmount),
		CommitmentAmount:  money.Format(inv.CommitmentAmount),
		InvestmentStatus:  string(inv.Status),
		Overage:           r.Overage,
		FundsReceivedDate: *t.FundsReceivedDate,
		ConfirmedAt:       *t.ConfirmedAt,
		ConfirmedBy:       t.ConfirmedBy,
	})
	if err != nil {
		e.logger.Warn("wire confirmation notification failed",
			"transaction_id", t.ID, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, entry *audit.Entry) {
	if e.audit == nil {
		return
	}
	audit.Stamp(ctx, entry)
	if err := e.audit.Log(ctx, entry); err != nil {
		e.logger.Warn("audit log write failed",
			"event", entry.EventType, "resource_id", entry.ResourceID, "error", err)
	}
}

// FailTransaction marks a PENDING transaction FAILED. The investment is untouched.
func (e *Engine) FailTransaction(ctx context.Context, id, reason, actor string) (*Transaction, error) {
	current, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != TxPending {
		return nil, &AlreadyProcessedError{TransactionID: current.ID, Status: current.Status}
	}

	var out *Transaction
	err = runInTx(ctx, e.store, func(tx Tx) error {
		t, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TxPending {
			return &AlreadyProcessedError{TransactionID: t.ID, Status: t.Status}
		}
		t.Status = TxFailed
		t.FailureReason = reason
		t.UpdatedAt = e.now().UTC()
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.WireConfirmations.WithLabelValues("failed").Inc()

	e.record(ctx, &audit.Entry{
		EventType:    audit.EventTransactionFailed,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   out.ID,
		UserID:       actor,
		TeamID:       out.TeamID,
		Metadata:     map[string]any{"reason": reason, "investmentId": out.InvestmentID},
	})
	return out, nil
}

// PendingRequest records a payment the LP has been asked to send.
type PendingRequest struct {
	InvestmentID string
	Amount       string
	Metadata     map[string]any
}

// CreatePendingTransaction opens a PENDING transaction against an investment.
func (e *Engine) CreatePendingTransaction(ctx context.Context, req PendingRequest) (*Transaction, error) {
	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}

	var out *Transaction
	err = runInTx(ctx, e.store, func(tx Tx) error {
		inv, err := tx.GetInvestmentForUpdate(ctx, req.InvestmentID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		t := &Transaction{
			ID:           idgen.WithPrefix("tx_"),
			FundID:       inv.FundID,
			InvestorID:   inv.InvestorID,
			InvestmentID: inv.ID,
			TeamID:       inv.TeamID,
			Amount:       amount,
			Status:       TxPending,
			Metadata:     cloneMeta(req.Metadata),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TrancheSpec is one tranche of a staged commitment.
type TrancheSpec struct {
	Amount        string
	ScheduledDate *time.Time
}

// CommitmentRequest creates an investment funded in tranches.
type CommitmentRequest struct {
	FundID           string
	InvestorID       string
	TeamID           string
	CommitmentAmount string
	Tranches         []TrancheSpec
	CreatedBy        string
}

// CommitmentResult is the committed outcome of a staged commitment.
type CommitmentResult struct {
	Investment *Investment    `json:"investment"`
	Tranches   []*Tranche     `json:"tranches"`
	Aggregate  *FundAggregate `json:"aggregate"`
}

// CreateStagedCommitment creates an investment, its tranches, the investor
// state and the fund aggregate in one store transaction. The first
// commitment to a fund makes req.TeamID its owner; commitments from any
// other team fail with ErrFundNotFound.
func (e *Engine) CreateStagedCommitment(ctx context.Context, req CommitmentRequest) (*CommitmentResult, error) {
	ctx, span := traces.StartSpan(ctx, "funding.CreateStagedCommitment",
		traces.FundID(req.FundID), traces.Amount(req.CommitmentAmount))
	defer span.End()

	commitment, err := money.ParsePositive(req.CommitmentAmount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if len(req.Tranches) == 0 {
		return nil, ErrNoTranches
	}
	amounts := make([]decimal.Decimal, len(req.Tranches))
	for i, spec := range req.Tranches {
		if amounts[i], err = money.ParsePositive(spec.Amount); err != nil {
			return nil, ErrInvalidAmount
		}
	}
	if !money.Sum(amounts...).Equal(commitment) {
		return nil, ErrTrancheSum
	}

	now := e.now().UTC()
	var result CommitmentResult
	err = runInTx(ctx, e.store, func(tx Tx) error {
		if err := checkFundOwner(ctx, tx, req.FundID, req.TeamID); err != nil {
			return err
		}
		inv := &Investment{
			ID:               idgen.WithPrefix("inv_"),
			FundID:           req.FundID,
			InvestorID:       req.InvestorID,
			TeamID:           req.TeamID,
			CommitmentAmount: commitment,
			FundedAmount:     decimal.Zero,
			Status:           InvestmentCommitted,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateInvestment(ctx, inv); err != nil {
			return err
		}

		tranches := make([]*Tranche, len(req.Tranches))
		for i, spec := range req.Tranches {
			status := tranche.StatusPending
			if spec.ScheduledDate != nil {
				status = tranche.StatusScheduled
			}
			tr := &Tranche{
				ID:            idgen.WithPrefix("tr_"),
				InvestmentID:  inv.ID,
				FundID:        inv.FundID,
				Number:        i + 1,
				Amount:        amounts[i],
				ScheduledDate: spec.ScheduledDate,
				Status:        status,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateTranche(ctx, tr); err != nil {
				return err
			}
			tranches[i] = tr
		}

		if err := tx.UpsertInvestor(ctx, &Investor{
			ID:        req.InvestorID,
			TeamID:    req.TeamID,
			Status:    InvestorCommitted,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		agg, err := refreshAggregate(ctx, tx, inv.FundID, req.TeamID, now)
		if err != nil {
			return err
		}
		result = CommitmentResult{Investment: inv, Tranches: tranches, Aggregate: agg}
		return nil
	})
	if err != nil {
		return nil, traces.Fail(span, err)
	}

	e.record(ctx, &audit.Entry{
		EventType:    audit.EventCommitmentCreated,
		ResourceType: audit.ResourceInvestment,
		ResourceID:   result.Investment.ID,
		UserID:       req.CreatedBy,
		TeamID:       req.TeamID,
		Metadata: map[string]any{
			"fundId":           req.FundID,
			"investorId":       req.InvestorID,
			"commitmentAmount": money.Format(commitment),
			"tranches":         len(result.Tranches),
		},
	})
	return &result, nil
}

// TransitionTranche moves a tranche to a new status. The change is checked
// against the tranche transition table before anything is written.
func (e *Engine) TransitionTranche(ctx context.Context, id string, to tranche.Status, actor string) (*Tranche, error) {
	ctx, span := traces.StartSpan(ctx, "funding.TransitionTranche", traces.TrancheID(id))
	defer span.End()

	tr, from, err := e.transition(ctx, id, to, func(t *Tranche) error {
		return tranche.Validate(t.Status, to)
	})
	if err != nil {
		return nil, traces.Fail(span, err)
	}

	e.record(ctx, &audit.Entry{
		EventType:    audit.EventTrancheTransition,
		ResourceType: audit.ResourceTranche,
		ResourceID:   tr.ID,
		UserID:       actor,
		Metadata: map[string]any{
			"investmentId": tr.InvestmentID,
			"from":         string(from),
			"to":           string(to),
		},
	})
	return tr, nil
}

func (e *Engine) transition(ctx context.Context, id string, to tranche.Status, check func(*Tranche) error) (*Tranche, tranche.Status, error) {
	var out *Tranche
	var from tranche.Status
	err := runInTx(ctx, e.store, func(tx Tx) error {
		t, err := tx.GetTrancheForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := check(t); err != nil {
			return err
		}
		now := e.now().UTC()
		from = t.Status
		t.Status = to
		t.UpdatedAt = now
		switch to {
		case tranche.StatusCalled:
			t.CalledAt = &now
		case tranche.StatusFunded:
			t.FundedAt = &now
		}
		if err := tx.UpdateTranche(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	metrics.TrancheTransitions.WithLabelValues(string(from), string(to)).Inc()
	return out, from, nil
}

var errNotDue = errors.New("funding: tranche no longer due")

// MarkOverdueTranches moves scheduled, called or partially funded tranches
// whose date has passed to OVERDUE. Each tranche is its own store
// transaction; a tranche whose status changed since listing is skipped.
func (e *Engine) MarkOverdueTranches(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListDueTranches(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, d := range due {
		tr, from, err := e.transition(ctx, d.ID, tranche.StatusOverdue, func(t *Tranche) error {
			if !isDue(t, now) {
				return errNotDue
			}
			return tranche.Validate(t.Status, tranche.StatusOverdue)
		})
		if errors.Is(err, errNotDue) {
			continue
		}
		if err != nil {
			e.logger.Warn("failed to mark tranche overdue", "tranche_id", d.ID, "error", err)
			continue
		}
		marked++

		e.record(ctx, &audit.Entry{
			EventType:    audit.EventTrancheOverdue,
			ResourceType: audit.ResourceTranche,
			ResourceID:   tr.ID,
			Metadata:     map[string]any{"investmentId": tr.InvestmentID, "from": string(from)},
		})
		if err := e.notifier.TrancheOverdue(ctx, notify.TrancheOverdueEvent{
			TrancheID:     tr.ID,
			InvestmentID:  tr.InvestmentID,
			FundID:        tr.FundID,
			Amount:        money.Format(tr.Amount),
			ScheduledDate: *tr.ScheduledDate,
			PreviousState: string(from),
		}); err != nil {
			e.logger.Warn("tranche overdue notification failed", "tranche_id", tr.ID, "error", err)
		}
	}
	return marked, nil
}

// Remaining returns the commitment not yet funded as an exact decimal
// string. It is negative when the investment is over-funded.
func Remaining(inv *Investment) string {
	return money.Format(money.Remaining(inv.CommitmentAmount, inv.FundedAmount))
}

// checkFundOwner rejects a write to a fund owned by another team. Unowned
// funds and unscoped callers pass.
func checkFundOwner(ctx context.Context, tx Tx, fundID, teamID string) error {
	agg, err := tx.GetFundAggregateForUpdate(ctx, fundID)
	if errors.Is(err, ErrAggregateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if agg.TeamID != "" && teamID != "" && agg.TeamID != teamID {
		return ErrFundNotFound
	}
	return nil
}

// refreshAggregate recomputes a fund's aggregate from the transaction's
// own view of its investments and upserts it. An existing owner is kept;
// otherwise teamID becomes the owner.
func refreshAggregate(ctx context.Context, tx Tx, fundID, teamID string, now time.Time) (*FundAggregate, error) {
	current, err := tx.GetFundAggregateForUpdate(ctx, fundID)
	switch {
	case err == nil && current.TeamID != "":
		teamID = current.TeamID
	case err != nil && !errors.Is(err, ErrAggregateNotFound):
		return nil, err
	}
	totals, err := tx.SumInvestments(ctx, fundID)
	if err != nil {
		return nil, err
	}
	agg := &FundAggregate{
		FundID:         fundID,
		TeamID:         teamID,
		TotalCommitted: totals.Committed,
		TotalFunded:    totals.Funded,
		InvestorCount:  totals.Investors,
		UpdatedAt:      now,
	}
	if err := tx.UpsertFundAggregate(ctx, agg); err != nil {
		return nil, err
	}
	return agg, nil
}
