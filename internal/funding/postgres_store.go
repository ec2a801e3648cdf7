package funding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fundroom/internal/tranche"
)

// PostgresStore persists funding records in PostgreSQL. Transactions run
// at SERIALIZABLE isolation and lock the rows they mutate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed funding store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const transactionColumns = `id, fund_id, investor_id, investment_id, team_id, amount, status,
	confirmed_at, confirmed_by, funds_received_date, bank_reference, failure_reason, metadata,
	created_at, updated_at`

const investmentColumns = `id, fund_id, investor_id, team_id, commitment_amount, funded_amount,
	status, created_at, updated_at`

const trancheColumns = `id, investment_id, fund_id, number, amount, scheduled_date, status,
	called_at, funded_at, created_at, updated_at`

const aggregateColumns = `fund_id, team_id, total_committed, total_funded, investor_count, updated_at`

func (p *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapPGError(err)
	}
	return &postgresTx{tx: tx}, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, p.db, id, "")
}

func (p *PostgresStore) GetInvestment(ctx context.Context, id string) (*Investment, error) {
	return getInvestment(ctx, p.db, id, "")
}

func (p *PostgresStore) GetTranche(ctx context.Context, id string) (*Tranche, error) {
	return getTranche(ctx, p.db, id, "")
}

func (p *PostgresStore) ListTranches(ctx context.Context, investmentID string) ([]*Tranche, error) {
	return queryTranches(ctx, p.db, `
		SELECT `+trancheColumns+` FROM investment_tranches
		WHERE investment_id = $1 ORDER BY number`, investmentID)
}

func (p *PostgresStore) ListDueTranches(ctx context.Context, before time.Time, limit int) ([]*Tranche, error) {
	return queryTranches(ctx, p.db, `
		SELECT `+trancheColumns+` FROM investment_tranches
		WHERE scheduled_date < $1 AND status IN ('SCHEDULED', 'CALLED', 'PARTIALLY_FUNDED')
		ORDER BY scheduled_date
		LIMIT $2`, before, limit)
}

func (p *PostgresStore) GetFundAggregate(ctx context.Context, fundID string) (*FundAggregate, error) {
	return getAggregate(ctx, p.db, fundID, "")
}

func (p *PostgresStore) ListFundAggregates(ctx context.Context) ([]*FundAggregate, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+aggregateColumns+` FROM fund_aggregates ORDER BY fund_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FundAggregate
	for rows.Next() {
		a := &FundAggregate{}
		if err := rows.Scan(&a.FundID, &a.TeamID, &a.TotalCommitted, &a.TotalFunded, &a.InvestorCount, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumInvestments(ctx context.Context, fundID string) (FundTotals, error) {
	return sumFund(ctx, p.db, fundID)
}

// postgresTx adapts *sql.Tx to Tx.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return getTransaction(ctx, t.tx, id, " FOR UPDATE")
}

func (t *postgresTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	meta, err := marshalMeta(tr.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO fund_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tr.ID, tr.FundID, tr.InvestorID, tr.InvestmentID, tr.TeamID, tr.Amount, string(tr.Status),
		tr.ConfirmedAt, tr.ConfirmedBy, tr.FundsReceivedDate, tr.BankReference, tr.FailureReason, meta,
		tr.CreatedAt, tr.UpdatedAt,
	)
	return mapPGError(err)
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	meta, err := marshalMeta(tr.Metadata)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE fund_transactions SET status = $1, confirmed_at = $2, confirmed_by = $3,
			funds_received_date = $4, bank_reference = $5, failure_reason = $6, metadata = $7,
			updated_at = $8
		WHERE id = $9`,
		string(tr.Status), tr.ConfirmedAt, tr.ConfirmedBy, tr.FundsReceivedDate, tr.BankReference,
		tr.FailureReason, meta, tr.UpdatedAt, tr.ID,
	)
	if err != nil {
		return mapPGError(err)
	}
	return requireRow(result, ErrTransactionNotFound)
}

func (t *postgresTx) GetInvestmentForUpdate(ctx context.Context, id string) (*Investment, error) {
	return getInvestment(ctx, t.tx, id, " FOR UPDATE")
}

func (t *postgresTx) CreateInvestment(ctx context.Context, inv *Investment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO investments (`+investmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.FundID, inv.InvestorID, inv.TeamID, inv.CommitmentAmount, inv.FundedAmount,
		string(inv.Status), inv.CreatedAt, inv.UpdatedAt,
	)
	return mapPGError(err)
}

func (t *postgresTx) UpdateInvestment(ctx context.Context, inv *Investment) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE investments SET funded_amount = $1, status = $2, updated_at = $3
		WHERE id = $4`,
		inv.FundedAmount, string(inv.Status), inv.UpdatedAt, inv.ID,
	)
	if err != nil {
		return mapPGError(err)
	}
	return requireRow(result, ErrInvestmentNotFound)
}

func (t *postgresTx) GetTrancheForUpdate(ctx context.Context, id string) (*Tranche, error) {
	return getTranche(ctx, t.tx, id, " FOR UPDATE")
}

func (t *postgresTx) CreateTranche(ctx context.Context, tr *Tranche) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO investment_tranches (`+trancheColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.InvestmentID, tr.FundID, tr.Number, tr.Amount, tr.ScheduledDate, string(tr.Status),
		tr.CalledAt, tr.FundedAt, tr.CreatedAt, tr.UpdatedAt,
	)
	return mapPGError(err)
}

func (t *postgresTx) UpdateTranche(ctx context.Context, tr *Tranche) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE investment_tranches SET status = $1, called_at = $2, funded_at = $3, updated_at = $4
		WHERE id = $5`,
		string(tr.Status), tr.CalledAt, tr.FundedAt, tr.UpdatedAt, tr.ID,
	)
	if err != nil {
		return mapPGError(err)
	}
	return requireRow(result, ErrTrancheNotFound)
}

func (t *postgresTx) UpsertInvestor(ctx context.Context, inv *Investor) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO investors (id, team_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		inv.ID, inv.TeamID, string(inv.Status), inv.UpdatedAt,
	)
	return mapPGError(err)
}

func (t *postgresTx) SumInvestments(ctx context.Context, fundID string) (FundTotals, error) {
	return sumFund(ctx, t.tx, fundID)
}

func (t *postgresTx) GetFundAggregateForUpdate(ctx context.Context, fundID string) (*FundAggregate, error) {
	return getAggregate(ctx, t.tx, fundID, " FOR UPDATE")
}

func (t *postgresTx) UpsertFundAggregate(ctx context.Context, a *FundAggregate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO fund_aggregates (`+aggregateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fund_id) DO UPDATE SET
			team_id         = EXCLUDED.team_id,
			total_committed = EXCLUDED.total_committed,
			total_funded    = EXCLUDED.total_funded,
			investor_count  = EXCLUDED.investor_count,
			updated_at      = EXCLUDED.updated_at`,
		a.FundID, a.TeamID, a.TotalCommitted, a.TotalFunded, a.InvestorCount, a.UpdatedAt,
	)
	return mapPGError(err)
}

func (t *postgresTx) Commit() error {
	return mapPGError(t.tx.Commit())
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func getTransaction(ctx context.Context, q queryer, id, lock string) (*Transaction, error) {
	tr := &Transaction{}
	var status string
	var meta []byte
	err := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM fund_transactions WHERE id = $1`+lock, id).Scan(
		&tr.ID, &tr.FundID, &tr.InvestorID, &tr.InvestmentID, &tr.TeamID, &tr.Amount, &status,
		&tr.ConfirmedAt, &tr.ConfirmedBy, &tr.FundsReceivedDate, &tr.BankReference, &tr.FailureReason, &meta,
		&tr.CreatedAt, &tr.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	tr.Status = TransactionStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tr.Metadata); err != nil {
			return nil, fmt.Errorf("funding: decode metadata for %s: %w", id, err)
		}
	}
	return tr, nil
}

func getAggregate(ctx context.Context, q queryer, fundID, lock string) (*FundAggregate, error) {
	a := &FundAggregate{}
	err := q.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM fund_aggregates WHERE fund_id = $1`+lock, fundID).Scan(
		&a.FundID, &a.TeamID, &a.TotalCommitted, &a.TotalFunded, &a.InvestorCount, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAggregateNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	return a, nil
}

func getInvestment(ctx context.Context, q queryer, id, lock string) (*Investment, error) {
	inv := &Investment{}
	var status string
	err := q.QueryRowContext(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1`+lock, id).Scan(
		&inv.ID, &inv.FundID, &inv.InvestorID, &inv.TeamID, &inv.CommitmentAmount, &inv.FundedAmount,
		&status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvestmentNotFound
	}
	if err != nil {
		return nil, mapPGError(err)
	}
	inv.Status = InvestmentStatus(status)
	return inv, nil
}

func getTranche(ctx context.Context, q queryer, id, lock string) (*Tranche, error) {
	rows, err := queryTranches(ctx, q, `SELECT `+trancheColumns+` FROM investment_tranches WHERE id = $1`+lock, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrTrancheNotFound
	}
	return rows[0], nil
}

func queryTranches(ctx context.Context, q queryer, query string, args ...any) ([]*Tranche, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()

	var out []*Tranche
	for rows.Next() {
		tr := &Tranche{}
		var status string
		if err := rows.Scan(
			&tr.ID, &tr.InvestmentID, &tr.FundID, &tr.Number, &tr.Amount, &tr.ScheduledDate, &status,
			&tr.CalledAt, &tr.FundedAt, &tr.CreatedAt, &tr.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tr.Status = tranche.Status(status)
		out = append(out, tr)
	}
	return out, mapPGError(rows.Err())
}

func sumFund(ctx context.Context, q queryer, fundID string) (FundTotals, error) {
	var totals FundTotals
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(commitment_amount), 0), COALESCE(SUM(funded_amount), 0),
			COUNT(DISTINCT investor_id)
		FROM investments WHERE fund_id = $1`, fundID,
	).Scan(&totals.Committed, &totals.Funded, &totals.Investors)
	if err != nil {
		return FundTotals{}, mapPGError(err)
	}
	return totals, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// mapPGError turns serialization failures and deadlocks into ErrConflict.
func mapPGError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}
