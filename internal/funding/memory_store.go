package funding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fundroom/internal/tranche"
)

// MemoryStore is an in-memory funding store for demo/development.
//
// A transaction holds the store's write lock from Begin until Commit or
// Rollback, so transactions are fully serialized. Writes are staged on the
// transaction and applied only on Commit.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	investments  map[string]*Investment
	tranches     map[string]*Tranche
	investors    map[string]*Investor
	aggregates   map[string]*FundAggregate

	begins atomic.Int64
}

// NewMemoryStore creates a new in-memory funding store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		investments:  make(map[string]*Investment),
		tranches:     make(map[string]*Tranche),
		investors:    make(map[string]*Investor),
		aggregates:   make(map[string]*FundAggregate),
	}
}

// BeginCount returns how many transactions have been opened.
func (m *MemoryStore) BeginCount() int64 {
	return m.begins.Load()
}

// Seed inserts committed records directly. Used by tests and the demo.
func (m *MemoryStore) Seed(txs []*Transaction, invs []*Investment, aggs []*FundAggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range txs {
		m.transactions[t.ID] = cloneTransaction(t)
	}
	for _, inv := range invs {
		m.investments[inv.ID] = cloneInvestment(inv)
	}
	for _, a := range aggs {
		c := *a
		m.aggregates[a.FundID] = &c
	}
}

// Investor returns a committed investor record.
func (m *MemoryStore) Investor(id string) (*Investor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investors[id]
	if !ok {
		return nil, false
	}
	c := *inv
	return &c, true
}

func (m *MemoryStore) Begin(_ context.Context) (Tx, error) {
	m.mu.Lock()
	m.begins.Add(1)
	return &memoryTx{
		store:        m,
		transactions: make(map[string]*Transaction),
		investments:  make(map[string]*Investment),
		tranches:     make(map[string]*Tranche),
		investors:    make(map[string]*Investor),
		aggregates:   make(map[string]*FundAggregate),
	}, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *MemoryStore) GetInvestment(_ context.Context, id string) (*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.investments[id]
	if !ok {
		return nil, ErrInvestmentNotFound
	}
	return cloneInvestment(inv), nil
}

func (m *MemoryStore) GetTranche(_ context.Context, id string) (*Tranche, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tranches[id]
	if !ok {
		return nil, ErrTrancheNotFound
	}
	return cloneTranche(t), nil
}

func (m *MemoryStore) ListTranches(_ context.Context, investmentID string) ([]*Tranche, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Tranche
	for _, t := range m.tranches {
		if t.InvestmentID == investmentID {
			out = append(out, cloneTranche(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) ListDueTranches(_ context.Context, before time.Time, limit int) ([]*Tranche, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Tranche
	for _, t := range m.tranches {
		if isDue(t, before) {
			out = append(out, cloneTranche(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDate.Before(*out[j].ScheduledDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetFundAggregate(_ context.Context, fundID string) (*FundAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.aggregates[fundID]
	if !ok {
		return nil, ErrAggregateNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListFundAggregates(_ context.Context) ([]*FundAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*FundAggregate, 0, len(m.aggregates))
	for _, a := range m.aggregates {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FundID < out[j].FundID })
	return out, nil
}

func (m *MemoryStore) SumInvestments(_ context.Context, fundID string) (FundTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sumInvestments(fundID, m.investments, nil), nil
}

// memoryTx stages writes until Commit. The store lock is held throughout.
type memoryTx struct {
	store *MemoryStore
	done  bool

	transactions map[string]*Transaction
	investments  map[string]*Investment
	tranches     map[string]*Tranche
	investors    map[string]*Investor
	aggregates   map[string]*FundAggregate
}

var errTxDone = errors.New("funding: transaction already finished")

func (t *memoryTx) GetTransactionForUpdate(_ context.Context, id string) (*Transaction, error) {
	if tr, ok := t.transactions[id]; ok {
		return cloneTransaction(tr), nil
	}
	tr, ok := t.store.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(tr), nil
}

func (t *memoryTx) CreateTransaction(ctx context.Context, tr *Transaction) error {
	if _, err := t.GetTransactionForUpdate(ctx, tr.ID); err == nil {
		return errors.New("funding: transaction already exists")
	}
	t.transactions[tr.ID] = cloneTransaction(tr)
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, tr *Transaction) error {
	if _, err := t.GetTransactionForUpdate(ctx, tr.ID); err != nil {
		return err
	}
	t.transactions[tr.ID] = cloneTransaction(tr)
	return nil
}

func (t *memoryTx) GetInvestmentForUpdate(_ context.Context, id string) (*Investment, error) {
	if inv, ok := t.investments[id]; ok {
		return cloneInvestment(inv), nil
	}
	inv, ok := t.store.investments[id]
	if !ok {
		return nil, ErrInvestmentNotFound
	}
	return cloneInvestment(inv), nil
}

func (t *memoryTx) CreateInvestment(ctx context.Context, inv *Investment) error {
	if _, err := t.GetInvestmentForUpdate(ctx, inv.ID); err == nil {
		return errors.New("funding: investment already exists")
	}
	t.investments[inv.ID] = cloneInvestment(inv)
	return nil
}

func (t *memoryTx) UpdateInvestment(ctx context.Context, inv *Investment) error {
	if _, err := t.GetInvestmentForUpdate(ctx, inv.ID); err != nil {
		return err
	}
	t.investments[inv.ID] = cloneInvestment(inv)
	return nil
}

func (t *memoryTx) GetTrancheForUpdate(_ context.Context, id string) (*Tranche, error) {
	if tr, ok := t.tranches[id]; ok {
		return cloneTranche(tr), nil
	}
	tr, ok := t.store.tranches[id]
	if !ok {
		return nil, ErrTrancheNotFound
	}
	return cloneTranche(tr), nil
}

func (t *memoryTx) CreateTranche(ctx context.Context, tr *Tranche) error {
	if _, err := t.GetTrancheForUpdate(ctx, tr.ID); err == nil {
		return errors.New("funding: tranche already exists")
	}
	t.tranches[tr.ID] = cloneTranche(tr)
	return nil
}

func (t *memoryTx) UpdateTranche(ctx context.Context, tr *Tranche) error {
	if _, err := t.GetTrancheForUpdate(ctx, tr.ID); err != nil {
		return err
	}
	t.tranches[tr.ID] = cloneTranche(tr)
	return nil
}

func (t *memoryTx) UpsertInvestor(_ context.Context, inv *Investor) error {
	c := *inv
	t.investors[inv.ID] = &c
	return nil
}

func (t *memoryTx) SumInvestments(_ context.Context, fundID string) (FundTotals, error) {
	return sumInvestments(fundID, t.store.investments, t.investments), nil
}

func (t *memoryTx) GetFundAggregateForUpdate(_ context.Context, fundID string) (*FundAggregate, error) {
	a, ok := t.aggregates[fundID]
	if !ok {
		a, ok = t.store.aggregates[fundID]
	}
	if !ok {
		return nil, ErrAggregateNotFound
	}
	c := *a
	return &c, nil
}

func (t *memoryTx) UpsertFundAggregate(_ context.Context, a *FundAggregate) error {
	c := *a
	t.aggregates[a.FundID] = &c
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	s := t.store
	for id, v := range t.transactions {
		s.transactions[id] = v
	}
	for id, v := range t.investments {
		s.investments[id] = v
	}
	for id, v := range t.tranches {
		s.tranches[id] = v
	}
	for id, v := range t.investors {
		s.investors[id] = v
	}
	for id, v := range t.aggregates {
		s.aggregates[id] = v
	}
	t.done = true
	s.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

// sumInvestments totals base investments for a fund, with staged rows
// taking precedence over their committed versions.
func sumInvestments(fundID string, base, staged map[string]*Investment) FundTotals {
	totals := FundTotals{Committed: decimal.Zero, Funded: decimal.Zero}
	investors := make(map[string]struct{})
	add := func(inv *Investment) {
		if inv.FundID != fundID {
			return
		}
		totals.Committed = totals.Committed.Add(inv.CommitmentAmount)
		totals.Funded = totals.Funded.Add(inv.FundedAmount)
		investors[inv.InvestorID] = struct{}{}
	}
	for id, inv := range base {
		if s, ok := staged[id]; ok {
			inv = s
		}
		add(inv)
	}
	for id, inv := range staged {
		if _, ok := base[id]; !ok {
			add(inv)
		}
	}
	totals.Investors = len(investors)
	return totals
}

// isDue reports whether a tranche should be swept to OVERDUE.
func isDue(t *Tranche, before time.Time) bool {
	if t.ScheduledDate == nil || !t.ScheduledDate.Before(before) {
		return false
	}
	switch t.Status {
	case tranche.StatusScheduled, tranche.StatusCalled, tranche.StatusPartiallyFunded:
		return true
	}
	return false
}

func cloneTransaction(t *Transaction) *Transaction {
	c := *t
	c.Metadata = cloneMeta(t.Metadata)
	return &c
}

func cloneInvestment(inv *Investment) *Investment {
	c := *inv
	return &c
}

func cloneTranche(t *Tranche) *Tranche {
	c := *t
	return &c
}
