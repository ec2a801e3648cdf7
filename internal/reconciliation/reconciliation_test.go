package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fundroom/internal/audit"
	"github.com/mbd888/fundroom/internal/funding"
	"github.com/mbd888/fundroom/internal/money"
)

func seededStore() *funding.MemoryStore {
	store := funding.NewMemoryStore()
	store.Seed(nil,
		[]*funding.Investment{
			{ID: "inv_1", FundID: "fund_ok", InvestorID: "lp_1", CommitmentAmount: money.MustParse("100"), FundedAmount: money.MustParse("40")},
			{ID: "inv_2", FundID: "fund_ok", InvestorID: "lp_2", CommitmentAmount: money.MustParse("50"), FundedAmount: money.Zero},
			{ID: "inv_3", FundID: "fund_bad", InvestorID: "lp_1", CommitmentAmount: money.MustParse("200"), FundedAmount: money.MustParse("200")},
		},
		[]*funding.FundAggregate{
			{FundID: "fund_ok", TotalCommitted: money.MustParse("150.00"), TotalFunded: money.MustParse("40"), InvestorCount: 2},
			{FundID: "fund_bad", TotalCommitted: money.MustParse("200"), TotalFunded: money.MustParse("150"), InvestorCount: 1},
		},
	)
	return store
}

func TestCheckFundAggregates(t *testing.T) {
	auditLog := audit.NewMemoryLogger()
	r := NewRunner(seededStore(), auditLog, nil)

	report, err := r.CheckFundAggregates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.FundsChecked)
	require.Len(t, report.Mismatches, 1)

	m := report.Mismatches[0]
	assert.Equal(t, "fund_bad", m.FundID)
	assert.Equal(t, "150.00", m.StoredFunded)
	assert.Equal(t, "200.00", m.ActualFunded)

	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileAggregateMismatches))
	assert.Equal(t, float64(2), testutil.ToFloat64(reconcileFundsChecked))

	entries := auditLog.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventAggregateMismatch, entries[0].EventType)
	assert.Equal(t, "fund_bad", entries[0].ResourceID)
}

func TestCheckFundAggregates_AfterEngineWrites(t *testing.T) {
	store := funding.NewMemoryStore()
	engine := funding.NewEngine(store, nil, nil)
	_, err := engine.CreateStagedCommitment(context.Background(), funding.CommitmentRequest{
		FundID: "fund_1", InvestorID: "lp_1", CommitmentAmount: "1000",
		Tranches: []funding.TrancheSpec{{Amount: "400"}, {Amount: "600"}},
	})
	require.NoError(t, err)

	report, err := NewRunner(store, nil, nil).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FundsChecked)
	assert.Empty(t, report.Mismatches)
}

type failingSource struct{}

func (failingSource) ListFundAggregates(context.Context) ([]*funding.FundAggregate, error) {
	return nil, errors.New("db down")
}

func (failingSource) SumInvestments(context.Context, string) (funding.FundTotals, error) {
	return funding.FundTotals{}, nil
}

func TestRunAll_SourceError(t *testing.T) {
	failed := reconcileRuns.WithLabelValues("error")
	before := testutil.ToFloat64(failed)
	r := NewRunner(failingSource{}, nil, nil)
	_, err := r.RunAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	assert.Nil(t, r.Last(), "failed runs are not kept")
}

func TestRunAll_KeepsLastReport(t *testing.T) {
	r := NewRunner(seededStore(), nil, nil)
	require.Nil(t, r.Last())

	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Same(t, report, r.Last())
}

func TestTimer_RunsOnStartAndStops(t *testing.T) {
	r := NewRunner(seededStore(), nil, nil)
	timer := NewTimer(r, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return r.Last() != nil }, time.Second, 5*time.Millisecond)
	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestHandler_Run(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewRunner(seededStore(), nil, nil)).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fundId":"fund_bad"`)
}

func TestHandler_Last(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewRunner(seededStore(), nil, nil)).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/last", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation/last", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"fundsChecked":2`)
}
