package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are exported with a zero value before any observation.
	assert.Contains(t, w.Body.String(), "fundroom_goroutines")

	GateDecisions.WithLabelValues("contacts", "denied").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(w.Body.String(), "fundroom_gate_decisions_total"))
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/transactions/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := counterValue(t, "GET", "/v1/transactions/:id", "2xx")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/transactions/tx_1", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, before+1, counterValue(t, "GET", "/v1/transactions/:id", "2xx"))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "allowed", Result(true))
	assert.Equal(t, "denied", Result(false))
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
