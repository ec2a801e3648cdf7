package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/fundroom/internal/auth"
)

func TestLimiterAllow_Burst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, IdleTTL: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("team:a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("team:a"))
	assert.True(t, l.Allow("team:b"), "buckets are per key")
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysByTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1, IdleTTL: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Team"); id != "" {
			c.Set(auth.ContextKeyTeamID, id)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/v1/funds/f/aggregate", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(team string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/funds/f/aggregate", nil)
		if team != "" {
			req.Header.Set("X-Test-Team", team)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("team_1"))
	assert.Equal(t, http.StatusTooManyRequests, send("team_1"))
	assert.Equal(t, http.StatusOK, send("team_2"))
	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))
}
