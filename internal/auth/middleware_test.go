package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(context.Background(), testPrincipal, "test-key", 0)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "team": TeamID(c), "org": OrgID(c), "auth": IsAuthenticated(c)})
	})
	r.GET("/private", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/teams/:id", RequireTeamAccess("id"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/orgs/:id", RequireOrgAccess("id"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, rawKey
}

func do(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	r, rawKey := setupRouter(t)

	w := do(r, "/whoami", map[string]string{"Authorization": "Bearer " + rawKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"user_1","team":"team_1","org":"org_1","auth":true}`, w.Body.String())

	w = do(r, "/whoami", map[string]string{"X-API-Key": rawKey})
	assert.Contains(t, w.Body.String(), `"auth":true`)
}

func TestMiddleware_InvalidKey_PassesThrough(t *testing.T) {
	r, _ := setupRouter(t)
	w := do(r, "/whoami", map[string]string{"Authorization": "Bearer fr_bogus"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"auth":false`)
}

func TestRequireAuth(t *testing.T) {
	r, rawKey := setupRouter(t)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/private", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/private", map[string]string{"X-API-Key": rawKey}).Code)
}

func TestRequireTenantAccess(t *testing.T) {
	r, rawKey := setupRouter(t)
	auth := map[string]string{"X-API-Key": rawKey}

	assert.Equal(t, http.StatusUnauthorized, do(r, "/teams/team_1", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/teams/team_1", auth).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/teams/team_2", auth).Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/orgs/org_1", auth).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/orgs/org_9", auth).Code)
}

func TestRequireAdmin(t *testing.T) {
	r := gin.New()
	r.POST("/admin", RequireAdmin("s3cret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	closed := gin.New()
	closed.POST("/admin", RequireAdmin(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(e *gin.Engine, secret string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin", nil)
		if secret != "" {
			req.Header.Set("X-Admin-Secret", secret)
		}
		e.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send(r, "s3cret"))
	assert.Equal(t, http.StatusForbidden, send(r, "wrong"))
	assert.Equal(t, http.StatusForbidden, send(r, ""))
	assert.Equal(t, http.StatusForbidden, send(closed, ""))
}
