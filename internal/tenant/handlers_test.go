package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct{}

func (stubCatalog) ValidTeamPlan(p string) bool { return p == "free" || p == "pro" }
func (stubCatalog) ValidOrgTier(t string) bool  { return t == "FREE" || t == "FUNDROOM" }

type recordingInvalidator struct {
	teams []string
	orgs  []string
}

func (r *recordingInvalidator) InvalidateTeam(id string) { r.teams = append(r.teams, id) }
func (r *recordingInvalidator) InvalidateOrg(id string)  { r.orgs = append(r.orgs, id) }

func setupTestRouter() (*gin.Engine, *MemoryStore, *recordingInvalidator) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	inv := &recordingInvalidator{}
	h := NewHandler(store, stubCatalog{}, inv)

	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, store, inv
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateTeamDefaultsToFree(t *testing.T) {
	r, store, _ := setupTestRouter()

	w := doJSON(r, "POST", "/v1/admin/teams", map[string]string{"id": "team_1", "name": "Acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	team, err := store.GetTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, "free", team.Plan)
}

func TestHandler_CreateTeamRejectsUnknownPlan(t *testing.T) {
	r, _, _ := setupTestRouter()

	w := doJSON(r, "POST", "/v1/admin/teams", map[string]string{"name": "Acme", "plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_plan")
}

func TestHandler_CreateTeamRequiresName(t *testing.T) {
	r, _, _ := setupTestRouter()

	w := doJSON(r, "POST", "/v1/admin/teams", map[string]string{"plan": "pro"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_UpdateTeamInvalidatesCache(t *testing.T) {
	r, _, inv := setupTestRouter()
	doJSON(r, "POST", "/v1/admin/teams", map[string]string{"id": "team_1", "name": "Acme"})

	w := doJSON(r, "PATCH", "/v1/admin/teams/team_1", map[string]interface{}{
		"plan":         "pro",
		"customLimits": map[string]interface{}{"documents": 10, "links": nil},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"team_1"}, inv.teams)

	var resp struct {
		Team Team `json:"team"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.Team.Plan)
	assert.Equal(t, 10, *resp.Team.CustomLimits["documents"])
	_, present := resp.Team.CustomLimits["links"]
	assert.True(t, present)
}

func TestHandler_UpdateMissingTeam(t *testing.T) {
	r, _, _ := setupTestRouter()
	w := doJSON(r, "PATCH", "/v1/admin/teams/nope", map[string]string{"plan": "pro"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SetActivation(t *testing.T) {
	r, store, inv := setupTestRouter()

	w := doJSON(r, "PUT", "/v1/admin/tenants/team_1/activations/fundroom", map[string]string{"status": "SUSPENDED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, _ := store.GetActivation(context.Background(), "team_1", ActivationFundRoom)
	assert.Equal(t, ActivationSuspended, a.Status)
	assert.Equal(t, []string{"team_1"}, inv.teams)
	assert.Equal(t, []string{"team_1"}, inv.orgs)

	w = doJSON(r, "PUT", "/v1/admin/tenants/team_1/activations/fundroom", map[string]string{"status": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "PUT", "/v1/admin/tenants/team_1/activations/unknown", map[string]string{"status": "ACTIVE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OrgLifecycle(t *testing.T) {
	r, _, inv := setupTestRouter()

	w := doJSON(r, "POST", "/v1/admin/orgs", map[string]string{"id": "org_1", "name": "Fund I LP"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, "PATCH", "/v1/admin/orgs/org_1", map[string]string{"tier": "FUNDROOM", "subscriptionStatus": "PAST_DUE"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"subscriptionStatus":"PAST_DUE"`)
	assert.Equal(t, []string{"org_1"}, inv.orgs)

	w = doJSON(r, "GET", "/v1/admin/orgs/org_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
