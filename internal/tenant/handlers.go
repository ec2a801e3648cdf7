package tenant

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fundroom/internal/idgen"
	"github.com/mbd888/fundroom/internal/validation"
)

// Catalog reports which plan identifiers exist. The tier package owns the
// plan tables; tenant only needs to reject unknown values before writing.
type Catalog interface {
	ValidTeamPlan(plan string) bool
	ValidOrgTier(tier string) bool
}

// Invalidator drops cached tier resolutions after a billing write.
type Invalidator interface {
	InvalidateTeam(teamID string)
	InvalidateOrg(orgID string)
}

// Handler provides admin HTTP endpoints for tenant billing state.
type Handler struct {
	store       Store
	catalog     Catalog
	invalidator Invalidator
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store, catalog Catalog, invalidator Invalidator) *Handler {
	return &Handler{store: store, catalog: catalog, invalidator: invalidator}
}

// RegisterAdminRoutes sets up the admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/teams", h.CreateTeam)
	r.GET("/teams/:id", h.GetTeam)
	r.PATCH("/teams/:id", h.UpdateTeam)
	r.POST("/orgs", h.CreateOrg)
	r.GET("/orgs/:id", h.GetOrg)
	r.PATCH("/orgs/:id", h.UpdateOrg)
	r.PUT("/tenants/:id/activations/:kind", h.SetActivation)
}

type createTeamRequest struct {
	ID           string          `json:"id" validate:"omitempty,max=64"`
	Name         string          `json:"name" validate:"required,max=200"`
	Plan         string          `json:"plan" validate:"omitempty,max=64"`
	CustomLimits Limits          `json:"customLimits"`
	Features     map[string]bool `json:"features"`
}

// CreateTeam handles POST /v1/admin/teams
func (h *Handler) CreateTeam(c *gin.Context) {
	var req createTeamRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Plan == "" {
		req.Plan = "free"
	}
	if !h.catalog.ValidTeamPlan(req.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("team_")
	}

	now := time.Now()
	t := &Team{
		ID:           req.ID,
		Name:         validation.SanitizeString(req.Name, 200),
		Plan:         req.Plan,
		CustomLimits: req.CustomLimits,
		Features:     req.Features,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateTeam(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": "team already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create team"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"team": t})
}

// GetTeam handles GET /v1/admin/teams/:id
func (h *Handler) GetTeam(c *gin.Context) {
	t, err := h.store.GetTeam(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": t})
}

type updateTeamRequest struct {
	Name         *string         `json:"name" validate:"omitempty,max=200"`
	Plan         *string         `json:"plan"`
	CustomLimits *Limits         `json:"customLimits"`
	Features     map[string]bool `json:"features"`
}

// UpdateTeam handles PATCH /v1/admin/teams/:id
func (h *Handler) UpdateTeam(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.store.GetTeam(ctx, c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}

	var req updateTeamRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Name != nil {
		t.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Plan != nil {
		if !h.catalog.ValidTeamPlan(*req.Plan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan", "message": "unknown plan"})
			return
		}
		t.Plan = *req.Plan
	}
	if req.CustomLimits != nil {
		t.CustomLimits = *req.CustomLimits
	}
	if req.Features != nil {
		t.Features = req.Features
	}
	t.UpdatedAt = time.Now()

	if err := h.store.UpdateTeam(ctx, t); err != nil {
		respondLookupError(c, err)
		return
	}
	h.invalidator.InvalidateTeam(t.ID)
	c.JSON(http.StatusOK, gin.H{"team": t})
}

type createOrgRequest struct {
	ID               string     `json:"id" validate:"omitempty,max=64"`
	Name             string     `json:"name" validate:"required,max=200"`
	Tier             string     `json:"tier" validate:"omitempty,max=64"`
	CustomLimits     Limits     `json:"customLimits"`
	AICRMEnabled     bool       `json:"aiCrmEnabled"`
	AICRMTrialEndsAt *time.Time `json:"aiCrmTrialEndsAt"`
}

// CreateOrg handles POST /v1/admin/orgs
func (h *Handler) CreateOrg(c *gin.Context) {
	var req createOrgRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Tier == "" {
		req.Tier = "FREE"
	}
	if !h.catalog.ValidOrgTier(req.Tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("org_")
	}

	now := time.Now()
	o := &Organization{
		ID:                 req.ID,
		Name:               validation.SanitizeString(req.Name, 200),
		Tier:               req.Tier,
		SubscriptionStatus: SubscriptionNone,
		CustomLimits:       req.CustomLimits,
		AICRMEnabled:       req.AICRMEnabled,
		AICRMTrialEndsAt:   req.AICRMTrialEndsAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.store.CreateOrg(c.Request.Context(), o); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": "organization already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create organization"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization": o})
}

// GetOrg handles GET /v1/admin/orgs/:id
func (h *Handler) GetOrg(c *gin.Context) {
	o, err := h.store.GetOrg(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": o})
}

type updateOrgRequest struct {
	Name               *string             `json:"name" validate:"omitempty,max=200"`
	Tier               *string             `json:"tier"`
	SubscriptionStatus *SubscriptionStatus `json:"subscriptionStatus"`
	CustomLimits       *Limits             `json:"customLimits"`
	AICRMEnabled       *bool               `json:"aiCrmEnabled"`
	AICRMTrialEndsAt   *time.Time          `json:"aiCrmTrialEndsAt"`
}

// UpdateOrg handles PATCH /v1/admin/orgs/:id
func (h *Handler) UpdateOrg(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := h.store.GetOrg(ctx, c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}

	var req updateOrgRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if req.Name != nil {
		o.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.Tier != nil {
		if !h.catalog.ValidOrgTier(*req.Tier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
			return
		}
		o.Tier = *req.Tier
	}
	if req.SubscriptionStatus != nil {
		o.SubscriptionStatus = *req.SubscriptionStatus
	}
	if req.CustomLimits != nil {
		o.CustomLimits = *req.CustomLimits
	}
	if req.AICRMEnabled != nil {
		o.AICRMEnabled = *req.AICRMEnabled
	}
	if req.AICRMTrialEndsAt != nil {
		o.AICRMTrialEndsAt = req.AICRMTrialEndsAt
	}
	o.UpdatedAt = time.Now()

	if err := h.store.UpdateOrg(ctx, o); err != nil {
		respondLookupError(c, err)
		return
	}
	h.invalidator.InvalidateOrg(o.ID)
	c.JSON(http.StatusOK, gin.H{"organization": o})
}

// SetActivation handles PUT /v1/admin/tenants/:id/activations/:kind
func (h *Handler) SetActivation(c *gin.Context) {
	var req struct {
		Status ActivationStatus `json:"status" validate:"required"`
	}
	if !bindAndValidate(c, &req) {
		return
	}
	if !ValidActivationStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown activation status"})
		return
	}

	kind := ActivationKind(strings.ToUpper(c.Param("kind")))
	if kind != ActivationFundRoom && kind != ActivationAICRM {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": "unknown activation kind"})
		return
	}

	a := &Activation{TenantID: c.Param("id"), Kind: kind, Status: req.Status, UpdatedAt: time.Now()}
	if err := h.store.SetActivation(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to set activation"})
		return
	}

	// Activation ids are shared between teams and orgs.
	h.invalidator.InvalidateTeam(a.TenantID)
	h.invalidator.InvalidateOrg(a.TenantID)
	c.JSON(http.StatusOK, gin.H{"activation": a})
}

func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return false
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrTeamNotFound) || errors.Is(err, ErrOrgNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "tenant lookup failed"})
}
