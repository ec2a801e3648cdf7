package paywall

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/logging"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
	"github.com/mbd888/fundroom/internal/validation"
)

// Resolver is the tier source plus cache control.
type Resolver interface {
	TierSource
	InvalidateTeam(teamID string)
	InvalidateOrg(orgID string)
	Clear()
}

// Handler provides HTTP endpoints for tier lookups and gate checks.
type Handler struct {
	gates    *Gates
	resolver Resolver
}

// NewHandler creates a new paywall handler
func NewHandler(gates *Gates, resolver Resolver) *Handler {
	return &Handler{gates: gates, resolver: resolver}
}

// RegisterTeamRoutes mounts team routes. The group must enforce that :id is
// the caller's team.
func (h *Handler) RegisterTeamRoutes(r *gin.RouterGroup) {
	r.GET("/:id/tier", h.GetTeamTier)
	r.GET("/:id/gates/:resource", h.CheckTeamResource)
}

// RegisterOrgRoutes mounts organization routes. The group must enforce that
// :id is the caller's organization.
func (h *Handler) RegisterOrgRoutes(r *gin.RouterGroup) {
	r.GET("/:id/tier", h.GetOrgTier)
	r.GET("/:id/gates/contacts", h.gate(h.gates.CheckContactLimit))
	r.GET("/:id/gates/esig", h.gate(h.gates.CheckEsigLimit))
	r.GET("/:id/gates/templates", h.gate(h.gates.CheckTemplateLimit))
	r.GET("/:id/gates/signer-storage", h.gate(h.gates.CheckSignerStorage))
	r.POST("/:id/esig/usage", h.RecordEsigUsage)
	r.GET("/:id/features/:feature", h.CheckFeature)
	r.GET("/:id/pipeline", RequireFeature(h.gates, string(tier.FeatureKanban)), h.GetPipeline)
}

// RegisterAdminRoutes mounts cache control. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tier-cache/invalidate", h.InvalidateCache)
}

// GetTeamTier handles GET /v1/teams/:id/tier
func (h *Handler) GetTeamTier(c *gin.Context) {
	rt, err := h.resolver.ResolveTeam(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": rt})
}

// GetOrgTier handles GET /v1/orgs/:id/tier
func (h *Handler) GetOrgTier(c *gin.Context) {
	rt, err := h.resolver.ResolveOrg(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": rt})
}

// CheckTeamResource handles GET /v1/teams/:id/gates/:resource
func (h *Handler) CheckTeamResource(c *gin.Context) {
	d, err := h.gates.CheckTeamResource(c.Request.Context(), c.Param("id"), tier.Resource(c.Param("resource")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// CheckFeature handles GET /v1/orgs/:id/features/:feature
func (h *Handler) CheckFeature(c *gin.Context) {
	d, err := h.gates.CheckFeatureAccess(c.Request.Context(), c.Param("id"), c.Param("feature"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetPipeline handles GET /v1/orgs/:id/pipeline. The stages follow the
// effective tier, so a FundRoom org sees the compliance pipeline.
func (h *Handler) GetPipeline(c *gin.Context) {
	rt, err := h.resolver.ResolveOrg(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":   rt.EffectiveTierName,
		"stages": rt.PipelineStages,
	})
}

// RecordEsigUsage handles POST /v1/orgs/:id/esig/usage. The month's limit is
// checked first; a denied send is not counted.
func (h *Handler) RecordEsigUsage(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("id")

	d, err := h.gates.CheckEsigLimit(ctx, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !d.Allowed {
		c.JSON(http.StatusForbidden, d)
		return
	}
	count, err := h.gates.IncrementEsigUsage(ctx, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orgId": orgID,
		"month": tenant.MonthKey(h.resolver.Now()),
		"count": count,
	})
}

// InvalidateRequest names cache entries to drop. All clears everything.
type InvalidateRequest struct {
	TeamID string `json:"teamId" validate:"omitempty,resource_id"`
	OrgID  string `json:"orgId" validate:"omitempty,resource_id"`
	All    bool   `json:"all"`
}

// InvalidateCache handles POST /v1/admin/tier-cache/invalidate
func (h *Handler) InvalidateCache(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	if errs := validation.Struct(&req); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if !req.All && req.TeamID == "" && req.OrgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "teamId, orgId or all is required",
		})
		return
	}

	switch {
	case req.All:
		h.resolver.Clear()
	default:
		if req.TeamID != "" {
			h.resolver.InvalidateTeam(req.TeamID)
		}
		if req.OrgID != "" {
			h.resolver.InvalidateOrg(req.OrgID)
		}
	}
	logging.L(c.Request.Context()).Info("tier cache invalidated",
		"team_id", req.TeamID, "org_id", req.OrgID, "all", req.All)
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

func (h *Handler) gate(check func(context.Context, string) (Decision, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := check(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func respondError(c *gin.Context, err error) {
	status, body := errorResponse(c.Request.Context(), err)
	c.JSON(status, body)
}

func abortWithError(c *gin.Context, err error) {
	status, body := errorResponse(c.Request.Context(), err)
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(ctx context.Context, err error) (int, gin.H) {
	var unknown *UnknownResourceError
	switch {
	case errors.Is(err, tenant.ErrTeamNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found", "message": "Team not found"}
	case errors.Is(err, tenant.ErrOrgNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found", "message": "Organization not found"}
	case errors.As(err, &unknown):
		return http.StatusBadRequest, gin.H{"error": "unknown_resource", "message": unknown.Error()}
	case errors.Is(err, tier.ErrUnknownPlan):
		logging.L(ctx).Error("plan misconfigured", "error", err)
		return http.StatusInternalServerError, gin.H{"error": "plan_misconfigured", "message": "Billing plan is not recognized"}
	default:
		logging.L(ctx).Error("paywall check failed", "error", err)
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"}
	}
}
