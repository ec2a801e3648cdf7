package paywall

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/auth"
	"github.com/mbd888/fundroom/internal/tier"
)

// RequireFeature aborts with 403 unless the caller's organization tier
// includes feature.
func RequireFeature(g *Gates, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := auth.OrgID(c)
		if orgID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "An organization-scoped key is required.",
			})
			return
		}
		d, err := g.CheckFeatureAccess(c.Request.Context(), orgID, feature)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, d)
			return
		}
		c.Next()
	}
}

// RequireTeamCapability aborts with 403 unless the caller's team holds the
// capability.
func RequireTeamCapability(g *Gates, capability tier.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		teamID := auth.TeamID(c)
		if teamID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "A team-scoped key is required.",
			})
			return
		}
		d, err := g.RequireTeamCapability(c.Request.Context(), teamID, capability)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, d)
			return
		}
		c.Next()
	}
}
