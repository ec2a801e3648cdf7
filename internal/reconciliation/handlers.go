package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/logging"
)

// Handler exposes on-demand reconciliation to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes mounts the reconciliation endpoints. The group must
// require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation/last", h.Last)
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Last handles GET /v1/admin/reconciliation/last
func (h *Handler) Last(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}
