package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/pagination"
)

// Handler serves a team's audit trail.
type Handler struct {
	logger Logger
}

// NewHandler creates a new audit handler
func NewHandler(l Logger) *Handler {
	return &Handler{logger: l}
}

// RegisterTeamRoutes mounts GET /:id/audit. The group must enforce that :id
// is the caller's team.
func (h *Handler) RegisterTeamRoutes(r *gin.RouterGroup) {
	r.GET("/:id/audit", h.List)
}

// List handles GET /v1/teams/:id/audit
func (h *Handler) List(c *gin.Context) {
	q := Query{
		TeamID:       c.Param("id"),
		ResourceType: c.Query("resourceType"),
		ResourceID:   c.Query("resourceId"),
		EventType:    c.Query("eventType"),
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxQueryLimit-1)
	}
	q.Limit = limit + 1
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid cursor"})
		return
	}
	if cursor != nil {
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid cursor"})
			return
		}
		q.BeforeID = id
	}
	for param, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": param + " must be RFC3339"})
				return
			}
			*dst = t
		}
	}

	entries, err := h.logger.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to query audit log"})
		return
	}
	page := pagination.Build(entries, limit, func(e *Entry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: strconv.FormatInt(e.ID, 10)}
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}
