package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the caller-facing key routes. The group must
// already require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes mounts key issuance. The group must already require
// admin access.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/api-keys", h.IssueKey)
}

// Me returns the identity behind the current key.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    key.UserID,
		"teamId":    key.TeamID,
		"orgId":     key.OrgID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
	})
}

// ListKeys returns the caller's keys without hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name" validate:"max=255"`
}

// CreateKey issues another key with the caller's scope.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if errs := validation.Struct(&req); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if req.Name == "" {
		req.Name = "Additional key"
	}

	raw, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Principal(), validation.SanitizeString(req.Name, 255), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's other keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// IssueKeyRequest is the admin request body for issuing a key.
type IssueKeyRequest struct {
	UserID     string `json:"userId" validate:"required,resource_id"`
	TeamID     string `json:"teamId" validate:"omitempty,resource_id"`
	OrgID      string `json:"orgId" validate:"omitempty,resource_id"`
	Name       string `json:"name" validate:"max=255"`
	TTLSeconds int64  `json:"ttlSeconds" validate:"gte=0"`
}

// IssueKey creates a key for any principal. Admin only.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
		return
	}
	if errs := validation.Struct(&req); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	p := Principal{UserID: req.UserID, TeamID: req.TeamID, OrgID: req.OrgID}
	raw, key, err := h.manager.GenerateKey(c.Request.Context(), p, validation.SanitizeString(req.Name, 255),
		time.Duration(req.TTLSeconds)*time.Second)
	if errors.Is(err, ErrNoTenant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create API key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":    raw,
		"keyId":     key.ID,
		"userId":    key.UserID,
		"teamId":    key.TeamID,
		"orgId":     key.OrgID,
		"expiresAt": key.ExpiresAt,
	})
}
