package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/logging"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up routes for authenticated agents.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:address/keys", h.IssueKey)
}

// IssueKeyRequest is the payload for issuing a key.
type IssueKeyRequest struct {
	Name     string `json:"name"`
	TTLHours int    `json:"ttlHours"`
}

// IssueKey handles POST /admin/agents/:address/keys.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "default"
	}

	rawKey, key, err := h.manager.Issue(c.Request.Context(), c.Param("address"), req.Name,
		time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	logging.L(c.Request.Context()).Info("api key issued", "agent", key.Agent, "key_id", key.ID)
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": key.Agent, "keyId": key.ID, "keyName": key.Name})
}

// ListKeys handles GET /auth/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.List(c.Request.Context(), GetAuthenticatedAgent(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /auth/keys/:keyId. The key in use cannot be
// revoked through itself.
func (h *Handler) RevokeKey(c *gin.Context) {
	current, _ := GetAPIKey(c)
	keyID := c.Param("keyId")
	if current != nil && current.ID == keyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.Revoke(c.Request.Context(), keyID, GetAuthenticatedAgent(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
