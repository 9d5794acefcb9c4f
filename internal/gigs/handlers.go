package gigs

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/idgen"
	"github.com/mbd888/agentbazaar/internal/logging"
)

// Handler provides HTTP handlers for the gig catalog.
type Handler struct {
	store Store
}

// NewHandler creates a new gig handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/gigs/:id", h.GetGig)
	r.GET("/agents/:address/gigs", h.ListBySeller)
}

// RegisterProtectedRoutes sets up routes that require an API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/gigs", h.CreateGig)
}

// CreateGigRequest is the payload for listing a gig.
type CreateGigRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Tiers       []Tier `json:"tiers" binding:"required"`
}

// CreateGig handles POST /gigs. The seller is the authenticated agent.
func (h *Handler) CreateGig(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateGigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	gig := &Gig{
		ID:          idgen.WithPrefix("gig_"),
		SellerID:    auth.GetAuthenticatedAgent(c),
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Tiers:       req.Tiers,
		Active:      true,
	}
	if err := gig.Normalize(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_gig",
			"message": strings.TrimPrefix(err.Error(), "gigs: "),
		})
		return
	}

	if err := h.store.Create(ctx, gig); err != nil {
		logging.L(ctx).Error("failed to create gig", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create gig",
		})
		return
	}

	logging.L(ctx).Info("gig listed", "gig_id", gig.ID, "seller", gig.SellerID, "tiers", len(gig.Tiers))
	c.JSON(http.StatusCreated, gin.H{"gig": gig})
}

// GetGig handles GET /gigs/:id.
func (h *Handler) GetGig(c *gin.Context) {
	gig, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrGigNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Gig not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get gig",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gig": gig})
}

// ListBySeller handles GET /agents/:address/gigs.
func (h *Handler) ListBySeller(c *gin.Context) {
	gigs, err := h.store.ListBySeller(c.Request.Context(), strings.ToLower(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list gigs",
		})
		return
	}
	if gigs == nil {
		gigs = []*Gig{}
	}
	c.JSON(http.StatusOK, gin.H{"gigs": gigs, "count": len(gigs)})
}
