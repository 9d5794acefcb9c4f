package reputation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/orders"
)

// Handler provides HTTP handlers for reviews and reputation.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a new reputation handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/reviews", h.ListReviews)
	r.GET("/agents/:address/reputation", h.GetReputation)
}

// RegisterProtectedRoutes sets up routes that require an API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/reviews", h.SubmitReview)
}

// SubmitReviewRequest is the payload for reviewing an order.
type SubmitReviewRequest struct {
	Rating  int    `json:"rating" binding:"required"`
	Comment string `json:"comment"`
}

// SubmitReview handles POST /orders/:id/reviews. The reviewer is the
// authenticated agent.
func (h *Handler) SubmitReview(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")

	var req SubmitReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "rating is required",
		})
		return
	}

	rev, err := h.recorder.Submit(ctx, orderID, auth.GetAuthenticatedAgent(c), req.Rating, req.Comment)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			logging.L(ctx).Error("failed to submit review", "order_id", orderID, "error", err)
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": strings.TrimPrefix(err.Error(), "reputation: "),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"review": rev})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRating), errors.Is(err, ErrCommentTooLong):
		return http.StatusBadRequest, "invalid_review"
	case errors.Is(err, ErrNotParty):
		return http.StatusForbidden, "not_party"
	case errors.Is(err, ErrOrderNotCompleted):
		return http.StatusConflict, "order_not_completed"
	case errors.Is(err, ErrDuplicateReview):
		return http.StatusConflict, "duplicate_review"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal_error"
}

// ListReviews handles GET /orders/:id/reviews.
func (h *Handler) ListReviews(c *gin.Context) {
	reviews, err := h.recorder.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list reviews",
		})
		return
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

// GetReputation handles GET /agents/:address/reputation.
func (h *Handler) GetReputation(c *gin.Context) {
	recent := 10
	if v := c.Query("recent"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			recent = n
		}
	}
	summary, err := h.recorder.Summary(c.Request.Context(), c.Param("address"), recent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get reputation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": summary})
}
