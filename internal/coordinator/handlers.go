package coordinator

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/gigs"
	"github.com/mbd888/agentbazaar/internal/logging"
	"github.com/mbd888/agentbazaar/internal/orders"
	"github.com/mbd888/agentbazaar/internal/settlement"
)

// Handler provides HTTP handlers for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require an API key. The
// acting agent is always the authenticated one.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/settlements", h.ListSettlements)
	r.POST("/orders/:id/accept", h.Accept)
	r.POST("/orders/:id/start", h.Start)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/confirm", h.Confirm)
	r.POST("/orders/:id/revision", h.RequestRevision)
	r.POST("/orders/:id/reject", h.Reject)
	r.GET("/agents/:address/orders", h.ListByAgent)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settlements/failed", h.ListSettlementFailed)
	r.POST("/admin/orders/:id/settlement/retry", h.RetrySettlement)
}

// PlaceOrderRequest is the payload for buying a gig tier.
type PlaceOrderRequest struct {
	GigID     string     `json:"gigId" binding:"required"`
	Tier      string     `json:"tier" binding:"required"`
	Brief     string     `json:"brief"`
	ClientRef string     `json:"clientRef"`
	Deadline  *time.Time `json:"deadline"`
}

// PlaceOrder handles POST /orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "gigId and tier are required",
		})
		return
	}

	view, err := h.service.PlaceOrder(c.Request.Context(), PlaceRequest{
		GigID:     req.GigID,
		BuyerID:   auth.GetAuthenticatedAgent(c),
		Tier:      req.Tier,
		Brief:     req.Brief,
		ClientRef: req.ClientRef,
		Deadline:  req.Deadline,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if view.AwaitingConfirmation {
		status = http.StatusAccepted
	}
	c.JSON(status, view)
}

// GetOrder handles GET /orders/:id. Only the parties may read an order.
func (h *Handler) GetOrder(c *gin.Context) {
	view, ok := h.partyView(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListSettlements handles GET /orders/:id/settlements.
func (h *Handler) ListSettlements(c *gin.Context) {
	if _, ok := h.partyView(c); !ok {
		return
	}
	ops, err := h.service.Settlements(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ops == nil {
		ops = []*settlement.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"settlements": ops, "count": len(ops)})
}

func (h *Handler) partyView(c *gin.Context) (*View, bool) {
	view, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	agent := auth.GetAuthenticatedAgent(c)
	if view.Order != nil && !view.Order.Party(agent) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the buyer or seller can view this order",
		})
		return nil, false
	}
	return view, true
}

// Accept handles POST /orders/:id/accept.
func (h *Handler) Accept(c *gin.Context) {
	h.respond(c)(h.service.Accept(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c)))
}

// Start handles POST /orders/:id/start.
func (h *Handler) Start(c *gin.Context) {
	h.respond(c)(h.service.Start(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c)))
}

// DeliverRequest carries the delivered work.
type DeliverRequest struct {
	Payload string `json:"payload" binding:"required"`
}

// Deliver handles POST /orders/:id/deliver.
func (h *Handler) Deliver(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payload is required",
		})
		return
	}
	h.respond(c)(h.service.Deliver(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Payload))
}

// Confirm handles POST /orders/:id/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	h.respond(c)(h.service.Confirm(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c)))
}

// RevisionRequest explains what needs to change.
type RevisionRequest struct {
	Note string `json:"note"`
}

// RequestRevision handles POST /orders/:id/revision.
func (h *Handler) RequestRevision(c *gin.Context) {
	var req RevisionRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	h.respond(c)(h.service.RequestRevision(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c), req.Note))
}

// Reject handles POST /orders/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	h.respond(c)(h.service.Reject(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c)))
}

// ListByAgent handles GET /agents/:address/orders?cursor=&limit=. Agents can
// list only their own orders.
func (h *Handler) ListByAgent(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	if address != auth.GetAuthenticatedAgent(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Agents can only list their own orders",
		})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.service.ListByAgent(c.Request.Context(), address, c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	list := page.Orders
	if list == nil {
		list = []*orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     list,
		"count":      len(list),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// ListSettlementFailed handles GET /admin/settlements/failed. Escalated
// deposits are listed alongside the orders since they have no order yet.
func (h *Handler) ListSettlementFailed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.service.ListSettlementFailed(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	deposits, err := h.service.ListStuckDeposits(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	if deposits == nil {
		deposits = []*settlement.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list), "deposits": deposits})
}

// RetrySettlement handles POST /admin/orders/:id/settlement/retry.
func (h *Handler) RetrySettlement(c *gin.Context) {
	h.respond(c)(h.service.RetrySettlement(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedAgent(c)))
}

// respond writes a view with 202 while a settlement is still in flight.
func (h *Handler) respond(c *gin.Context) func(*View, error) {
	return func(view *View, err error) {
		if err != nil {
			h.writeError(c, err)
			return
		}
		status := http.StatusOK
		if view.AwaitingConfirmation {
			status = http.StatusAccepted
		}
		c.JSON(status, view)
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	retryable := false
	switch {
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, orders.ErrOrderNotFound):
		status, code = http.StatusNotFound, "order_not_found"
	case errors.Is(err, gigs.ErrGigNotFound):
		status, code = http.StatusNotFound, "gig_not_found"
	case errors.Is(err, gigs.ErrTierNotFound):
		status, code = http.StatusNotFound, "tier_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotSettlementFail):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, orders.ErrConflict):
		status, code, retryable = http.StatusConflict, "conflict", true
	case errors.Is(err, settlement.ErrNotRetryable):
		status, code = http.StatusConflict, "not_retryable"
	case errors.Is(err, chain.ErrUnavailable):
		status, code, retryable = http.StatusServiceUnavailable, "chain_unavailable", true
	case errors.Is(err, ErrPlacementFailed):
		status, code, retryable = http.StatusBadGateway, "settlement_failed", true
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("order operation failed", "order_id", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	body := gin.H{"error": code, "message": err.Error()}
	if retryable {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
