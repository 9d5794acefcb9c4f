package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarketClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarketClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetGig shows one gig and its tiers.
func (h *Handlers) HandleGetGig(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gigID := req.GetString("gig_id", "")
	if gigID == "" {
		return mcp.NewToolResultError("gig_id is required"), nil
	}

	raw, err := h.client.GetGig(ctx, gigID)
	if err != nil {
		return failure("Failed to get gig", err), nil
	}

	var resp struct {
		Gig gigInfo `json:"gig"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse gig: %v", err)), nil
	}
	return mcp.NewToolResultText(formatGig(resp.Gig)), nil
}

// HandleListSellerGigs lists a seller's gigs.
func (h *Handlers) HandleListSellerGigs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller_address", "")
	if seller == "" {
		return mcp.NewToolResultError("seller_address is required"), nil
	}

	raw, err := h.client.ListSellerGigs(ctx, seller)
	if err != nil {
		return failure("Failed to list gigs", err), nil
	}

	var resp struct {
		Gigs []gigInfo `json:"gigs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse gigs: %v", err)), nil
	}
	if len(resp.Gigs) == 0 {
		return mcp.NewToolResultText("This seller has no gigs listed."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d gig(s):\n\n", len(resp.Gigs))
	for i, g := range resp.Gigs {
		fmt.Fprintf(&sb, "%d. %s", i+1, formatGig(g))
		if i < len(resp.Gigs)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePlaceOrder buys a gig tier.
func (h *Handlers) HandlePlaceOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gigID := req.GetString("gig_id", "")
	if gigID == "" {
		return mcp.NewToolResultError("gig_id is required"), nil
	}
	tier := req.GetString("tier", "")
	if tier == "" {
		return mcp.NewToolResultError("tier is required"), nil
	}

	raw, err := h.client.PlaceOrder(ctx, gigID, tier, req.GetString("brief", ""), req.GetString("client_ref", ""))
	if err != nil {
		return failure("Order failed", err), nil
	}
	return viewResult(raw)
}

// HandleGetOrder shows an order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return failure("Failed to get order", err), nil
	}
	return viewResult(raw)
}

// HandleListMyOrders lists the agent's orders.
func (h *Handlers) HandleListMyOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListMyOrders(ctx, req.GetInt("limit", 20))
	if err != nil {
		return failure("Failed to list orders", err), nil
	}

	var resp struct {
		Orders []orderInfo `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No orders found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		role := "seller"
		if strings.EqualFold(o.BuyerID, h.client.cfg.AgentAddress) {
			role = "buyer"
		}
		fmt.Fprintf(&sb, "%d. %s [%s] %s USDC, you are the %s\n", i+1, o.ID, o.Status, o.Price, role)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAcceptOrder accepts a pending order.
func (h *Handlers) HandleAcceptOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "accept", nil)
}

// HandleStartWork starts work on an accepted order.
func (h *Handlers) HandleStartWork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "start", nil)
}

// HandleDeliver delivers an in-progress order.
func (h *Handlers) HandleDeliver(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := req.GetString("payload", "")
	if payload == "" {
		return mcp.NewToolResultError("payload is required"), nil
	}
	return h.transition(ctx, req, "deliver", map[string]string{"payload": payload})
}

// HandleConfirmDelivery completes an order and releases escrow.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "confirm", nil)
}

// HandleRequestRevision sends a delivery back for changes.
func (h *Handlers) HandleRequestRevision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "revision", map[string]string{"note": req.GetString("note", "")})
}

// HandleRejectOrder declines an order and refunds the buyer.
func (h *Handlers) HandleRejectOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "reject", nil)
}

func (h *Handlers) transition(ctx context.Context, req mcp.CallToolRequest, action string, body any) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.Transition(ctx, orderID, action, body)
	if err != nil {
		return failure(fmt.Sprintf("Failed to %s order", action), err), nil
	}
	return viewResult(raw)
}

// HandleSubmitReview rates the counterparty of a completed order.
func (h *Handlers) HandleSubmitReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if rating < 1 || rating > 5 {
		return mcp.NewToolResultError("rating must be between 1 and 5"), nil
	}

	raw, err := h.client.SubmitReview(ctx, orderID, rating, req.GetString("comment", ""))
	if err != nil {
		return failure("Review failed", err), nil
	}

	var resp struct {
		Review struct {
			ID      string `json:"id"`
			Subject string `json:"subjectId"`
			Outcome string `json:"outcome"`
		} `json:"review"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse review: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Review %s submitted for order %s.\n"+
			"Rated %s: %d/5\n"+
			"On-chain status: %s",
		resp.Review.ID, orderID, resp.Review.Subject, rating, resp.Review.Outcome)), nil
}

// HandleGetReputation returns the reputation summary for an agent.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, address)
	if err != nil {
		return failure("Failed to get reputation", err), nil
	}

	var resp struct {
		Reputation struct {
			Agent         string  `json:"agent"`
			Score         float64 `json:"score"`
			Tier          string  `json:"tier"`
			ReviewCount   int     `json:"reviewCount"`
			AverageRating float64 `json:"averageRating"`
			PendingCount  int     `json:"pendingCount"`
		} `json:"reputation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	rep := resp.Reputation

	var sb strings.Builder
	sb.WriteString("Agent Reputation:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", rep.Agent)
	fmt.Fprintf(&sb, "  Score: %.1f (%s)\n", rep.Score, rep.Tier)
	fmt.Fprintf(&sb, "  Reviews: %d, average %.2f/5\n", rep.ReviewCount, rep.AverageRating)
	if rep.PendingCount > 0 {
		fmt.Fprintf(&sb, "  Awaiting on-chain anchoring: %d\n", rep.PendingCount)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type tierInfo struct {
	Name         string `json:"name"`
	Price        string `json:"price"`
	DeliveryDays int    `json:"deliveryDays"`
	Revisions    int    `json:"revisions"`
}

type gigInfo struct {
	ID       string     `json:"id"`
	SellerID string     `json:"sellerId"`
	Title    string     `json:"title"`
	Category string     `json:"category"`
	Active   bool       `json:"active"`
	Tiers    []tierInfo `json:"tiers"`
}

type orderInfo struct {
	ID              string     `json:"id"`
	GigID           string     `json:"gigId"`
	BuyerID         string     `json:"buyerId"`
	SellerID        string     `json:"sellerId"`
	Tier            string     `json:"tier"`
	Price           string     `json:"price"`
	Status          string     `json:"status"`
	Deadline        *time.Time `json:"deadline"`
	DeliveryPayload string     `json:"deliveryPayload"`
	Revisions       int        `json:"revisions"`
}

type orderView struct {
	OrderID              string     `json:"orderId"`
	Status               string     `json:"status"`
	Settlement           string     `json:"settlement"`
	AwaitingConfirmation bool       `json:"awaitingConfirmation"`
	PendingStatus        string     `json:"pendingStatus"`
	PendingTxHash        string     `json:"pendingTxHash"`
	LastError            string     `json:"lastError"`
	Order                *orderInfo `json:"order"`
}

func formatGig(g gigInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", g.Title, g.ID)
	fmt.Fprintf(&sb, "   Seller: %s", g.SellerID)
	if g.Category != "" {
		fmt.Fprintf(&sb, " | Category: %s", g.Category)
	}
	if !g.Active {
		sb.WriteString(" | inactive")
	}
	sb.WriteString("\n")
	for _, t := range g.Tiers {
		fmt.Fprintf(&sb, "   - %s: %s USDC, %d day(s), %d revision(s)\n", t.Name, t.Price, t.DeliveryDays, t.Revisions)
	}
	return sb.String()
}

func viewResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	var v orderView
	if err := json.Unmarshal(raw, &v); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(formatView(v)), nil
}

func formatView(v orderView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order: %s\n", v.OrderID)
	fmt.Fprintf(&sb, "Status: %s\n", v.Status)

	switch {
	case v.AwaitingConfirmation:
		fmt.Fprintf(&sb, "Settlement: moving to %s, waiting for on-chain confirmation", v.PendingStatus)
		if v.PendingTxHash != "" {
			fmt.Fprintf(&sb, " (tx %s)", v.PendingTxHash)
		}
		sb.WriteString("\nCheck again later with get_order.\n")
	case v.Settlement == "FAILED":
		fmt.Fprintf(&sb, "Settlement: FAILED moving to %s. Operators have been alerted.\n", v.PendingStatus)
	}
	if v.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", v.LastError)
	}

	if o := v.Order; o != nil {
		fmt.Fprintf(&sb, "Gig: %s (%s tier), %s USDC\n", o.GigID, o.Tier, o.Price)
		fmt.Fprintf(&sb, "Buyer: %s\nSeller: %s\n", o.BuyerID, o.SellerID)
		if o.Deadline != nil {
			fmt.Fprintf(&sb, "Deadline: %s\n", o.Deadline.UTC().Format(time.RFC3339))
		}
		if o.DeliveryPayload != "" {
			fmt.Fprintf(&sb, "Delivery: %s\n", o.DeliveryPayload)
		}
		if o.Revisions > 0 {
			fmt.Fprintf(&sb, "Revisions requested: %d\n", o.Revisions)
		}
	}
	return sb.String()
}

// failure turns a client error into a tool error, telling the model when a
// retry is safe.
func failure(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Retryable {
		msg += "\nThis error is temporary; retrying is safe."
	}
	return mcp.NewToolResultError(msg)
}
