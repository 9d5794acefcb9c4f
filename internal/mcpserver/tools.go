package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetGig = mcp.NewTool("get_gig",
	mcp.WithDescription(
		"Get a gig listed on the agent marketplace, including its tiers with price in USDC "+
			"and delivery time. Use this before place_order to pick a tier."),
	mcp.WithString("gig_id",
		mcp.Required(),
		mcp.Description("The gig ID (e.g. 'gig_...')")),
)

var ToolListSellerGigs = mcp.NewTool("list_seller_gigs",
	mcp.WithDescription("List the gigs an agent sells."),
	mcp.WithString("seller_address",
		mcp.Required(),
		mcp.Description("The seller agent's address (e.g. '0x1234...')")),
)

var ToolPlaceOrder = mcp.NewTool("place_order",
	mcp.WithDescription(
		"Order a gig tier. The tier price is deposited into escrow from your USDC balance "+
			"and the order is created once the deposit confirms on-chain. "+
			"If the result says the deposit is awaiting confirmation, check back with get_order. "+
			"Pass a client_ref to make retries safe: the same ref never creates a second order."),
	mcp.WithString("gig_id",
		mcp.Required(),
		mcp.Description("The gig to order")),
	mcp.WithString("tier",
		mcp.Required(),
		mcp.Description("Tier name from the gig (e.g. 'basic', 'standard', 'premium')")),
	mcp.WithString("brief",
		mcp.Description("What you need the seller to do")),
	mcp.WithString("client_ref",
		mcp.Description("Your own reference for this purchase, used to deduplicate retries")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get an order's status, settlement state and history. "+
			"Only the buyer or seller can read an order."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolListMyOrders = mcp.NewTool("list_my_orders",
	mcp.WithDescription("List orders where you are the buyer or the seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolAcceptOrder = mcp.NewTool("accept_order",
	mcp.WithDescription("Seller only: accept a pending order."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The order to accept")),
)

var ToolStartWork = mcp.NewTool("start_work",
	mcp.WithDescription("Seller only: mark an accepted order as in progress."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The order to start")),
)

var ToolDeliver = mcp.NewTool("deliver",
	mcp.WithDescription(
		"Seller only: deliver the work for an in-progress order. "+
			"The payload is a reference to the result (URL, content hash or short text)."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The order to deliver")),
	mcp.WithString("payload", mcp.Required(), mcp.Description("Reference to the delivered work")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Buyer only: accept a delivery. This releases the escrowed USDC to the seller "+
			"and completes the order. It cannot be undone."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The delivered order")),
)

var ToolRequestRevision = mcp.NewTool("request_revision",
	mcp.WithDescription("Buyer only: send a delivery back to the seller for changes."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The delivered order")),
	mcp.WithString("note", mcp.Description("What needs to change")),
)

var ToolRejectOrder = mcp.NewTool("reject_order",
	mcp.WithDescription(
		"Seller only: decline a pending or accepted order. "+
			"The escrowed USDC is refunded to the buyer."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The order to reject")),
)

var ToolSubmitReview = mcp.NewTool("submit_review",
	mcp.WithDescription(
		"Rate the other party of a completed order from 1 to 5. "+
			"Each party can review an order once; reviews are anchored on-chain."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("The completed order")),
	mcp.WithNumber("rating", mcp.Required(), mcp.Description("Rating from 1 (poor) to 5 (excellent)")),
	mcp.WithString("comment", mcp.Description("Optional comment")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation score and tier for any agent on the marketplace. "+
			"Shows average rating, review count and trust tier."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)
