package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

const agent = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		APIKey:       "sk_test_key",
		AgentAddress: agent,
	}
	h := NewHandlers(newClient(cfg))
	return h, ts.Close
}

func newClient(cfg Config) *MarketClient {
	c := NewMarketClient(cfg)
	c.retryDelay = time.Millisecond
	return c
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AgentAddress: agent})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "chain_unavailable",
			"message":   "rpc down",
			"retryable": true,
		})
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "chain_unavailable", apiErr.Code)
	assert.True(t, apiErr.Retryable)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "rpc down")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_RetriesTransientReads(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "chain_unavailable", "message": "rpc down", "retryable": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "ord_1"})
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	body, err := client.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Contains(t, string(body), "ord_1")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryWritesOrClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "chain_unavailable", "message": "rpc down", "retryable": true})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "order not found"})
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	_, err := client.Transition(context.Background(), "ord_1", "confirm", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := newClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k", AgentAddress: agent})
	_, err := client.GetOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_PlaceOrder_Body(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		writeJSON(w, http.StatusCreated, map[string]any{"orderId": "ord_1", "status": "PENDING"})
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	_, err := client.PlaceOrder(context.Background(), "gig_1", "basic", "", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"gigId": "gig_1", "tier": "basic", "clientRef": "ref-1"}, got)
}

func TestClient_ListMyOrders_UsesAgentAddress(t *testing.T) {
	var gotPath, gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{"orders": []any{}, "count": 0})
	}))
	defer ts.Close()

	client := newClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: agent})
	_, err := client.ListMyOrders(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "/v1/agents/"+agent+"/orders", gotPath)
	assert.Equal(t, "5", gotLimit)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandlePlaceOrder_Confirmed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"orderId":              "ord_abc",
			"status":               "PENDING",
			"awaitingConfirmation": false,
			"order": map[string]any{
				"id":       "ord_abc",
				"gigId":    "gig_1",
				"buyerId":  agent,
				"sellerId": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				"tier":     "basic",
				"price":    "20.000000",
				"status":   "PENDING",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{
		"gig_id": "gig_1",
		"tier":   "basic",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Order: ord_abc")
	assert.Contains(t, text, "Status: PENDING")
	assert.Contains(t, text, "20.000000 USDC")
	assert.NotContains(t, text, "waiting for on-chain confirmation")
}

func TestHandlePlaceOrder_AwaitingDeposit(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"orderId":              "ord_abc",
			"status":               "AWAITING_DEPOSIT",
			"settlement":           "PENDING",
			"awaitingConfirmation": true,
			"pendingStatus":        "PENDING",
			"pendingTxHash":        "0xdeadbeef",
		})
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{
		"gig_id": "gig_1",
		"tier":   "basic",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "AWAITING_DEPOSIT")
	assert.Contains(t, text, "waiting for on-chain confirmation")
	assert.Contains(t, text, "0xdeadbeef")
	assert.Contains(t, text, "get_order")
}

func TestHandlePlaceOrder_MissingArgs(t *testing.T) {
	var calls atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{"gig_id": "gig_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "tier is required")
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlePlaceOrder_InsufficientFunds(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient_funds",
			"message": "balance 1.000000 below price 20.000000",
		})
	}))
	defer cleanup()

	result, err := h.HandlePlaceOrder(context.Background(), makeRequest(map[string]any{
		"gig_id": "gig_1",
		"tier":   "basic",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "balance 1.000000 below price 20.000000")
	assert.NotContains(t, text, "retrying is safe")
}

func TestHandleTransitions_Routes(t *testing.T) {
	tests := []struct {
		name   string
		call   func(*Handlers, context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args   map[string]any
		path   string
		status string
	}{
		{"accept", (*Handlers).HandleAcceptOrder, nil, "/v1/orders/ord_1/accept", "ACCEPTED"},
		{"start", (*Handlers).HandleStartWork, nil, "/v1/orders/ord_1/start", "IN_PROGRESS"},
		{"deliver", (*Handlers).HandleDeliver, map[string]any{"payload": "ipfs://x"}, "/v1/orders/ord_1/deliver", "DELIVERED"},
		{"confirm", (*Handlers).HandleConfirmDelivery, nil, "/v1/orders/ord_1/confirm", "COMPLETED"},
		{"revision", (*Handlers).HandleRequestRevision, map[string]any{"note": "bigger"}, "/v1/orders/ord_1/revision", "IN_PROGRESS"},
		{"reject", (*Handlers).HandleRejectOrder, nil, "/v1/orders/ord_1/reject", "REJECTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				writeJSON(w, http.StatusOK, map[string]any{"orderId": "ord_1", "status": tt.status})
			}))
			defer cleanup()

			args := map[string]any{"order_id": "ord_1"}
			for k, v := range tt.args {
				args[k] = v
			}
			result, err := tt.call(h, context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Equal(t, tt.path, gotPath)
			assert.Contains(t, resultText(t, result), "Status: "+tt.status)
		})
	}
}

func TestHandleDeliver_RequiresPayload(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleDeliver(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payload is required")
}

func TestHandleConfirmDelivery_RetryableError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "conflict",
			"message":   "order was modified concurrently",
			"retryable": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleConfirmDelivery(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Failed to confirm order")
	assert.Contains(t, text, "retrying is safe")
}

func TestHandleGetOrder_SettlementFailed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"orderId":       "ord_1",
			"status":        "DELIVERED",
			"settlement":    "FAILED",
			"pendingStatus": "COMPLETED",
			"lastError":     "execution reverted",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "FAILED moving to COMPLETED")
	assert.Contains(t, text, "execution reverted")
}

func TestHandleListMyOrders(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"orders": []map[string]any{
				{"id": "ord_1", "buyerId": agent, "status": "PENDING", "price": "5.000000"},
				{"id": "ord_2", "buyerId": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "status": "DELIVERED", "price": "9.000000"},
			},
			"count": 2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListMyOrders(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 order(s)")
	assert.Contains(t, text, "ord_1 [PENDING] 5.000000 USDC, you are the buyer")
	assert.Contains(t, text, "ord_2 [DELIVERED] 9.000000 USDC, you are the seller")
}

func TestHandleGetGig(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/gigs/gig_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"gig": map[string]any{
				"id":       "gig_1",
				"sellerId": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
				"title":    "Translate docs",
				"active":   true,
				"tiers": []map[string]any{
					{"name": "basic", "price": "5.000000", "deliveryDays": 2, "revisions": 1},
				},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetGig(context.Background(), makeRequest(map[string]any{"gig_id": "gig_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Translate docs (gig_1)")
	assert.Contains(t, text, "basic: 5.000000 USDC, 2 day(s), 1 revision(s)")
}

func TestHandleListSellerGigs_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"gigs": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListSellerGigs(context.Background(), makeRequest(map[string]any{"seller_address": agent}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "no gigs listed")
}

func TestHandleSubmitReview(t *testing.T) {
	var got map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_1/reviews", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusCreated, map[string]any{
			"review": map[string]any{"id": "rev_1", "subjectId": "0xseller", "outcome": "CONFIRMED"},
		})
	}))
	defer cleanup()

	result, err := h.HandleSubmitReview(context.Background(), makeRequest(map[string]any{
		"order_id": "ord_1",
		"rating":   float64(4),
		"comment":  "quick",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, float64(4), got["rating"])
	text := resultText(t, result)
	assert.Contains(t, text, "rev_1")
	assert.Contains(t, text, "4/5")
	assert.Contains(t, text, "CONFIRMED")
}

func TestHandleSubmitReview_RatingOutOfRange(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	for _, rating := range []float64{0, 6} {
		result, err := h.HandleSubmitReview(context.Background(), makeRequest(map[string]any{
			"order_id": "ord_1",
			"rating":   rating,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestHandleGetReputation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"reputation": map[string]any{
				"agent":         agent,
				"score":         72.5,
				"tier":          "trusted",
				"reviewCount":   12,
				"averageRating": 4.5,
				"pendingCount":  1,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetReputation(context.Background(), makeRequest(map[string]any{"agent_address": agent}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Score: 72.5 (trusted)")
	assert.Contains(t, text, "Reviews: 12, average 4.50/5")
	assert.Contains(t, text, "Awaiting on-chain anchoring: 1")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "k", AgentAddress: agent}, "test")
	require.NotNil(t, s)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{
		"get_gig", "list_seller_gigs", "place_order", "get_order", "list_my_orders",
		"accept_order", "start_work", "deliver", "confirm_delivery",
		"request_revision", "reject_order", "submit_review", "get_reputation",
	} {
		assert.Contains(t, string(out), `"`+name+`"`)
	}
}
