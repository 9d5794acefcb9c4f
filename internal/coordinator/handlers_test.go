package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/orders"
)

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	handler := NewHandler(h.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAgent, c.GetHeader("X-Test-Agent"))
		c.Next()
	})
	handler.RegisterProtectedRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, h
}

func do(r *gin.Engine, method, path, agent string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Agent", agent)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) View {
	t.Helper()
	var v View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_OrderLifecycle(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/orders", buyer, PlaceOrderRequest{GigID: gigID, Tier: "basic", Brief: "fox"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	placed := decodeView(t, w)
	assert.Equal(t, string(orders.StatusPending), placed.Status)
	id := placed.OrderID

	for _, action := range []string{"accept", "start"} {
		w = do(r, http.MethodPost, "/v1/orders/"+id+"/"+action, seller, nil)
		require.Equal(t, http.StatusOK, w.Code, action+": "+w.Body.String())
	}
	w = do(r, http.MethodPost, "/v1/orders/"+id+"/deliver", seller, DeliverRequest{Payload: "ipfs://fox.svg"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(orders.StatusDelivered), decodeView(t, w).Status)

	w = do(r, http.MethodPost, "/v1/orders/"+id+"/confirm", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decodeView(t, w)
	assert.Equal(t, string(orders.StatusCompleted), done.Status)
	assert.False(t, done.AwaitingConfirmation)
	assert.NotEmpty(t, done.Order.ReleaseTxRef)

	w = do(r, http.MethodGet, "/v1/orders/"+id+"/settlements", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ops struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	assert.Equal(t, 2, ops.Count)
}

func TestHandler_PendingSettlementReturnsAccepted(t *testing.T) {
	r, h := setupRouter(t)
	id := h.delivered(t)
	h.sim.SetAutoMine(false)

	w := do(r, http.MethodPost, "/v1/orders/"+id+"/confirm", buyer, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	v := decodeView(t, w)
	assert.True(t, v.AwaitingConfirmation)
	assert.Equal(t, string(orders.StatusDelivered), v.Status)
	assert.Equal(t, orders.StatusCompleted, v.PendingStatus)
}

func TestHandler_Errors(t *testing.T) {
	r, h := setupRouter(t)
	id := h.place(t).OrderID

	tests := []struct {
		name   string
		method string
		path   string
		agent  string
		body   any
		status int
		code   string
	}{
		{"missing tier", http.MethodPost, "/v1/orders", buyer, map[string]string{"gigId": gigID}, http.StatusBadRequest, "invalid_request"},
		{"unknown gig", http.MethodPost, "/v1/orders", buyer, PlaceOrderRequest{GigID: "gig_nope", Tier: "basic"}, http.StatusNotFound, "gig_not_found"},
		{"unknown tier", http.MethodPost, "/v1/orders", buyer, PlaceOrderRequest{GigID: gigID, Tier: "gold"}, http.StatusNotFound, "tier_not_found"},
		{"insufficient funds", http.MethodPost, "/v1/orders", broke, PlaceOrderRequest{GigID: gigID, Tier: "basic"}, http.StatusPaymentRequired, "insufficient_funds"},
		{"wrong actor", http.MethodPost, "/v1/orders/" + id + "/accept", buyer, nil, http.StatusForbidden, "forbidden"},
		{"invalid transition", http.MethodPost, "/v1/orders/" + id + "/start", seller, nil, http.StatusConflict, "invalid_transition"},
		{"missing payload", http.MethodPost, "/v1/orders/" + id + "/deliver", seller, map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"unknown order", http.MethodPost, "/v1/orders/ord_missing/accept", seller, nil, http.StatusNotFound, "order_not_found"},
		{"stranger reads order", http.MethodGet, "/v1/orders/" + id, stranger, nil, http.StatusForbidden, "forbidden"},
		{"other agent's list", http.MethodGet, "/v1/agents/" + seller + "/orders", buyer, nil, http.StatusForbidden, "forbidden"},
		{"retry healthy order", http.MethodPost, "/v1/admin/orders/" + id + "/settlement/retry", "ops", nil, http.StatusConflict, "invalid_transition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.agent, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestHandler_PlacementFailureIsRetryable(t *testing.T) {
	r, h := setupRouter(t)
	h.sim.FailNextSubmit(errors.New("connection refused"))

	w := do(r, http.MethodPost, "/v1/orders", buyer, PlaceOrderRequest{GigID: gigID, Tier: "basic"})
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "settlement_failed", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestHandler_ListByAgent(t *testing.T) {
	r, h := setupRouter(t)
	h.place(t)
	h.place(t)

	w := do(r, http.MethodGet, "/v1/agents/"+seller+"/orders", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Orders []orders.Order `json:"orders"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	for _, o := range resp.Orders {
		assert.Equal(t, seller, o.SellerID)
	}
}

func TestHandler_ListByAgentPages(t *testing.T) {
	r, h := setupRouter(t)
	placed := map[string]bool{}
	for i := 0; i < 3; i++ {
		placed[h.place(t).OrderID] = true
	}

	type page struct {
		Orders     []orders.Order `json:"orders"`
		NextCursor string         `json:"nextCursor"`
		HasMore    bool           `json:"hasMore"`
	}
	var first, second page

	w := do(r, http.MethodGet, "/v1/agents/"+buyer+"/orders?limit=2", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Orders, 2)
	require.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	w = do(r, http.MethodGet, "/v1/agents/"+buyer+"/orders?limit=2&cursor="+first.NextCursor, buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Orders, 1)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextCursor)

	for _, o := range append(first.Orders, second.Orders...) {
		assert.True(t, placed[o.ID], "unexpected order %s", o.ID)
		delete(placed, o.ID)
	}
	assert.Empty(t, placed, "every order listed exactly once")

	w = do(r, http.MethodGet, "/v1/agents/"+buyer+"/orders?cursor=garbage!", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdminRetry(t *testing.T) {
	r, h := setupRouter(t)
	id := h.delivered(t)
	h.sim.FailNextSubmit(errors.New("rpc down"), errors.New("rpc down"), errors.New("rpc down"))

	w := do(r, http.MethodPost, "/v1/orders/"+id+"/confirm", buyer, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	for i := 0; i < 2; i++ {
		h.clock.Advance(10 * time.Second)
		_, err := h.svc.Reconcile(t.Context(), settlementKey(id, orders.StatusCompleted))
		require.NoError(t, err)
	}

	w = do(r, http.MethodGet, "/v1/admin/settlements/failed", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
	assert.Contains(t, w.Body.String(), `"deposits":[]`)

	w = do(r, http.MethodPost, "/v1/admin/orders/"+id+"/settlement/retry", "ops", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(orders.StatusCompleted), decodeView(t, w).Status)
}
