package reputation

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentbazaar/internal/auth"
	"github.com/mbd888/agentbazaar/internal/chain"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	guard := &fakeGuard{completed: map[string]bool{"ord_done": true, "ord_open": false}}
	rec := NewRecorder(NewMemoryStore(), NewMemoryLedger(chain.NewSimulator(), 1), guard).
		WithLogger(slog.New(slog.DiscardHandler))
	h := NewHandler(rec)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyAgent, c.GetHeader("X-Test-Agent"))
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)
	return r
}

func postReview(r *gin.Engine, orderID, agent string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/orders/"+orderID+"/reviews", bytes.NewReader(data))
	req.Header.Set("X-Test-Agent", agent)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SubmitReview(t *testing.T) {
	r := setupRouter(t)

	w := postReview(r, "ord_done", buyer, SubmitReviewRequest{Rating: 5, Comment: "fast"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Review Review `json:"review"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, seller, resp.Review.SubjectID)
	assert.Equal(t, OutcomeConfirmed, resp.Review.Outcome)

	w = postReview(r, "ord_done", buyer, SubmitReviewRequest{Rating: 4})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate_review")
}

func TestHandler_SubmitReviewErrors(t *testing.T) {
	r := setupRouter(t)

	tests := []struct {
		name    string
		orderID string
		agent   string
		body    any
		status  int
		code    string
	}{
		{"missing rating", "ord_done", buyer, map[string]any{"comment": "x"}, http.StatusBadRequest, "invalid_request"},
		{"rating out of range", "ord_done", buyer, SubmitReviewRequest{Rating: 9}, http.StatusBadRequest, "invalid_review"},
		{"not completed", "ord_open", buyer, SubmitReviewRequest{Rating: 3}, http.StatusConflict, "order_not_completed"},
		{"stranger", "ord_done", "0x9999999999999999999999999999999999999999", SubmitReviewRequest{Rating: 3}, http.StatusForbidden, "not_party"},
		{"unknown order", "ord_missing", buyer, SubmitReviewRequest{Rating: 3}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postReview(r, tt.orderID, tt.agent, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestHandler_ReadRoutes(t *testing.T) {
	r := setupRouter(t)
	require.Equal(t, http.StatusCreated, postReview(r, "ord_done", seller, SubmitReviewRequest{Rating: 2}).Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders/ord_done/reviews", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/agents/"+buyer+"/reputation", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reputation Summary `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Reputation.ReviewCount)
	assert.Equal(t, TierEmerging, resp.Reputation.Tier)
}
