package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/chain"
	"github.com/mbd888/agentbazaar/internal/config"
)

const (
	adminSecret = "test-admin-secret"
	buyer       = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	seller      = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		ChainMode:           config.ChainMemory,
		Confirmations:       1,
		ReconcileInterval:   time.Second,
		MaxSettleAttempts:   3,
		ConfirmationTimeout: time.Minute,
		RetryBase:           time.Second,
		RetryMax:            4 * time.Second,
		LeaseTTL:            time.Minute,
		RateLimitRPM:        1000,
		AdminSecret:         adminSecret,
	}
}

// newTestServer creates a server on in-memory stores and a simulated chain
func newTestServer(t *testing.T) (*Server, *chain.Simulator) {
	t.Helper()
	sim := chain.NewSimulator()
	s, err := New(testConfig(),
		WithSimulator(sim),
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, sim
}

type client struct {
	t      *testing.T
	router *gin.Engine
}

func (c client) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func issueKey(t *testing.T, s *Server, agent string) string {
	t.Helper()
	raw, _, err := s.AuthManager().Issue(context.Background(), agent, "test", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return raw
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := client{t, s.Router()}.do(http.MethodGet, "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t)
	c := client{t, s.Router()}

	w := c.do(http.MethodGet, "/health/live", map[string]string{"X-Request-ID": "lb-7f3a9c21"}, nil)
	if got := w.Header().Get("X-Request-ID"); got != "lb-7f3a9c21" {
		t.Errorf("caller request id not echoed: %q", got)
	}

	w = c.do(http.MethodGet, "/health/live", map[string]string{"X-Request-ID": "not a token"}, nil)
	if got := w.Header().Get("X-Request-ID"); got == "" || strings.Contains(got, " ") {
		t.Errorf("unsafe request id was not replaced: %q", got)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	c := client{t, s.Router()}

	// Not started: the server is not ready and the reconciler is not running.
	w := c.do(http.MethodGet, "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before Run, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "reconciler") {
		t.Errorf("expected reconciler check in %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := client{t, s.Router()}.do(http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agentbazaar_") {
		t.Error("expected agentbazaar metrics")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	w := client{t, s.Router()}.do(http.MethodGet, "/v1/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAccessControl(t *testing.T) {
	s, _ := newTestServer(t)
	c := client{t, s.Router()}
	key := issueKey(t, s, buyer)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		status  int
	}{
		{"order without key", http.MethodPost, "/v1/orders", nil, http.StatusUnauthorized},
		{"order with bad key", http.MethodPost, "/v1/orders", bearer("sk_bogus"), http.StatusUnauthorized},
		{"admin without secret", http.MethodGet, "/v1/admin/settlements/failed", bearer(key), http.StatusForbidden},
		{"admin with wrong secret", http.MethodGet, "/v1/admin/settlements/failed", map[string]string{"X-Admin-Secret": "nope"}, http.StatusForbidden},
		{"admin with secret", http.MethodGet, "/v1/admin/settlements/failed", map[string]string{"X-Admin-Secret": adminSecret}, http.StatusOK},
		{"malformed address", http.MethodGet, "/v1/agents/not-an-address/gigs", nil, http.StatusBadRequest},
		{"event stream without key", http.MethodGet, "/v1/ws", nil, http.StatusUnauthorized},
		{"operator stream with agent key", http.MethodGet, "/v1/admin/ws", bearer(key), http.StatusForbidden},
		{"public gig list", http.MethodGet, "/v1/agents/" + seller + "/gigs", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := c.do(tt.method, tt.path, tt.headers, map[string]string{})
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestOrderFlow(t *testing.T) {
	s, sim := newTestServer(t)
	c := client{t, s.Router()}
	buyerKey := issueKey(t, s, buyer)
	sellerKey := issueKey(t, s, seller)
	admin := map[string]string{"X-Admin-Secret": adminSecret}

	w := c.do(http.MethodPost, "/v1/admin/faucet", admin, FaucetRequest{Address: buyer, Amount: "50"})
	if w.Code != http.StatusOK {
		t.Fatalf("faucet: %d %s", w.Code, w.Body.String())
	}

	w = c.do(http.MethodPost, "/v1/gigs", bearer(sellerKey), map[string]any{
		"title": "Logo design",
		"tiers": []map[string]any{{"name": "basic", "price": "20", "deliveryDays": 3}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create gig: %d %s", w.Code, w.Body.String())
	}
	var gigResp struct {
		Gig struct {
			ID string `json:"id"`
		} `json:"gig"`
	}
	decode(t, w, &gigResp)

	w = c.do(http.MethodPost, "/v1/orders", bearer(buyerKey), map[string]string{"gigId": gigResp.Gig.ID, "tier": "basic"})
	if w.Code != http.StatusCreated {
		t.Fatalf("place order: %d %s", w.Code, w.Body.String())
	}
	var placed struct {
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
	}
	decode(t, w, &placed)
	if placed.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", placed.Status)
	}
	if got := sim.Balance(buyer).String(); got != "30000000" {
		t.Fatalf("expected 30 USDC left after escrow, got %s units", got)
	}

	base := "/v1/orders/" + placed.OrderID
	steps := []struct {
		action string
		key    string
		body   any
	}{
		{"accept", sellerKey, nil},
		{"start", sellerKey, nil},
		{"deliver", sellerKey, map[string]string{"payload": "ipfs://logo.svg"}},
		{"confirm", buyerKey, nil},
	}
	for _, step := range steps {
		w = c.do(http.MethodPost, base+"/"+step.action, bearer(step.key), step.body)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.action, w.Code, w.Body.String())
		}
	}
	var done struct {
		Status string `json:"status"`
	}
	decode(t, w, &done)
	if done.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	if got := sim.Balance(seller).String(); got != "20000000" {
		t.Fatalf("expected seller paid 20 USDC, got %s units", got)
	}

	w = c.do(http.MethodPost, base+"/reviews", bearer(buyerKey), map[string]any{"rating": 5, "comment": "crisp"})
	if w.Code != http.StatusCreated {
		t.Fatalf("review: %d %s", w.Code, w.Body.String())
	}
	w = c.do(http.MethodPost, base+"/reviews", bearer(buyerKey), map[string]any{"rating": 4})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate review: expected 409, got %d %s", w.Code, w.Body.String())
	}

	w = c.do(http.MethodGet, "/v1/agents/"+seller+"/reputation", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reputation: %d %s", w.Code, w.Body.String())
	}

	// A stranger cannot read the order.
	strangerKey := issueKey(t, s, "0xcccccccccccccccccccccccccccccccccccccccc")
	w = c.do(http.MethodGet, base, bearer(strangerKey), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", w.Code)
	}
}

func TestFaucetValidation(t *testing.T) {
	s, _ := newTestServer(t)
	c := client{t, s.Router()}
	admin := map[string]string{"X-Admin-Secret": adminSecret}

	for _, body := range []FaucetRequest{
		{Address: "0x123", Amount: "10"},
		{Address: buyer, Amount: "-1"},
		{Address: buyer, Amount: "0"},
	} {
		w := c.do(http.MethodPost, "/v1/admin/faucet", admin, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%+v: expected 400, got %d", body, w.Code)
		}
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://bazaar:hunter2@db:5432/agentbazaar?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("password leaked: %s", got)
	}
}
