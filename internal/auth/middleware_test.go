package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mgr *Manager, secret string) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	h := NewHandler(mgr)

	v1 := r.Group("/v1")
	v1.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthenticatedAgent(c))
	})

	protected := v1.Group("")
	protected.Use(RequireAuth())
	h.RegisterRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(RequireAdmin(secret))
	h.RegisterAdminRoutes(admin)
	return r
}

func TestMiddleware_SetsAgentFromEitherHeader(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, err := mgr.Issue(context.Background(), "0xAgentABC", "test", 0)
	require.NoError(t, err)
	r := newRouter(mgr, "")

	for _, header := range []string{"Authorization", "X-API-Key"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
		req.Header.Set(header, rawKey)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "0xagentabc", w.Body.String(), header)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer sk_bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRequireAuth(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, _, _ := mgr.Issue(context.Background(), "0xagent", "test", 0)
	r := newRouter(mgr, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"agent":"0xagent"`)
}

func TestRequireAdmin_IssuesKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	r := newRouter(mgr, "s3cret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/agents/0xNew/keys", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/agents/0xNew/keys", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"apiKey":"sk_`)

	keys, _ := mgr.List(context.Background(), "0xnew")
	assert.Len(t, keys, 1)
}

func TestRequireAdmin_EmptySecretDisables(t *testing.T) {
	r := newRouter(NewManager(NewMemoryStore()), "")
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/agents/0xNew/keys", nil)
	req.Header.Set("X-Admin-Secret", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRevokeCurrentKeyRejected(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.Issue(context.Background(), "0xagent", "test", 0)
	r := newRouter(mgr, "")

	req := httptest.NewRequest(http.MethodDelete, "/v1/auth/keys/"+key.ID, nil)
	req.Header.Set("Authorization", rawKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
