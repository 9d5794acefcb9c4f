// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// WithTimeout bounds each CheckAll run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Ping adapts a connectivity check such as sql.DB.PingContext.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Fresh reports unhealthy when a background worker has not completed a run
// within maxAge. A worker that has not run yet is healthy only while
// running reports true.
func Fresh(name string, lastRun func() time.Time, running func() bool, maxAge time.Duration) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		last := lastRun()
		if last.IsZero() {
			return Status{Name: name, Healthy: true, Detail: "starting"}
		}
		if age := time.Since(last); age > maxAge {
			return Status{Name: name, Healthy: false, Detail: "last run " + age.Round(time.Second).String() + " ago"}
		}
		return Status{Name: name, Healthy: true, Detail: "last run " + last.UTC().Format(time.RFC3339)}
	}
}

// Handler serves the registry over HTTP.
type Handler struct {
	registry *Registry
	version  string
}

// NewHandler creates a health handler.
func NewHandler(registry *Registry, version string) *Handler {
	return &Handler{registry: registry, version: version}
}

// RegisterRoutes sets up /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Ready)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live answers as long as the process serves requests.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.version})
}

// Ready runs every checker and answers 503 if any fails.
func (h *Handler) Ready(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())
	status, code := http.StatusOK, "healthy"
	if !healthy {
		status, code = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  code,
		"version": h.version,
		"checks":  statuses,
		"time":    time.Now().UTC(),
	})
}
