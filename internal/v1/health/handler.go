package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"go.uber.org/zap"
)

const readinessTimeout = 3 * time.Second

// Checker reports whether one dependency can serve traffic.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Pinger is satisfied by the Redis bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints
type Handler struct {
	mu     sync.RWMutex
	checks map[string]Checker
	now    func() time.Time
}

// NewHandler creates a health handler. redis may be nil in single-instance
// mode, in which case it always reports healthy.
func NewHandler(redis Pinger) *Handler {
	h := &Handler{
		checks: make(map[string]Checker),
		now:    time.Now,
	}
	h.Register("redis", CheckFunc(func(ctx context.Context) error {
		if redis == nil {
			return nil
		}
		return redis.Ping(ctx)
	}))
	return h
}

// Register adds or replaces a readiness check.
func (h *Handler) Register(name string, c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = c
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: h.timestamp(),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if every registered check passes, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Checker, len(h.checks))
	for name, chk := range h.checks {
		checks[name] = chk
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := checks[name].Check(ctx); err != nil {
			logging.Error(ctx, "Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = "unhealthy"
			allHealthy = false
			continue
		}
		results[name] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    results,
		Timestamp: h.timestamp(),
	})
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}
