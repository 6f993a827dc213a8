// Package health exposes liveness and readiness endpoints with
// per-dependency detail.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/kv"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

const checkTimeout = 5 * time.Second

// Dependency is one probed backend.
type Dependency struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Handlers serves the health endpoints.
type Handlers struct {
	repo   repository.Repository
	store  kv.Store
	msgBus bus.MessageBus
	logger *logger.Logger
}

// NewHandlers creates health handlers over the process's dependencies.
func NewHandlers(repo repository.Repository, store kv.Store, msgBus bus.MessageBus, log *logger.Logger) *Handlers {
	return &Handlers{
		repo:   repo,
		store:  store,
		msgBus: msgBus,
		logger: log.WithFields(zap.String("component", "health")),
	}
}

// RegisterHealthRoutes mounts the health endpoints at the router root.
func RegisterHealthRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.Live)
	router.GET("/health/ready", h.Ready)
	router.GET("/health/detailed", h.Detailed)
}

// Live reports process liveness only.
func (h *Handlers) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports 200 only when every dependency answers.
func (h *Handlers) Ready(c *gin.Context) {
	deps := h.check(c.Request.Context())
	for _, d := range deps {
		if !d.OK {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failing": d.Name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Detailed reports per-dependency status and latency.
func (h *Handlers) Detailed(c *gin.Context) {
	deps := h.check(c.Request.Context())
	status := http.StatusOK
	overall := "ok"
	for _, d := range deps {
		if !d.OK {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}

func (h *Handlers) check(ctx context.Context) []Dependency {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	out := make([]Dependency, 0, 3)

	start := time.Now()
	err := h.repo.Health(ctx)
	out = append(out, dependency("db", time.Since(start), err))

	start = time.Now()
	_, err = h.store.Health(ctx)
	out = append(out, dependency("kv", time.Since(start), err))

	start = time.Now()
	_, err = h.msgBus.Health(ctx)
	out = append(out, dependency("bus", time.Since(start), err))

	for _, d := range out {
		if !d.OK {
			h.logger.Warn("dependency unhealthy",
				zap.String("dependency", d.Name),
				zap.String("error", d.Error))
		}
	}
	return out
}

func dependency(name string, elapsed time.Duration, err error) Dependency {
	d := Dependency{Name: name, OK: err == nil, LatencyMs: elapsed.Milliseconds()}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
