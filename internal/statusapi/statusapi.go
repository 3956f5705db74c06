// Package statusapi exposes a minimal, read-only Gin surface for
// external health probes and dashboards: GET /health and GET /metrics.
// It follows the teacher's router.GET("/health", ...) /
// router.GET("/metrics", ...) registration (internal/api/routes) and
// internal/monitoring.Monitor's system/application metrics split, but
// carries hive-mind aggregates instead of HTTP request counters.
package statusapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hivemind/coordinator/internal/store/models"
	"github.com/hivemind/coordinator/internal/store/repositories"
)

// SwarmMetricsProvider lets the server read live, in-memory swarm
// metrics (internal/swarm.Core.GetMetrics) without importing swarm
// directly, avoiding an import cycle with the composition root.
type SwarmMetricsProvider interface {
	GetMetrics() map[string]interface{}
}

// Server wraps a Gin engine with the coordinator's health/metrics
// handlers.
type Server struct {
	engine  *gin.Engine
	http    *http.Server
	repos   repositories.RepositoryManager
	logger  *logrus.Logger
	started time.Time
	swarms  SwarmMetricsProvider
}

// New builds a Server bound to addr; pass the repository manager for
// store-backed aggregates and an optional SwarmMetricsProvider for
// live per-swarm throughput.
func New(addr string, repos repositories.RepositoryManager, swarms SwarmMetricsProvider, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{
		engine:  engine,
		repos:   repos,
		logger:  logger,
		started: time.Now(),
		swarms:  swarms,
	}
	engine.GET("/health", s.getHealth)
	engine.GET("/metrics", s.getMetrics)
	s.http = &http.Server{Addr: addr, Handler: engine, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	return s
}

// Start begins serving in the background. Errors after a clean
// Shutdown are swallowed, matching the teacher's http.ErrServerClosed
// handling in cmd/server/main.go.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("status API server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if err := s.repos.Health(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"uptime_s":   time.Since(s.started).Seconds(),
		"goroutines": runtime.NumGoroutine(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	ctx := c.Request.Context()

	swarms, err := s.repos.Swarm().GetByStatus(ctx, models.SwarmStatusActive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load swarms"})
		return
	}

	perSwarm := make(map[string]interface{}, len(swarms))
	for _, sw := range swarms {
		agents, _ := s.repos.Agent().GetBySwarm(ctx, sw.ID)
		tasks, _ := s.repos.Task().GetBySwarm(ctx, sw.ID)
		completed := 0
		for _, t := range tasks {
			if t.Status == models.TaskStatusCompleted {
				completed++
			}
		}
		completion := 0.0
		if len(tasks) > 0 {
			completion = float64(completed) / float64(len(tasks)) * 100
		}
		perSwarm[sw.ID] = gin.H{
			"name":                  sw.Name,
			"status":                sw.Status,
			"agent_count":           len(agents),
			"task_count":            len(tasks),
			"completion_percentage": completion,
		}
	}

	resp := gin.H{
		"active_swarms": len(swarms),
		"per_swarm":      perSwarm,
		"timestamp":      time.Now(),
	}
	if s.swarms != nil {
		resp["live"] = s.swarms.GetMetrics()
	}
	c.JSON(http.StatusOK, resp)
}
