package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/owent/libatapp-sub000/internal/registry"
	"github.com/owent/libatapp-sub000/pkg/logging"
)

// DebugRouter builds an optional gin HTTP surface for operators:
// /health, /metrics, /debug/endpoints, /debug/topology.
func (a *App) DebugRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.debugRequestLog())

	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/debug/endpoints", a.handleDebugEndpoints)
	router.GET("/debug/topology", a.handleDebugTopology)
	return router
}

func (a *App) debugRequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.WithFields(logging.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("app: debug request")
	}
}

func (a *App) handleHealth(c *gin.Context) {
	status := "healthy"
	if a.cfg.Etcd.Enable && a.registryClient != nil && a.registryClient.State() != registry.StateReady {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"initialized": a.flags.Has(FlagInitialized),
		"running":     a.flags.Has(FlagRunning),
	})
}

type endpointDebugView struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Pending int    `json:"pending"`
	Handles int    `json:"handles"`
}

func (a *App) handleDebugEndpoints(c *gin.Context) {
	a.endpointsMu.Lock()
	out := make([]endpointDebugView, 0, len(a.endpoints))
	for id, ep := range a.endpoints {
		out = append(out, endpointDebugView{ID: id, Name: ep.Name(), Pending: ep.PendingCount(), Handles: ep.HandleCount()})
	}
	a.endpointsMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

func (a *App) handleDebugTopology(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": a.discoverySet.Brief()})
}
