package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts /health (all checks), /health/live (process only)
// and /health/ready (all checks, 503 when any fails).
func (r *Registry) RegisterRoutes(g gin.IRouter, version string) {
	g.GET("/health", func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		status := "healthy"
		if !healthy {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "version": version, "checks": statuses})
	})
	g.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	g.GET("/health/ready", func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}
