package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/database"
	"github.com/quorumhq/quorum/pkg/version"
)

func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{
		"executor":  s.executor.Stats(),
		"pipelines": gin.H{"active_runs": s.pipelines.Active()},
		"eventbus":  s.bus.Stats(),
		"websocket": s.hub.Stats(),
	}

	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"version":    version.Full(),
			"components": components,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.Pool())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "unhealthy",
			"version":    version.Full(),
			"database":   dbHealth,
			"components": components,
			"error":      err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"version":    version.Full(),
		"database":   dbHealth,
		"components": components,
	})
}
