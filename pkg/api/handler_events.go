package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/bus"
)

func (s *Server) handleEventHistory(c *gin.Context) {
	eventType := bus.Type(c.Query("type"))
	if eventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events := s.bus.History(eventType, nil, limit)
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleEventStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.Stats())
}
