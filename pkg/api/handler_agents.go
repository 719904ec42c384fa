package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/services"
)

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type createAgentRequest struct {
	Name            string          `json:"name" binding:"required"`
	Role            string          `json:"role" binding:"required"`
	Persona         string          `json:"persona"`
	Traits          []string        `json:"traits"`
	Specializations []string        `json:"specializations"`
	Language        string          `json:"language"`
	Model           models.ModelRef `json:"model"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.agents.CreateAgent(c.Request.Context(), services.CreateAgentInput{
		Name:            req.Name,
		Role:            req.Role,
		Persona:         req.Persona,
		Traits:          req.Traits,
		Specializations: req.Specializations,
		Language:        req.Language,
		Model:           req.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	agents, err := s.agents.ListAgents(c.Request.Context(), activeOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.agents.GetAgent(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type recordMetricsRequest struct {
	TasksCompleted int     `json:"tasks_completed"`
	Quality        float64 `json:"quality"`
	Approved       *bool   `json:"approved,omitempty"`
}

func (s *Server) handleRecordAgentMetrics(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req recordMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.agents.RecordTaskOutcome(c.Request.Context(), id, models.AgentMetricsDelta{
		TasksCompleted: req.TasksCompleted,
		Quality:        req.Quality,
		Approved:       req.Approved,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
