package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/services"
)

type createCircleRequest struct {
	Name          string `json:"name" binding:"required"`
	AutoRoute     bool   `json:"auto_route"`
	RequireReview bool   `json:"require_review"`
	ProjectID     *int64 `json:"project_id,omitempty"`
}

func (s *Server) handleCreateCircle(c *gin.Context) {
	var req createCircleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	circle, err := s.circles.CreateCircle(c.Request.Context(), services.CreateCircleInput{
		Name:          req.Name,
		AutoRoute:     req.AutoRoute,
		RequireReview: req.RequireReview,
		ProjectID:     req.ProjectID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, circle)
}

func (s *Server) handleListActiveCircles(c *gin.Context) {
	circles, err := s.circles.ListActiveCircles(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"circles": circles})
}

func (s *Server) handleGetCircle(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	circle, err := s.circles.GetCircle(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, circle)
}

type updateCircleStatusRequest struct {
	Status models.CircleStatus `json:"status" binding:"required"`
}

func (s *Server) handleUpdateCircleStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req updateCircleStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.circles.UpdateStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListCircleMembers(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	members, err := s.circles.Members(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type addMemberRequest struct {
	AgentID           int64    `json:"agent_id" binding:"required"`
	Competencies      []string `json:"competencies"`
	ReviewableDomains []string `json:"reviewable_domains"`
}

func (s *Server) handleAddCircleMember(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	member, err := s.circles.AddMember(c.Request.Context(), id, services.AddMemberInput{
		AgentID:           req.AgentID,
		Competencies:      req.Competencies,
		ReviewableDomains: req.ReviewableDomains,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (s *Server) handleRemoveCircleMember(c *gin.Context) {
	circleID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agentID, ok := pathID(c, "agentID")
	if !ok {
		return
	}
	remaining, err := s.circles.RemoveMember(c.Request.Context(), circleID, agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining_members": remaining})
}
