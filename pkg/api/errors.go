package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/executor"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/pipeline"
	"github.com/quorumhq/quorum/pkg/scheduler"
	"github.com/quorumhq/quorum/pkg/services"
	"github.com/quorumhq/quorum/pkg/store"
)

// respondError maps component errors to HTTP responses. Each package
// carries its own ValidationError type; all map to 400.
func respondError(c *gin.Context, err error) {
	if status, msg := classify(err); status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}
	slog.Error("Unexpected service error",
		"method", c.Request.Method, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func classify(err error) (int, string) {
	var (
		svcErr   *services.ValidationError
		execErr  *executor.ValidationError
		schedErr *scheduler.ValidationError
		pipeErr  *pipeline.ValidationError
		memErr   *memory.ValidationError
	)
	switch {
	case errors.As(err, &svcErr), errors.As(err, &execErr),
		errors.As(err, &schedErr), errors.As(err, &pipeErr),
		errors.As(err, &memErr):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, executor.ErrAtCapacity):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, executor.ErrInvalidTransition),
		errors.Is(err, executor.ErrNotRunning),
		errors.Is(err, scheduler.ErrActionNotActive),
		errors.Is(err, scheduler.ErrRunInProgress),
		errors.Is(err, pipeline.ErrPipelineNotActive),
		errors.Is(err, pipeline.ErrRunNotActive),
		errors.Is(err, services.ErrAgentInactive):
		return http.StatusConflict, err.Error()
	}
	return 0, ""
}
