// Package api exposes the orchestrator over HTTP: REST handlers on
// gin, a WebSocket endpoint fed by the hub, and the health surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/database"
	"github.com/quorumhq/quorum/pkg/executor"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/services"
	"github.com/quorumhq/quorum/pkg/ws"
)

// Store is the read surface the handlers use directly; writes go
// through the owning component.
type Store interface {
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.BackgroundTask, error)
	ListSteps(ctx context.Context, taskID int64) ([]*models.TaskStep, error)

	GetAction(ctx context.Context, id int64) (*models.ScheduledAction, error)
	ListActions(ctx context.Context) ([]*models.ScheduledAction, error)

	GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, id int64, status models.PipelineStatus) error
	DeletePipeline(ctx context.Context, id int64) error
	GetPipelineRun(ctx context.Context, id int64) (*models.PipelineRun, error)
	ListPipelineRuns(ctx context.Context, pipelineID int64, limit int) ([]*models.PipelineRun, error)
}

// TaskExecutor is the executor surface the task handlers use.
type TaskExecutor interface {
	Start(ctx context.Context, req models.CreateTaskRequest) (*models.BackgroundTask, error)
	Pause(ctx context.Context, taskID int64) error
	Resume(ctx context.Context, taskID int64) (*models.BackgroundTask, error)
	Cancel(ctx context.Context, taskID int64) error
	Status(ctx context.Context, taskID int64) (*models.BackgroundTask, error)
	Stats() executor.Stats
}

// ActionScheduler is the scheduler surface the action handlers use.
type ActionScheduler interface {
	CreateAction(ctx context.Context, req models.CreateScheduledActionRequest) (*models.ScheduledAction, error)
	PauseAction(ctx context.Context, id int64) error
	ResumeAction(ctx context.Context, id int64) error
	DeleteAction(ctx context.Context, id int64) error
	TriggerNow(ctx context.Context, id int64) (*models.ScheduledRun, error)
}

// PipelineRunner is the engine surface the pipeline handlers use.
type PipelineRunner interface {
	CreatePipeline(ctx context.Context, req models.CreatePipelineRequest) (*models.Pipeline, error)
	Run(ctx context.Context, pipelineID int64, trigger map[string]any) (*models.PipelineRun, error)
	Cancel(runID int64) error
	Active() int
}

// MemoryService is the memory surface the memory handlers use.
type MemoryService interface {
	Remember(ctx context.Context, req memory.RememberRequest) (*models.Memory, error)
	Recall(ctx context.Context, req memory.RecallRequest) ([]*models.ScoredMemory, error)
	Forget(ctx context.Context, id int64) error
	AddKnowledge(ctx context.Context, agentID int64, content string, tags []string) (*models.Memory, error)
	SearchKnowledge(ctx context.Context, query string, limit int) ([]*models.ScoredMemory, error)
}

// Server wires the HTTP surface over the orchestrator components.
type Server struct {
	cfg       *config.ServerConfig
	db        *database.Client
	store     Store
	agents    *services.AgentService
	circles   *services.CircleService
	executor  TaskExecutor
	scheduler ActionScheduler
	pipelines PipelineRunner
	memory    MemoryService
	hub       *ws.Hub
	bus       *bus.Bus

	http *http.Server
}

// Deps collects the server's collaborators.
type Deps struct {
	DB        *database.Client
	Store     Store
	Agents    *services.AgentService
	Circles   *services.CircleService
	Executor  TaskExecutor
	Scheduler ActionScheduler
	Pipelines PipelineRunner
	Memory    MemoryService
	Hub       *ws.Hub
	Bus       *bus.Bus
}

// NewServer creates the API server. The HTTP listener is not started
// until Start.
func NewServer(cfg *config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		db:        deps.DB,
		store:     deps.Store,
		agents:    deps.Agents,
		circles:   deps.Circles,
		executor:  deps.Executor,
		scheduler: deps.Scheduler,
		pipelines: deps.Pipelines,
		memory:    deps.Memory,
		hub:       deps.Hub,
		bus:       deps.Bus,
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Router(),
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery(), securityHeaders())

	r.GET("/healthz", s.handleHealth)
	r.GET("/ws", s.handleWS)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)

		v1.POST("/agents", s.handleCreateAgent)
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.POST("/agents/:id/metrics", s.handleRecordAgentMetrics)

		v1.POST("/circles", s.handleCreateCircle)
		v1.GET("/circles/active", s.handleListActiveCircles)
		v1.GET("/circles/:id", s.handleGetCircle)
		v1.PUT("/circles/:id/status", s.handleUpdateCircleStatus)
		v1.GET("/circles/:id/members", s.handleListCircleMembers)
		v1.POST("/circles/:id/members", s.handleAddCircleMember)
		v1.DELETE("/circles/:id/members/:agentID", s.handleRemoveCircleMember)

		v1.POST("/tasks", s.handleStartTask)
		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleTaskStatus)
		v1.GET("/tasks/:id/steps", s.handleTaskSteps)
		v1.POST("/tasks/:id/pause", s.handlePauseTask)
		v1.POST("/tasks/:id/resume", s.handleResumeTask)
		v1.POST("/tasks/:id/cancel", s.handleCancelTask)

		v1.POST("/actions", s.handleCreateAction)
		v1.GET("/actions", s.handleListActions)
		v1.GET("/actions/:id", s.handleGetAction)
		v1.DELETE("/actions/:id", s.handleDeleteAction)
		v1.POST("/actions/:id/pause", s.handlePauseAction)
		v1.POST("/actions/:id/resume", s.handleResumeAction)
		v1.POST("/actions/:id/trigger", s.handleTriggerAction)

		v1.POST("/pipelines", s.handleCreatePipeline)
		v1.GET("/pipelines", s.handleListPipelines)
		v1.GET("/pipelines/:id", s.handleGetPipeline)
		v1.DELETE("/pipelines/:id", s.handleDeletePipeline)
		v1.PUT("/pipelines/:id/status", s.handleUpdatePipelineStatus)
		v1.POST("/pipelines/:id/run", s.handleRunPipeline)
		v1.GET("/pipelines/:id/runs", s.handleListPipelineRuns)
		v1.GET("/pipeline-runs/:id", s.handleGetPipelineRun)
		v1.POST("/pipeline-runs/:id/cancel", s.handleCancelPipelineRun)

		v1.POST("/memory/remember", s.handleRemember)
		v1.POST("/memory/recall", s.handleRecall)
		v1.POST("/memory/knowledge", s.handleAddKnowledge)
		v1.GET("/memory/knowledge", s.handleSearchKnowledge)
		v1.DELETE("/memory/:id", s.handleForget)

		v1.GET("/events/history", s.handleEventHistory)
		v1.GET("/events/stats", s.handleEventStats)
	}
	return r
}

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := time.Duration(s.cfg.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
