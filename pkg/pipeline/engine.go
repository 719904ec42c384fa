// Package pipeline validates and executes DAGs of heterogeneous nodes:
// trigger, agent, condition, action, parallel and delay. Traversal is
// topological; a node runs once all its predecessors are terminal.
// Failures are handled with per-node retry, a per-node-type circuit
// breaker across runs and fail-fast run termination.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/worker"
)

// Store is the slice of the persistence contract the engine needs.
type Store interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error)
	GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error)
	RecordPipelineOutcome(ctx context.Context, id int64, succeeded bool, duration time.Duration) error

	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error)
	GetPipelineRun(ctx context.Context, id int64) (*models.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, id int64, status models.RunStatus, errMsg string) error
	PersistNodeStates(ctx context.Context, runID int64, states map[string]models.NodeState) error

	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
}

// Options configure the engine.
type Options struct {
	// DefaultRunTimeout bounds runs whose pipeline sets no timeout.
	DefaultRunTimeout time.Duration
	// DefaultMaxAttempts is the per-node attempt budget when the node
	// config sets none.
	DefaultMaxAttempts int
	// BreakerThreshold is the consecutive-failure count per node type
	// that opens the circuit.
	BreakerThreshold int
	// BreakerReset is how long an open breaker stays open.
	BreakerReset time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DefaultRunTimeout <= 0 {
		out.DefaultRunTimeout = time.Hour
	}
	if out.DefaultMaxAttempts <= 0 {
		out.DefaultMaxAttempts = 3
	}
	if out.BreakerThreshold <= 0 {
		out.BreakerThreshold = 5
	}
	if out.BreakerReset <= 0 {
		out.BreakerReset = time.Minute
	}
	return out
}

// Per-node retry backoff defaults; node config may override.
const (
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultBackoffMultiplier = 2.0
)

// Engine executes pipelines. One dispatcher goroutine per run.
type Engine struct {
	opts     Options
	store    Store
	bus      *bus.Bus
	resolver worker.Resolver
	registry *Registry
	breakers *breakerSet

	mu   sync.Mutex
	runs map[int64]*activeRun

	wg sync.WaitGroup
}

// activeRun is the in-memory handle for one executing run.
type activeRun struct {
	cancel    context.CancelFunc
	cancelled chan struct{} // closed by Cancel, distinguishes from timeout
	once      sync.Once
}

// New builds an engine.
func New(st Store, eventBus *bus.Bus, resolver worker.Resolver, registry *Registry, opts Options) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	opts = opts.withDefaults()
	return &Engine{
		opts:     opts,
		store:    st,
		bus:      eventBus,
		resolver: resolver,
		registry: registry,
		breakers: newBreakerSet(opts.BreakerThreshold, opts.BreakerReset),
		runs:     make(map[int64]*activeRun),
	}
}

// CreatePipeline validates the graph and stores the definition.
func (e *Engine) CreatePipeline(ctx context.Context, req models.CreatePipelineRequest) (*models.Pipeline, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	switch req.Status {
	case "", models.PipelineStatusDraft, models.PipelineStatusActive, models.PipelineStatusPaused:
	default:
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	if err := e.validateGraph(req.Nodes, req.Edges); err != nil {
		return nil, err
	}
	return e.store.CreatePipeline(ctx, &models.Pipeline{
		Name:           strings.TrimSpace(req.Name),
		Status:         req.Status,
		Nodes:          req.Nodes,
		Edges:          req.Edges,
		TimeoutSeconds: req.TimeoutSeconds,
	})
}

// Run starts one execution of an active pipeline and returns the run
// row immediately; execution proceeds in the background.
func (e *Engine) Run(ctx context.Context, pipelineID int64, trigger map[string]any) (*models.PipelineRun, error) {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PipelineStatusActive {
		return nil, fmt.Errorf("pipeline %d in status %q: %w", pipelineID, p.Status, ErrPipelineNotActive)
	}

	states := make(map[string]models.NodeState, len(p.Nodes))
	for _, n := range p.Nodes {
		states[n.ID] = models.NodeStatePending
	}
	row, err := e.store.CreatePipelineRun(ctx, &models.PipelineRun{
		PipelineID: p.ID,
		Status:     models.RunStatusPending,
		NodeStates: states,
		Trigger:    trigger,
	})
	if err != nil {
		return nil, err
	}

	timeout := e.opts.DefaultRunTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	handle := &activeRun{cancel: cancel, cancelled: make(chan struct{})}

	e.mu.Lock()
	e.runs[row.ID] = handle
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.runs, row.ID)
			e.mu.Unlock()
		}()
		e.execute(runCtx, p, row, handle)
	}()
	return row, nil
}

// Cancel requests cooperative cancellation of an executing run.
// In-flight nodes observe their context; unstarted nodes are skipped.
func (e *Engine) Cancel(runID int64) error {
	e.mu.Lock()
	handle, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %d: %w", runID, ErrRunNotActive)
	}
	handle.once.Do(func() {
		close(handle.cancelled)
		handle.cancel()
	})
	return nil
}

// Active returns the number of runs executing on this instance.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Shutdown cancels all executing runs and waits for their dispatchers
// to persist terminal state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, handle := range e.runs {
		h := handle
		h.once.Do(func() {
			close(h.cancelled)
			h.cancel()
		})
	}
	e.mu.Unlock()
	e.wg.Wait()
	slog.Info("Pipeline engine shut down")
}

// configInt64 reads an integer config value regardless of the JSON
// number representation it arrived in.
func configInt64(config map[string]any, key string) int64 {
	switch n := config[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// configSeconds reads a duration config value expressed in seconds.
func configSeconds(config map[string]any, key string) time.Duration {
	switch n := config[key].(type) {
	case int64:
		return time.Duration(n) * time.Second
	case int:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	}
	return 0
}

func configFloat(config map[string]any, key string, def float64) float64 {
	switch n := config[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}
