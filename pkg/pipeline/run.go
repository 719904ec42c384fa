package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
)

// nodeResult is the outcome of one node execution delivered back to
// the run dispatcher.
type nodeResult struct {
	nodeID string
	state  models.NodeState
	output any
	err    error
	// skipNode names the opposite-branch successor of a condition node,
	// marked skipped by the dispatcher.
	skipNode string
}

// execute drives one run to a terminal state. A single dispatcher
// goroutine owns the node states and run context; node executions run
// concurrently and report back on a channel.
func (e *Engine) execute(ctx context.Context, p *models.Pipeline, row *models.PipelineRun, handle *activeRun) {
	logger := slog.With("pipeline_id", p.ID, "run_id", row.ID)
	started := time.Now()
	// Store writes use a background context: a cancelled run must still
	// persist its terminal state.
	bgCtx := context.Background()

	states := make(map[string]models.NodeState, len(p.Nodes))
	for id, st := range row.NodeStates {
		states[id] = st
	}
	outputs := make(map[string]any)

	preds := make(map[string][]string)
	outEdges := make(map[string][]models.PipelineEdge)
	for _, edge := range p.Edges {
		preds[edge.ToNode] = append(preds[edge.ToNode], edge.FromNode)
		outEdges[edge.FromNode] = append(outEdges[edge.FromNode], edge)
	}

	if err := e.store.UpdateRunStatus(bgCtx, row.ID, models.RunStatusRunning, ""); err != nil {
		logger.Error("Failed to mark run running", "error", err)
		return
	}
	e.publishRunEvent(bgCtx, bus.TypePipelineRunStarted, p, row, nil)
	logger.Info("Pipeline run started", "nodes", len(p.Nodes))

	results := make(chan nodeResult)
	doneCh := ctx.Done()
	inFlight := 0
	failed := false
	failMsg := ""
	aborted := false

	for {
		if !failed && !aborted {
			inFlight += e.launchRunnable(ctx, p, row, states, outputs, preds, outEdges, results)
		}
		e.persistStates(bgCtx, row.ID, states, logger)

		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--
			states[res.nodeID] = res.state
			node := p.Node(res.nodeID)
			switch res.state {
			case models.NodeStateSucceeded:
				outputs[res.nodeID] = res.output
				e.publishNodeEvent(bgCtx, bus.TypePipelineNodeSucceeded, p, row, node, nil)
			case models.NodeStateFailed:
				e.publishNodeEvent(bgCtx, bus.TypePipelineNodeFailed, p, row, node, map[string]any{
					"error": res.err.Error(),
				})
				logger.Warn("Pipeline node failed", "node_id", res.nodeID, "error", res.err)
				if !failed {
					// Fail-fast: abort the rest of the run.
					failed = true
					failMsg = fmt.Sprintf("node %s failed: %v", res.nodeID, res.err)
					handle.cancel()
				}
			}
			if res.skipNode != "" && states[res.skipNode] == models.NodeStatePending {
				states[res.skipNode] = models.NodeStateSkipped
				e.publishNodeEvent(bgCtx, bus.TypePipelineNodeSkipped, p, row, p.Node(res.skipNode), nil)
			}
		case <-doneCh:
			aborted = true
			doneCh = nil
		}
	}

	// Whatever never started is skipped.
	for id, st := range states {
		if st == models.NodeStatePending {
			states[id] = models.NodeStateSkipped
			e.publishNodeEvent(bgCtx, bus.TypePipelineNodeSkipped, p, row, p.Node(id), nil)
		}
	}
	e.persistStates(bgCtx, row.ID, states, logger)

	userCancelled := false
	select {
	case <-handle.cancelled:
		userCancelled = true
	default:
	}

	var status models.RunStatus
	switch {
	case userCancelled:
		status = models.RunStatusCancelled
	case failed:
		status = models.RunStatusFailed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = models.RunStatusTimedOut
		failMsg = "run timeout exceeded"
	default:
		status = models.RunStatusSucceeded
	}

	if err := e.store.UpdateRunStatus(bgCtx, row.ID, status, failMsg); err != nil {
		logger.Error("Failed to persist run status", "status", status, "error", err)
	}
	duration := time.Since(started)
	if err := e.store.RecordPipelineOutcome(bgCtx, p.ID, status == models.RunStatusSucceeded, duration); err != nil {
		logger.Warn("Failed to record pipeline outcome", "error", err)
	}

	runEvent := map[models.RunStatus]bus.Type{
		models.RunStatusSucceeded: bus.TypePipelineRunSucceeded,
		models.RunStatusFailed:    bus.TypePipelineRunFailed,
		models.RunStatusCancelled: bus.TypePipelineRunCancelled,
		models.RunStatusTimedOut:  bus.TypePipelineRunTimedOut,
	}[status]
	extra := map[string]any{"duration_ms": duration.Milliseconds()}
	if failMsg != "" {
		extra["error"] = failMsg
	}
	e.publishRunEvent(bgCtx, runEvent, p, row, extra)
	logger.Info("Pipeline run finished", "status", status, "duration", duration)
}

// launchRunnable starts every pending node whose predecessors are all
// terminal. Nodes whose predecessors were all skipped are skipped
// themselves, cascading down the branch.
func (e *Engine) launchRunnable(ctx context.Context, p *models.Pipeline, row *models.PipelineRun,
	states map[string]models.NodeState, outputs map[string]any,
	preds map[string][]string, outEdges map[string][]models.PipelineEdge,
	results chan<- nodeResult) int {

	launched := 0
	for changed := true; changed; {
		changed = false
		for i := range p.Nodes {
			node := &p.Nodes[i]
			if states[node.ID] != models.NodeStatePending {
				continue
			}
			nodePreds := preds[node.ID]
			ready := true
			skippedPreds := 0
			for _, pred := range nodePreds {
				if !states[pred].IsTerminal() {
					ready = false
					break
				}
				if states[pred] == models.NodeStateSkipped {
					skippedPreds++
				}
			}
			if !ready {
				continue
			}

			if len(nodePreds) > 0 && skippedPreds == len(nodePreds) {
				// A branch that was routed around stays unexecuted.
				states[node.ID] = models.NodeStateSkipped
				e.publishNodeEvent(context.Background(), bus.TypePipelineNodeSkipped, p, row, node, nil)
				changed = true
				continue
			}

			states[node.ID] = models.NodeStateRunning
			e.publishNodeEvent(context.Background(), bus.TypePipelineNodeStarted, p, row, node, nil)
			snapshot := make(map[string]any, len(outputs))
			for k, v := range outputs {
				snapshot[k] = v
			}
			go e.runNode(ctx, node, row.Trigger, snapshot, branchTargets(node, outEdges), results)
			launched++
			changed = true
		}
	}
	return launched
}

// branchTargets maps condition edge labels to successor node ids.
func branchTargets(node *models.PipelineNode, outEdges map[string][]models.PipelineEdge) map[string]string {
	if node.Type != models.NodeTypeCondition {
		return nil
	}
	targets := make(map[string]string, 2)
	for _, edge := range outEdges[node.ID] {
		targets[edge.Label] = edge.ToNode
	}
	return targets
}

// runNode executes one node with retry and the type breaker, then
// reports the outcome.
func (e *Engine) runNode(ctx context.Context, node *models.PipelineNode, trigger map[string]any,
	runContext map[string]any, branches map[string]string, results chan<- nodeResult) {

	res := nodeResult{nodeID: node.ID}

	if !e.breakers.allow(node.Type) {
		res.state = models.NodeStateFailed
		res.err = fmt.Errorf("circuit breaker open for node type %q", node.Type)
		results <- res
		return
	}

	maxAttempts := int(configInt64(node.Config, "max_attempts"))
	if maxAttempts <= 0 {
		maxAttempts = e.opts.DefaultMaxAttempts
	}
	backoff := configSeconds(node.Config, "backoff_initial_seconds")
	if backoff <= 0 {
		backoff = defaultBackoffInitial
	}
	backoffMax := configSeconds(node.Config, "backoff_max_seconds")
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	multiplier := configFloat(node.Config, "backoff_multiplier", defaultBackoffMultiplier)

	var out any
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err = e.invokeNode(ctx, node, trigger, runContext)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff = time.Duration(float64(backoff) * multiplier)
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}

	if err != nil {
		// Cancellation is not a node-type fault; keep it off the breaker.
		if ctx.Err() == nil {
			e.breakers.failure(node.Type)
		}
		res.state = models.NodeStateFailed
		res.err = err
		results <- res
		return
	}

	e.breakers.success(node.Type)
	res.state = models.NodeStateSucceeded
	res.output = out
	if node.Type == models.NodeTypeCondition {
		verdict, _ := out.(bool)
		if verdict {
			res.skipNode = branches[models.EdgeLabelFalse]
		} else {
			res.skipNode = branches[models.EdgeLabelTrue]
		}
	}
	results <- res
}

// invokeNode performs the node's work once.
func (e *Engine) invokeNode(ctx context.Context, node *models.PipelineNode, trigger, runContext map[string]any) (any, error) {
	switch node.Type {
	case models.NodeTypeTrigger:
		return trigger, nil

	case models.NodeTypeParallel:
		// Structural fan-out: readiness bookkeeping only.
		return nil, nil

	case models.NodeTypeDelay:
		d := configSeconds(node.Config, "duration_seconds")
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case models.NodeTypeCondition:
		name := configString(node.Config, "predicate")
		pred, ok := e.registry.Predicate(name)
		if !ok {
			return nil, fmt.Errorf("unknown predicate %q", name)
		}
		return pred(node.Config, runContext)

	case models.NodeTypeAction:
		name := configString(node.Config, "action")
		fn, ok := e.registry.Action(name)
		if !ok {
			return nil, fmt.Errorf("unknown action %q", name)
		}
		return fn(ctx, node.Config, runContext)

	case models.NodeTypeAgent:
		agent, err := e.store.GetAgent(ctx, configInt64(node.Config, "agent_id"))
		if err != nil {
			return nil, fmt.Errorf("failed to load agent for node %s: %w", node.ID, err)
		}
		w, err := e.resolver.Resolve(ctx, agent)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker for node %s: %w", node.ID, err)
		}
		chatCtx := make(map[string]any, len(runContext)+1)
		for k, v := range runContext {
			chatCtx[k] = v
		}
		if trigger != nil {
			chatCtx["trigger"] = trigger
		}
		return w.Chat(ctx, configString(node.Config, "prompt"), chatCtx)

	default:
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (e *Engine) persistStates(ctx context.Context, runID int64, states map[string]models.NodeState, logger *slog.Logger) {
	if err := e.store.PersistNodeStates(ctx, runID, states); err != nil {
		logger.Error("Failed to persist node states", "error", err)
	}
}

func (e *Engine) publishRunEvent(ctx context.Context, t bus.Type, p *models.Pipeline, row *models.PipelineRun, extra map[string]any) {
	data := map[string]any{
		"pipeline_id":   p.ID,
		"pipeline_name": p.Name,
		"run_id":        row.ID,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(ctx, bus.Event{Type: t, Data: data})
}

func (e *Engine) publishNodeEvent(ctx context.Context, t bus.Type, p *models.Pipeline, row *models.PipelineRun, node *models.PipelineNode, extra map[string]any) {
	data := map[string]any{
		"pipeline_id": p.ID,
		"run_id":      row.ID,
		"node_id":     node.ID,
		"node_type":   string(node.Type),
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(ctx, bus.Event{Type: t, Data: data})
}
