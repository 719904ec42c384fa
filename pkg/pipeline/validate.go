package pipeline

import (
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/pkg/models"
)

// validateGraph checks the structural pipeline invariants: unique known
// nodes, a single trigger with in-degree zero, full reachability,
// acyclicity, two labeled edges per condition and a single join per
// parallel fan-out. Node configs are checked against the registry so a
// bad action or predicate name fails at create time, not mid-run.
func (e *Engine) validateGraph(nodes []models.PipelineNode, edges []models.PipelineEdge) error {
	if len(nodes) == 0 {
		return NewValidationError("nodes", "must not be empty")
	}

	byID := make(map[string]*models.PipelineNode, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if strings.TrimSpace(n.ID) == "" {
			return NewValidationError("nodes", "node id must not be empty")
		}
		if _, dup := byID[n.ID]; dup {
			return NewValidationError("nodes", fmt.Sprintf("duplicate node id %q", n.ID))
		}
		switch n.Type {
		case models.NodeTypeTrigger, models.NodeTypeAgent, models.NodeTypeCondition,
			models.NodeTypeAction, models.NodeTypeParallel, models.NodeTypeDelay:
		default:
			return NewValidationError("nodes", fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
		}
		byID[n.ID] = n
	}

	inDegree := make(map[string]int, len(nodes))
	outEdges := make(map[string][]models.PipelineEdge, len(nodes))
	for _, edge := range edges {
		if _, ok := byID[edge.FromNode]; !ok {
			return NewValidationError("edges", fmt.Sprintf("edge references unknown node %q", edge.FromNode))
		}
		if _, ok := byID[edge.ToNode]; !ok {
			return NewValidationError("edges", fmt.Sprintf("edge references unknown node %q", edge.ToNode))
		}
		if edge.FromNode == edge.ToNode {
			return NewValidationError("edges", fmt.Sprintf("self edge on node %q", edge.FromNode))
		}
		inDegree[edge.ToNode]++
		outEdges[edge.FromNode] = append(outEdges[edge.FromNode], edge)
	}

	var trigger *models.PipelineNode
	for i := range nodes {
		n := &nodes[i]
		if n.Type == models.NodeTypeTrigger {
			if trigger != nil {
				return NewValidationError("nodes", "exactly one trigger node is required")
			}
			trigger = n
		}
	}
	if trigger == nil {
		return NewValidationError("nodes", "exactly one trigger node is required")
	}
	if inDegree[trigger.ID] != 0 {
		return NewValidationError("edges", "trigger node must have no incoming edges")
	}
	for _, n := range nodes {
		if n.Type != models.NodeTypeTrigger && inDegree[n.ID] == 0 {
			return NewValidationError("edges", fmt.Sprintf("node %q is unreachable", n.ID))
		}
	}

	if err := checkAcyclic(byID, outEdges, inDegree); err != nil {
		return err
	}
	if err := checkReachable(trigger.ID, byID, outEdges); err != nil {
		return err
	}

	for i := range nodes {
		n := &nodes[i]
		out := outEdges[n.ID]
		switch n.Type {
		case models.NodeTypeCondition:
			if err := checkConditionEdges(n, out); err != nil {
				return err
			}
			if err := e.checkPredicate(n); err != nil {
				return err
			}
		case models.NodeTypeParallel:
			if err := checkParallelJoin(n, out, outEdges); err != nil {
				return err
			}
		case models.NodeTypeAction:
			if err := e.checkAction(n); err != nil {
				return err
			}
		case models.NodeTypeAgent:
			if configInt64(n.Config, "agent_id") == 0 {
				return NewValidationError("nodes", fmt.Sprintf("agent node %q requires agent_id", n.ID))
			}
		case models.NodeTypeDelay:
			if configSeconds(n.Config, "duration_seconds") <= 0 {
				return NewValidationError("nodes", fmt.Sprintf("delay node %q requires duration_seconds", n.ID))
			}
		}
		if n.Type != models.NodeTypeCondition {
			for _, edge := range out {
				if edge.Label != "" {
					return NewValidationError("edges",
						fmt.Sprintf("labeled edge from non-condition node %q", n.ID))
				}
			}
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func checkAcyclic(byID map[string]*models.PipelineNode, outEdges map[string][]models.PipelineEdge, inDegree map[string]int) error {
	degree := make(map[string]int, len(byID))
	for id := range byID {
		degree[id] = inDegree[id]
	}
	queue := make([]string, 0, len(byID))
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, edge := range outEdges[id] {
			degree[edge.ToNode]--
			if degree[edge.ToNode] == 0 {
				queue = append(queue, edge.ToNode)
			}
		}
	}
	if visited != len(byID) {
		return NewValidationError("edges", "pipeline contains a cycle")
	}
	return nil
}

// checkReachable walks from the trigger; every node must be visited.
func checkReachable(triggerID string, byID map[string]*models.PipelineNode, outEdges map[string][]models.PipelineEdge) error {
	seen := map[string]bool{triggerID: true}
	stack := []string{triggerID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range outEdges[id] {
			if !seen[edge.ToNode] {
				seen[edge.ToNode] = true
				stack = append(stack, edge.ToNode)
			}
		}
	}
	for id := range byID {
		if !seen[id] {
			return NewValidationError("edges", fmt.Sprintf("node %q is not reachable from the trigger", id))
		}
	}
	return nil
}

// checkConditionEdges requires exactly one true and one false branch.
func checkConditionEdges(n *models.PipelineNode, out []models.PipelineEdge) error {
	if len(out) != 2 {
		return NewValidationError("edges",
			fmt.Sprintf("condition node %q must have exactly 2 outgoing edges, has %d", n.ID, len(out)))
	}
	labels := map[string]int{}
	for _, edge := range out {
		labels[edge.Label]++
	}
	if labels[models.EdgeLabelTrue] != 1 || labels[models.EdgeLabelFalse] != 1 {
		return NewValidationError("edges",
			fmt.Sprintf("condition node %q edges must be labeled true and false", n.ID))
	}
	return nil
}

// checkParallelJoin requires at least two branches, each of which must
// converge on the same direct join node. A branch that dead-ends never
// releases the join, so it is rejected up front.
func checkParallelJoin(n *models.PipelineNode, out []models.PipelineEdge, outEdges map[string][]models.PipelineEdge) error {
	if len(out) < 2 {
		return NewValidationError("edges",
			fmt.Sprintf("parallel node %q must fan out to at least 2 nodes", n.ID))
	}
	joins := map[string]bool{}
	for _, branch := range out {
		nexts := outEdges[branch.ToNode]
		if len(nexts) == 0 {
			return NewValidationError("edges",
				fmt.Sprintf("parallel node %q branch %q must reach the join node", n.ID, branch.ToNode))
		}
		for _, next := range nexts {
			joins[next.ToNode] = true
		}
	}
	if len(joins) != 1 {
		return NewValidationError("edges",
			fmt.Sprintf("parallel node %q branches must join into a single node", n.ID))
	}
	return nil
}

func (e *Engine) checkPredicate(n *models.PipelineNode) error {
	name, _ := n.Config["predicate"].(string)
	if name == "" {
		return NewValidationError("nodes", fmt.Sprintf("condition node %q requires a predicate", n.ID))
	}
	if _, ok := e.registry.Predicate(name); !ok {
		return NewValidationError("nodes", fmt.Sprintf("condition node %q references unknown predicate %q", n.ID, name))
	}
	return nil
}

func (e *Engine) checkAction(n *models.PipelineNode) error {
	name, _ := n.Config["action"].(string)
	if name == "" {
		return NewValidationError("nodes", fmt.Sprintf("action node %q requires an action name", n.ID))
	}
	if _, ok := e.registry.Action(name); !ok {
		return NewValidationError("nodes", fmt.Sprintf("action node %q references unknown action %q", n.ID, name))
	}
	return nil
}
