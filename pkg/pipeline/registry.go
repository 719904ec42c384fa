package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ActionFunc is a named side effect invoked by action nodes. It
// receives the node config and the accumulated run context and returns
// the node output.
type ActionFunc func(ctx context.Context, config, runContext map[string]any) (any, error)

// PredicateFunc evaluates a condition node against the run context.
type PredicateFunc func(config, runContext map[string]any) (bool, error)

// Registry holds the static name-keyed action and predicate sets.
// Registration happens at startup; no runtime loading.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]ActionFunc
	predicates map[string]PredicateFunc
}

// NewRegistry creates a registry pre-loaded with the built-in
// predicates.
func NewRegistry() *Registry {
	r := &Registry{
		actions:    make(map[string]ActionFunc),
		predicates: make(map[string]PredicateFunc),
	}
	r.RegisterPredicate("const", predicateConst)
	r.RegisterPredicate("output_equals", predicateOutputEquals)
	r.RegisterPredicate("output_contains", predicateOutputContains)
	return r
}

// RegisterAction adds or replaces a named action.
func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// RegisterPredicate adds or replaces a named predicate.
func (r *Registry) RegisterPredicate(name string, fn PredicateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = fn
}

// Action looks up a named action.
func (r *Registry) Action(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	return fn, ok
}

// Predicate looks up a named predicate.
func (r *Registry) Predicate(name string) (PredicateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.predicates[name]
	return fn, ok
}

// predicateConst returns config["value"] as the verdict.
func predicateConst(config, _ map[string]any) (bool, error) {
	v, ok := config["value"].(bool)
	if !ok {
		return false, fmt.Errorf("const predicate requires a boolean 'value'")
	}
	return v, nil
}

// predicateOutputEquals compares a prior node's output with
// config["value"] by string form.
func predicateOutputEquals(config, runContext map[string]any) (bool, error) {
	nodeID, _ := config["node"].(string)
	if nodeID == "" {
		return false, fmt.Errorf("output_equals predicate requires 'node'")
	}
	out, ok := runContext[nodeID]
	if !ok {
		return false, nil
	}
	return fmt.Sprint(out) == fmt.Sprint(config["value"]), nil
}

// predicateOutputContains substring-matches a prior node's output.
func predicateOutputContains(config, runContext map[string]any) (bool, error) {
	nodeID, _ := config["node"].(string)
	substr, _ := config["substring"].(string)
	if nodeID == "" || substr == "" {
		return false, fmt.Errorf("output_contains predicate requires 'node' and 'substring'")
	}
	out, ok := runContext[nodeID]
	if !ok {
		return false, nil
	}
	return strings.Contains(fmt.Sprint(out), substr), nil
}
