// Package policy owns the governance ruleset: a typed, versioned
// PolicyConfig validated on write, a read-mostly cached store with
// optimistic concurrency, and the CEL evaluator for per-rule conditions.
package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/cauldronos/sentientloop/pkg/contracts"
)

// ConditionEvaluator compiles and caches CEL programs for action-rule
// conditions. Conditions see a single `action` variable with the
// proposed action's type, impact, confidence, and decoded payload.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator builds the evaluator environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("action", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Compile checks an expression without evaluating it. Used by Validate so
// a broken condition is rejected at policy-write time, not at gate time.
func (e *ConditionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates a condition against a proposed action. The evaluation is
// a pure function of the expression and the action.
func (e *ConditionEvaluator) Eval(expr string, action contracts.ProposedAction) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	var payload any
	if len(action.Payload) > 0 {
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			payload = string(action.Payload)
		}
	}
	input := map[string]any{
		"action": map[string]any{
			"type":       action.Type,
			"module_id":  action.ModuleID,
			"agent_id":   action.AgentID,
			"impact":     string(action.Impact),
			"confidence": action.Confidence,
			"payload":    payload,
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to bool", expr)
	}
	return allowed, nil
}
