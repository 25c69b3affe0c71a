// Package rules evaluates edge conditions against a run's routing context.
package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the evaluation context for one condition: the route value emitted
// by the source node, the source node's outputs, and the trigger payload.
type Env struct {
	Route   string         `expr:"route"`
	Outputs map[string]any `expr:"outputs"`
	Trigger map[string]any `expr:"trigger"`
}

// Evaluator decides whether an edge condition matches.
type Evaluator interface {
	Match(condition string, env Env) (bool, error)
}

// ExprEvaluator implements Evaluator with expr-lang/expr, caching compiled
// programs per condition string.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvaluator creates an ExprEvaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Match evaluates condition against env. An empty condition always matches.
// A bare identifier or quoted string is compared literally against the
// route value; anything else is compiled and run as a boolean expression.
func (e *ExprEvaluator) Match(condition string, env Env) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" || condition == "true" {
		return true, nil
	}
	if lit, ok := literal(condition); ok {
		return lit == env.Route, nil
	}

	program, err := e.compile(condition, env)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, result)
	}
	return b, nil
}

func (e *ExprEvaluator) compile(condition string, env Env) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[condition]; ok {
		return program, nil
	}
	program, err := expr.Compile(condition, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	e.cache[condition] = program
	return program, nil
}

// literal extracts a plain route label from conditions like `approved` or
// `"approved"`. Expressions containing operators or spaces are not literals.
func literal(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1], true
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return "", false
		}
	}
	// Reserved words would otherwise be swallowed as labels.
	switch s {
	case "true", "false", "nil", "route", "outputs", "trigger":
		return "", false
	}
	return s, true
}
