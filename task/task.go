// Package task defines the invocation boundary between the engine and the
// pluggable node task bodies. Task bodies are external collaborators: they
// receive resolved configuration and a read-only view of run state, and
// communicate every side effect back through their structured result.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/theuselessai/pipelit/types"
)

// ErrHandlerNotRegistered is returned when a node's type has no handler.
var ErrHandlerNotRegistered = errors.New("task handler not registered")

// ErrConfig marks a configuration error: a handler missing required
// inputs wraps this sentinel, and the engine fails the run immediately
// instead of retrying.
var ErrConfig = errors.New("configuration error")

// Input is what a task body sees: its resolved configuration and a
// read-only snapshot of the run. Handlers must treat both as read-only.
type Input struct {
	RunID   types.RunID
	NodeID  types.NodeID
	Attempt int

	// Config is the node's declarative configuration after template
	// resolution.
	Config map[string]any

	// Trigger is the payload the run was fired with.
	Trigger map[string]any

	// Outputs holds every upstream node's stored outputs.
	Outputs map[types.NodeID]map[string]any

	// Variables is the run's variable map.
	Variables map[string]any

	// Messages is the run's conversation log so far.
	Messages []types.Message
}

// Effect is one side effect requested by a task body. The engine consumes
// effects; they are never stored as node outputs.
type Effect interface {
	isEffect()
}

// RouteDecision selects which outgoing edges are followed.
type RouteDecision struct {
	Route string
}

// Delay postpones dispatch of the node's successors.
type Delay struct {
	For time.Duration
}

// AppendMessage appends one entry to the run's conversation log.
type AppendMessage struct {
	Role    string
	Content string
}

// StatePatch merges values into the run's variables. Patches touching
// engine-owned keys are rejected by the state store.
type StatePatch struct {
	Patch map[string]any
}

// LoopPayload declares the items a loop node iterates over. It is honored
// only on the loop node's first invocation.
type LoopPayload struct {
	Items []any
}

// AwaitChild parks the node until the given child run finalizes; the
// child's final output becomes this node's output.
type AwaitChild struct {
	ChildRunID types.RunID
}

func (RouteDecision) isEffect() {}
func (Delay) isEffect()         {}
func (AppendMessage) isEffect() {}
func (StatePatch) isEffect()    {}
func (LoopPayload) isEffect()   {}
func (AwaitChild) isEffect()    {}

// Result is a task body's structured return value: plain outputs visible
// to downstream nodes, requested effects, and optional usage metadata.
type Result struct {
	Outputs map[string]any
	Effects []Effect
	Usage   types.Usage
}

// Route returns the result's routing decision, if any.
func (r *Result) Route() (string, bool) {
	for _, e := range r.Effects {
		if d, ok := e.(RouteDecision); ok {
			return d.Route, true
		}
	}
	return "", false
}

// Handler is the pluggable unit of work for one node type.
type Handler interface {
	Execute(ctx context.Context, in Input) (*Result, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, in Input) (*Result, error)

// Execute implements the Handler interface.
func (f HandlerFunc) Execute(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// Registry maps node types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a node type.
func (r *Registry) Register(nodeType string, h Handler) error {
	if nodeType == "" || h == nil {
		return errors.New("node type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
	return nil
}

// RegisterFunc binds a plain function to a node type.
func (r *Registry) RegisterFunc(nodeType string, fn func(ctx context.Context, in Input) (*Result, error)) error {
	return r.Register(nodeType, HandlerFunc(fn))
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, nodeType)
	}
	return h, nil
}
