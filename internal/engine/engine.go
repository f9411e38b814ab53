// Package engine defines the runtime engines that drive a run step by step.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/tools"
)

// Sink receives progress from a session. Every method is called on the run's
// own goroutine and returns an error once the run has been told to stop; the
// session must then return that error.
type Sink interface {
	ReasoningStart(ctx context.Context) error
	// Reasoning reports the cumulative reasoning text of the open span.
	Reasoning(ctx context.Context, text string) error
	ReasoningUsage(ctx context.Context, usage domain.Usage, model string) error
	ReasoningEnd(ctx context.Context, text string) error
	MessageDelta(ctx context.Context, delta string) error
}

// Observation is what the session learns after its previous step.
type Observation struct {
	// Call is the tool call returned by the previous step, nil on the first
	// step.
	Call *domain.ToolCall
	// Decision is set when the call went through an approval.
	Decision domain.Decision
	// EffectiveArgs are the arguments the tool actually ran with.
	EffectiveArgs []byte
	Result        domain.ToolResult
}

// Step is the next thing the run should do: call a tool or finish.
type Step struct {
	ToolCall *domain.ToolCall
	Final    *Final
}

// Final is the assistant's closing answer.
type Final struct {
	Text string
}

// Session drives one run.
type Session interface {
	Next(ctx context.Context, obs Observation, sink Sink) (Step, error)
}

// SessionRequest carries what an engine needs to start a session.
type SessionRequest struct {
	RunID    string
	Question string
	History  []domain.Message
	Tools    []tools.Spec
}

// Engine creates sessions.
type Engine interface {
	Name() string
	NewSession(ctx context.Context, req SessionRequest) (Session, error)
}

// Registry indexes engines by name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine)}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Register adds or replaces an engine.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine called name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime engine %q", name)
	}
	return e, nil
}

// Names lists registered engine names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
