// Package service is the run manager: it owns the run registry, drives each
// run's execution task and serves the external run operations.
package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/approval"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/eventlog"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
)

// Deps are the collaborators of a Service. Gate, Metrics and Logger are
// optional.
type Deps struct {
	Store   repository.Store
	Engines *engine.Registry
	Tools   *tools.Registry
	Catalog *tools.Catalog
	Policy  *policy.Engine
	Gate    *approval.Gate
	Metrics *telemetry.RunMetrics
	Logger  *zap.Logger
}

type Service struct {
	store   repository.Store
	engines *engine.Registry
	tools   *tools.Registry
	catalog *tools.Catalog
	policy  *policy.Engine
	gate    *approval.Gate
	metrics *telemetry.RunMetrics
	logger  *zap.Logger
	tracer  trace.Tracer
	config  *config.Config
	now     func() time.Time

	mu   sync.RWMutex
	runs map[string]*runState
	// counters hand out display orders per conversation.
	counters map[string]*eventlog.Counter
	// starting guards conversations between validation and registration.
	starting map[string]bool

	wg sync.WaitGroup
}

const tracerName = "github.com/xiaot623/agentrun/internal/service"

func New(deps Deps, cfg *config.Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gate := deps.Gate
	if gate == nil {
		gate = approval.NewGate(deps.Store)
	}
	return &Service{
		store:    deps.Store,
		engines:  deps.Engines,
		tools:    deps.Tools,
		catalog:  deps.Catalog,
		policy:   deps.Policy,
		gate:     gate,
		metrics:  deps.Metrics,
		logger:   logger,
		tracer:   telemetry.Tracer(tracerName),
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[string]*runState),
		counters: make(map[string]*eventlog.Counter),
		starting: make(map[string]bool),
	}
}

// Wait blocks until every execution task has finished. It is used on
// shutdown after all runs have been cancelled.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels every live run and waits for their tasks, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	live := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		live = append(live, rs)
	}
	s.mu.RUnlock()

	for _, rs := range live {
		rs.requestStop(domain.RunStatusCancellationRequested, domain.RunCodeUserCancelled, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) lookup(runID string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.runs[runID]
	return rs, ok
}

// counter returns the display order counter of a conversation, seeding it
// from storage on first use.
func (s *Service) counter(ctx context.Context, conversationID string) (*eventlog.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[conversationID]; ok {
		return c, nil
	}
	last, err := s.store.MaxDisplayOrder(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c := eventlog.NewCounter(last)
	s.counters[conversationID] = c
	return c, nil
}

// recordError marks span failed with the error's taxonomy code.
func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.Code(err))
}
