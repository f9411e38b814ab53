package service

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventlog"
)

// runState is the in-memory state of a registered run. The execution task
// owns the log; cancel, decide and the watchdog only touch the fields under
// mu and the stop channel.
type runState struct {
	log      *eventlog.Log
	question string

	// ctx is cancelled when the run is told to stop. Engine calls use it;
	// tool calls do not.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	run      domain.Run
	stopped  bool
	stopCode domain.RunCode
	reason   string
	watchdog *time.Timer
	endedAt  time.Time
}

func newRunState(run domain.Run, log *eventlog.Log, question string) *runState {
	ctx, cancel := context.WithCancel(context.Background())
	return &runState{run: run, log: log, question: question, ctx: ctx, cancel: cancel}
}

func (rs *runState) snapshot() domain.Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run
}

func (rs *runState) status() domain.RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Status
}

// requestStop records the first stop request and releases the execution task
// from wherever it is suspended. It returns false if the run was already
// stopping or terminal.
func (rs *runState) requestStop(status domain.RunStatus, code domain.RunCode, reason string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.stopped || rs.run.Status.Terminal() {
		return false
	}
	rs.stopped = true
	rs.stopCode = code
	rs.reason = reason
	rs.run.Status = status
	rs.cancel()
	return true
}

// whileLive runs fn with the run locked unless a stop was requested or the
// run is terminal. It reports whether fn ran; requestStop waits for it.
func (rs *runState) whileLive(fn func() error) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.stopped || rs.run.Status.Terminal() {
		return false, nil
	}
	return true, fn()
}

// stopRequest reports whether a stop has been requested and why.
func (rs *runState) stopRequest() (domain.RunCode, string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.stopCode, rs.reason, rs.stopped
}

// setStatus moves a live run between running and paused_for_approval. It is
// a no-op once a stop has been requested.
func (rs *runState) setStatus(status domain.RunStatus) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.stopped || rs.run.Status.Terminal() {
		return false
	}
	rs.run.Status = status
	return true
}

// finish records the terminal outcome.
func (rs *runState) finish(status domain.RunStatus, code domain.RunCode, errMsg string, at time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.run.Status = status
	rs.run.Code = code
	rs.run.Error = errMsg
	rs.run.EndedAt = &at
	rs.endedAt = at
	if rs.watchdog != nil {
		rs.watchdog.Stop()
	}
	rs.cancel()
}

// reapable reports whether the run may leave the registry: run.end was
// appended and either a reader saw it or the retention window passed.
func (rs *runState) reapable(now time.Time, retention time.Duration) bool {
	if !rs.log.Closed() {
		return false
	}
	rs.mu.Lock()
	ended := rs.endedAt
	rs.mu.Unlock()
	if ended.IsZero() {
		return false
	}
	return rs.log.Delivered() || now.Sub(ended) >= retention
}
