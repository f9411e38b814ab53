package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunReaper periodically drops finished runs from the registry until ctx is
// done. Reaped runs stay queryable through the repository.
func (s *Service) RunReaper(ctx context.Context) {
	interval := s.config.ReaperInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap removes runs whose run.end was delivered to a reader or whose
// retention window has passed. It returns the number of runs removed.
func (s *Service) reap() int {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for id, rs := range s.runs {
		if rs.reapable(now, s.config.RunRetention) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.runs, id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.gate.Forget(id)
	}
	s.logger.Debug("reaped runs", zap.Int("count", len(expired)))
	return len(expired)
}
