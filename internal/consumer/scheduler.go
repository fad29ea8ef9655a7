package consumer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequeueScheduler fires delayed requeue callbacks without blocking the
// consume loop. Entries are keyed by message id so a pending requeue can be
// found or cancelled.
//
// Timers live in process memory only. The consumer commits a message's offset
// once its requeue is scheduled, so a crash between commit and fire drops the
// scheduled requeues. That is the accepted at-least-once durability boundary
// of the pipeline, not something this type tries to hide.
type RequeueScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	logger *zap.Logger
}

// NewRequeueScheduler creates an empty scheduler.
func NewRequeueScheduler(logger *zap.Logger) *RequeueScheduler {
	return &RequeueScheduler{
		timers: make(map[string]*time.Timer),
		logger: logger,
	}
}

// Schedule runs fn after delay. A second Schedule with the same id replaces
// the pending one. After Stop, Schedule is a no-op.
func (s *RequeueScheduler) Schedule(id string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("scheduler stopped, dropping requeue", zap.String("id", id))
		return
	}

	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}

	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops a pending requeue. Returns true if one was pending.
func (s *RequeueScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	return true
}

// Pending returns the number of scheduled requeues.
func (s *RequeueScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending requeues and rejects new ones. It returns how many
// pending requeues were dropped.
func (s *RequeueScheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	dropped := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return dropped
}
