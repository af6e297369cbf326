package client

import (
	"sync/atomic"
	"time"
)

// GlobalStats is a reporting-only snapshot of the client's monotonic
// counters. Control logic never reads it.
type GlobalStats struct {
	TotalRequests  int64     `json:"total_requests"`
	TotalAttempts  int64     `json:"total_attempts"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalFailures  int64     `json:"total_failures"`
	StartedAt      time.Time `json:"started_at"`
}

type statsTracker struct {
	requests  atomic.Int64
	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	startedAt time.Time
}

func newStatsTracker() *statsTracker {
	return &statsTracker{startedAt: time.Now()}
}

func (s *statsTracker) recordAttempt(success bool) {
	s.attempts.Add(1)
	if success {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}
}

func (s *statsTracker) recordRequest() {
	s.requests.Add(1)
}

func (s *statsTracker) snapshot() GlobalStats {
	return GlobalStats{
		TotalRequests:  s.requests.Load(),
		TotalAttempts:  s.attempts.Load(),
		TotalSuccesses: s.successes.Load(),
		TotalFailures:  s.failures.Load(),
		StartedAt:      s.startedAt,
	}
}
