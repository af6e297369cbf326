// Package health tracks per-proxy outcome history and derives the verdicts
// used to skip or blacklist bad proxies.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Record is the outcome history for one proxy address. It persists across
// pool refreshes since the same IPs often recur in provider lists.
type Record struct {
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalResponseTimeMs int64     `json:"total_response_time_ms"`
	LastOutcomeAt       time.Time `json:"last_outcome_at"`
	Blacklisted         bool      `json:"blacklisted"`
	BlacklistedAt       time.Time `json:"blacklisted_at,omitempty"`
}

func (r *Record) samples() int64 {
	return r.SuccessCount + r.FailureCount
}

func (r *Record) successRate() float64 {
	total := r.samples()
	if total == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(total)
}

func (r *Record) avgResponseTimeMs() float64 {
	if r.SuccessCount == 0 {
		return 0
	}
	return float64(r.TotalResponseTimeMs) / float64(r.SuccessCount)
}

// PerfStat is a reporting view of one address's record. Never used by control
// logic.
type PerfStat struct {
	Address           string    `json:"address"`
	SuccessCount      int64     `json:"success_count"`
	FailureCount      int64     `json:"failure_count"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	Blacklisted       bool      `json:"blacklisted"`
	LastOutcomeAt     time.Time `json:"last_outcome_at"`
}

// Monitor keeps one Record per proxy address behind a single coarse lock.
// All updates are O(1) and brief, so contention stays low even with many
// request goroutines.
type Monitor struct {
	cfg     config.HealthConfig
	metrics *metrics.Collector

	mu      sync.RWMutex
	records map[string]*Record
}

func NewMonitor(cfg config.HealthConfig, collector *metrics.Collector) *Monitor {
	return &Monitor{
		cfg:     cfg,
		metrics: collector,
		records: make(map[string]*Record),
	}
}

// RecordSuccess notes one successful request through the given address.
func (m *Monitor) RecordSuccess(address string, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.record(address)
	r.SuccessCount++
	r.ConsecutiveFailures = 0
	r.TotalResponseTimeMs += responseTime.Milliseconds()
	r.LastOutcomeAt = time.Now()
}

// RecordFailure notes one failed request through the given address and
// blacklists it once it crosses the consecutive-failure limit, or once it has
// enough samples with a success rate below the floor.
func (m *Monitor) RecordFailure(address string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	r := m.record(address)
	r.FailureCount++
	r.ConsecutiveFailures++
	r.LastOutcomeAt = now

	if r.Blacklisted {
		return
	}

	byStreak := r.ConsecutiveFailures >= m.cfg.ConsecutiveFailureLimit
	byRate := r.samples() >= int64(m.cfg.MinSamples) && r.successRate() < m.cfg.MinSuccessRate

	if byStreak || byRate {
		r.Blacklisted = true
		r.BlacklistedAt = now
		log.Warnf("Proxy %s blacklisted: consecutive_failures=%d success_rate=%.2f reason=%s",
			maskAddress(address), r.ConsecutiveFailures, r.successRate(), reason)
		m.metrics.SetBlacklistedProxies(m.countBlacklistedLocked(now))
	}
}

// IsHealthy reports whether the address may be used. Addresses with no
// history default to healthy.
func (m *Monitor) IsHealthy(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[address]
	if !ok {
		return true
	}
	return !m.blacklistedLocked(r, time.Now())
}

// BlacklistedAddresses returns the current exclusion set for pool rotation.
func (m *Monitor) BlacklistedAddresses() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make(map[string]struct{})
	for addr, r := range m.records {
		if m.blacklistedLocked(r, now) {
			out[addr] = struct{}{}
		}
	}
	return out
}

// blacklistedLocked applies the TTL re-admission policy: a blacklist entry
// expires after BlacklistTTL so long-running processes cannot shrink the
// usable pool unrecoverably. The expired address gets a fresh streak.
func (m *Monitor) blacklistedLocked(r *Record, now time.Time) bool {
	if !r.Blacklisted {
		return false
	}
	if m.cfg.BlacklistTTL > 0 && now.Sub(r.BlacklistedAt) >= m.cfg.BlacklistTTL {
		r.Blacklisted = false
		r.BlacklistedAt = time.Time{}
		r.ConsecutiveFailures = 0
		return false
	}
	return true
}

func (m *Monitor) countBlacklistedLocked(now time.Time) int {
	n := 0
	for _, r := range m.records {
		if r.Blacklisted && (m.cfg.BlacklistTTL <= 0 || now.Sub(r.BlacklistedAt) < m.cfg.BlacklistTTL) {
			n++
		}
	}
	return n
}

// record returns the record for an address, creating it lazily. Caller holds
// the write lock.
func (m *Monitor) record(address string) *Record {
	r, ok := m.records[address]
	if !ok {
		r = &Record{}
		m.records[address] = r
	}
	return r
}

// TopPerformers ranks addresses by success rate, then by average response
// time. Reporting only.
func (m *Monitor) TopPerformers(n int) []PerfStat {
	stats := m.allStats()
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SuccessRate != stats[j].SuccessRate {
			return stats[i].SuccessRate > stats[j].SuccessRate
		}
		if stats[i].AvgResponseTimeMs != stats[j].AvgResponseTimeMs {
			return stats[i].AvgResponseTimeMs < stats[j].AvgResponseTimeMs
		}
		return stats[i].Address < stats[j].Address
	})
	return truncate(stats, n)
}

// BottomPerformers is the reverse ranking of TopPerformers.
func (m *Monitor) BottomPerformers(n int) []PerfStat {
	stats := m.allStats()
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SuccessRate != stats[j].SuccessRate {
			return stats[i].SuccessRate < stats[j].SuccessRate
		}
		if stats[i].AvgResponseTimeMs != stats[j].AvgResponseTimeMs {
			return stats[i].AvgResponseTimeMs > stats[j].AvgResponseTimeMs
		}
		return stats[i].Address < stats[j].Address
	})
	return truncate(stats, n)
}

func (m *Monitor) allStats() []PerfStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := make([]PerfStat, 0, len(m.records))
	for addr, r := range m.records {
		if r.samples() == 0 {
			continue
		}
		// Same TTL expiry the control paths apply, but without mutating the
		// record under the read lock.
		blacklisted := r.Blacklisted &&
			(m.cfg.BlacklistTTL <= 0 || now.Sub(r.BlacklistedAt) < m.cfg.BlacklistTTL)
		stats = append(stats, PerfStat{
			Address:           addr,
			SuccessCount:      r.SuccessCount,
			FailureCount:      r.FailureCount,
			SuccessRate:       r.successRate(),
			AvgResponseTimeMs: r.avgResponseTimeMs(),
			Blacklisted:       blacklisted,
			LastOutcomeAt:     r.LastOutcomeAt,
		})
	}
	return stats
}

func truncate(stats []PerfStat, n int) []PerfStat {
	if n > 0 && len(stats) > n {
		return stats[:n]
	}
	return stats
}

// Snapshot returns a copy of all records, keyed by address.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.records))
	for addr, r := range m.records {
		out[addr] = *r
	}
	return out
}

// Restore loads previously persisted records, dropping any without an
// outcome since the cutoff.
func (m *Monitor) Restore(records map[string]Record, cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for addr, r := range records {
		if r.LastOutcomeAt.Before(cutoff) {
			continue
		}
		rec := r
		m.records[addr] = &rec
		loaded++
	}
	return loaded
}

// maskAddress hides the tail of the host part for log output.
func maskAddress(address string) string {
	const visible = 7
	if len(address) <= visible {
		return address
	}
	return address[:visible] + "***"
}
