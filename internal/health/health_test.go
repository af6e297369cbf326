package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/metrics"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		ConsecutiveFailureLimit: 5,
		MinSamples:              10,
		MinSuccessRate:          0.5,
		BlacklistTTL:            time.Hour,
	}
}

func newTestMonitor(cfg config.HealthConfig) *Monitor {
	return NewMonitor(cfg, metrics.NewCollectorWith("test", prometheus.NewRegistry()))
}

func TestOptimisticDefault(t *testing.T) {
	m := newTestMonitor(testConfig())
	if !m.IsHealthy("10.0.0.1:8080") {
		t.Fatal("address with no history should be healthy")
	}
}

func TestConsecutiveFailureBlacklist(t *testing.T) {
	m := newTestMonitor(testConfig())
	addr := "10.0.0.1:8080"

	for i := 0; i < 4; i++ {
		m.RecordFailure(addr, "server_error")
		if !m.IsHealthy(addr) {
			t.Fatalf("address blacklisted after only %d failures", i+1)
		}
	}

	m.RecordFailure(addr, "server_error")
	if m.IsHealthy(addr) {
		t.Fatal("address should be blacklisted on the 5th consecutive failure")
	}

	if _, ok := m.BlacklistedAddresses()[addr]; !ok {
		t.Fatal("blacklisted address missing from exclusion set")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	m := newTestMonitor(testConfig())
	addr := "10.0.0.1:8080"

	for i := 0; i < 4; i++ {
		m.RecordFailure(addr, "timeout")
	}
	m.RecordSuccess(addr, 100*time.Millisecond)
	for i := 0; i < 4; i++ {
		m.RecordFailure(addr, "timeout")
	}

	// Streak never reaches 5, and 9 samples is below the rate rule's minimum.
	if !m.IsHealthy(addr) {
		t.Fatal("success should reset the consecutive failure streak")
	}
}

func TestSuccessRateBlacklist(t *testing.T) {
	m := newTestMonitor(testConfig())
	addr := "10.0.0.1:8080"

	// Alternate outcomes so the streak rule never fires, then push the rate
	// below 0.5 with enough samples.
	for i := 0; i < 5; i++ {
		m.RecordSuccess(addr, 50*time.Millisecond)
		m.RecordFailure(addr, "server_error")
	}
	// 10 samples at exactly 0.5: not yet blacklisted.
	if !m.IsHealthy(addr) {
		t.Fatal("rate of exactly 0.5 should not blacklist")
	}

	m.RecordFailure(addr, "server_error")
	if m.IsHealthy(addr) {
		t.Fatal("11 samples with rate < 0.5 should blacklist")
	}
}

func TestBlacklistTTLReadmission(t *testing.T) {
	cfg := testConfig()
	cfg.BlacklistTTL = 20 * time.Millisecond
	m := newTestMonitor(cfg)
	addr := "10.0.0.1:8080"

	for i := 0; i < 5; i++ {
		m.RecordFailure(addr, "timeout")
	}
	if m.IsHealthy(addr) {
		t.Fatal("expected blacklist")
	}

	time.Sleep(30 * time.Millisecond)

	if !m.IsHealthy(addr) {
		t.Fatal("blacklist should expire after TTL")
	}
	if len(m.BlacklistedAddresses()) != 0 {
		t.Fatal("exclusion set should be empty after TTL")
	}
}

func TestRankings(t *testing.T) {
	m := newTestMonitor(testConfig())

	// fast: 100% success, quick
	m.RecordSuccess("fast:8080", 10*time.Millisecond)
	m.RecordSuccess("fast:8080", 10*time.Millisecond)
	// slow: 100% success, slow
	m.RecordSuccess("slow:8080", 500*time.Millisecond)
	m.RecordSuccess("slow:8080", 500*time.Millisecond)
	// flaky: 50% success
	m.RecordSuccess("flaky:8080", 100*time.Millisecond)
	m.RecordFailure("flaky:8080", "server_error")

	top := m.TopPerformers(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 top performers, got %d", len(top))
	}
	if top[0].Address != "fast:8080" {
		t.Errorf("expected fast:8080 first, got %s", top[0].Address)
	}
	if top[1].Address != "slow:8080" {
		t.Errorf("equal success rates should rank by latency, got %s", top[1].Address)
	}

	bottom := m.BottomPerformers(1)
	if len(bottom) != 1 || bottom[0].Address != "flaky:8080" {
		t.Errorf("expected flaky:8080 at the bottom, got %+v", bottom)
	}
}

func TestRankingsTieBreakDeterministic(t *testing.T) {
	m := newTestMonitor(testConfig())

	// Identical success rate and latency; order must not depend on map
	// iteration.
	m.RecordFailure("b:8080", "timeout")
	m.RecordFailure("a:8080", "timeout")

	for i := 0; i < 10; i++ {
		top := m.TopPerformers(2)
		if top[0].Address != "a:8080" || top[1].Address != "b:8080" {
			t.Fatalf("tied records ordered unstably: %s, %s", top[0].Address, top[1].Address)
		}
		bottom := m.BottomPerformers(2)
		if bottom[0].Address != "a:8080" || bottom[1].Address != "b:8080" {
			t.Fatalf("tied records ordered unstably: %s, %s", bottom[0].Address, bottom[1].Address)
		}
	}
}

func TestRankingsReflectBlacklistExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.BlacklistTTL = 20 * time.Millisecond
	m := newTestMonitor(cfg)
	addr := "10.0.0.1:8080"

	for i := 0; i < 5; i++ {
		m.RecordFailure(addr, "timeout")
	}
	if top := m.TopPerformers(1); !top[0].Blacklisted {
		t.Fatal("expected ranking to show the address as blacklisted")
	}

	time.Sleep(30 * time.Millisecond)

	// Control paths and the reporting view must agree after expiry.
	if top := m.TopPerformers(1); top[0].Blacklisted {
		t.Fatal("ranking still reports an expired blacklist entry")
	}
	if !m.IsHealthy(addr) {
		t.Fatal("expected address to be healthy after TTL")
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := newTestMonitor(testConfig())
	m.RecordSuccess("a:8080", 10*time.Millisecond)
	m.RecordFailure("b:8080", "timeout")

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap))
	}

	fresh := newTestMonitor(testConfig())
	loaded := fresh.Restore(snap, time.Now().Add(-time.Minute))
	if loaded != 2 {
		t.Fatalf("expected 2 restored records, got %d", loaded)
	}

	// A stale cutoff drops everything.
	empty := newTestMonitor(testConfig())
	if got := empty.Restore(snap, time.Now().Add(time.Minute)); got != 0 {
		t.Fatalf("expected 0 restored records past cutoff, got %d", got)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := newTestMonitor(testConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d:8080", g%4)
			for i := 0; i < 100; i++ {
				if i%2 == 0 {
					m.RecordSuccess(addr, time.Millisecond)
				} else {
					m.RecordFailure(addr, "timeout")
				}
				m.IsHealthy(addr)
				m.BlacklistedAddresses()
			}
		}(g)
	}
	wg.Wait()

	stats := m.TopPerformers(0)
	var total int64
	for _, s := range stats {
		total += s.SuccessCount + s.FailureCount
	}
	if total != 800 {
		t.Fatalf("expected 800 recorded outcomes, got %d", total)
	}
}
