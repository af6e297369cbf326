// Package report assembles the read-only operator snapshot and handles
// periodic persistence of health history.
package report

import (
	"sync"
	"time"

	"github.com/resilient-proxy-client/internal/breaker"
	"github.com/resilient-proxy-client/internal/client"
	"github.com/resilient-proxy-client/internal/health"
	"github.com/resilient-proxy-client/internal/proxy"
	"github.com/resilient-proxy-client/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Report is the operator-facing view. Assembling it never mutates control
// state.
type Report struct {
	Stats       client.GlobalStats `json:"stats"`
	Breaker     BreakerReport      `json:"breaker"`
	Pool        PoolReport         `json:"pool"`
	Blacklisted int                `json:"blacklisted"`
	Top         []health.PerfStat  `json:"top_performers"`
	Bottom      []health.PerfStat  `json:"bottom_performers"`
	Generated   time.Time          `json:"generated"`
}

type BreakerReport struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

type PoolReport struct {
	Size      int       `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Reporter struct {
	cli     *client.Client
	monitor *health.Monitor
	pool    *proxy.Pool
	brk     *breaker.Breaker
	store   storage.Storage

	persistMu       sync.Mutex
	persistInterval time.Duration
	stopPersist     chan struct{}
	stopOnce        sync.Once
}

func NewReporter(cli *client.Client, monitor *health.Monitor, pool *proxy.Pool, brk *breaker.Breaker, store storage.Storage, persistInterval time.Duration) *Reporter {
	r := &Reporter{
		cli:             cli,
		monitor:         monitor,
		pool:            pool,
		brk:             brk,
		store:           store,
		persistInterval: persistInterval,
		stopPersist:     make(chan struct{}),
	}

	if persistInterval > 0 && store != nil {
		go r.periodicPersist()
	}

	return r
}

// Build assembles the current report with up to n entries per ranking.
func (r *Reporter) Build(n int) Report {
	return Report{
		Stats: r.cli.Stats(),
		Breaker: BreakerReport{
			State:               r.brk.State(),
			ConsecutiveFailures: r.brk.ConsecutiveFailures(),
		},
		Pool: PoolReport{
			Size:      r.pool.Size(),
			FetchedAt: r.pool.FetchedAt(),
		},
		Blacklisted: len(r.monitor.BlacklistedAddresses()),
		Top:         r.monitor.TopPerformers(n),
		Bottom:      r.monitor.BottomPerformers(n),
		Generated:   time.Now(),
	}
}

// RestoreFromStorage seeds the health monitor with the last persisted
// snapshot, dropping records with no outcome in the past day.
func (r *Reporter) RestoreFromStorage() error {
	if r.store == nil {
		return nil
	}

	snap, err := r.store.Load()
	if err != nil {
		return err
	}
	if snap == nil || len(snap.Health) == 0 {
		log.Info("No persisted health history")
		return nil
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	loaded := r.monitor.Restore(snap.Health, cutoff)
	log.Infof("Restored health history for %d proxies (of %d persisted)", loaded, len(snap.Health))
	return nil
}

func (r *Reporter) persist() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := &storage.Snapshot{
		Health:  r.monitor.Snapshot(),
		Stats:   r.cli.Stats(),
		Updated: time.Now(),
	}

	if err := r.store.Save(snap); err != nil {
		log.Errorf("Failed to persist health snapshot: %v", err)
	} else {
		log.Debugf("Health snapshot persisted: %d records", len(snap.Health))
	}
}

func (r *Reporter) periodicPersist() {
	ticker := time.NewTicker(r.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.persist()
		case <-r.stopPersist:
			return
		}
	}
}

// Close stops the persistence loop and writes a final snapshot.
func (r *Reporter) Close() {
	r.stopOnce.Do(func() {
		close(r.stopPersist)
	})
	if r.store != nil {
		r.persist()
	}
}
