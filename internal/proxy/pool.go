package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/metrics"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrPoolExhausted means no proxy remains after excluding blacklisted addresses.
	ErrPoolExhausted = errors.New("proxy pool exhausted")

	// ErrProviderFetch means the provider list could not be fetched and no
	// cached snapshot exists to serve instead.
	ErrProviderFetch = errors.New("provider fetch failed")
)

// Pool maintains a fresh, thread-safe rotating source of proxy endpoints.
// The active snapshot is swapped atomically on refresh so concurrent readers
// never observe a partially-built list.
type Pool struct {
	cfg     config.ProxyConfig
	metrics *metrics.Collector
	client  *http.Client

	current   atomic.Value // stores *Snapshot
	rrIndex   atomic.Uint64
	refreshMu sync.Mutex
}

func NewPool(cfg config.ProxyConfig, collector *metrics.Collector) *Pool {
	return &Pool{
		cfg:     cfg,
		metrics: collector,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Refresh fetches the provider list and atomically swaps the active snapshot.
// A call within the TTL window of a fresh snapshot is a no-op, so callers may
// invoke it opportunistically. If the fetch fails and any cached snapshot
// exists, the cache keeps serving and only a warning is emitted.
func (p *Pool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	now := time.Now()
	if snap := p.snapshot(); snap != nil && !snap.Expired(now) {
		log.Debugf("Pool refresh skipped, snapshot is %v old (TTL %v)", snap.Age(now).Round(time.Second), snap.TTL)
		return nil
	}

	proxies, err := p.fetchList(ctx, now)
	if err != nil {
		if snap := p.snapshot(); snap != nil {
			p.metrics.RecordRefresh("stale")
			log.Warnf("Provider fetch failed, serving cached snapshot of %d proxies (age %v): %v",
				len(snap.Proxies), snap.Age(now).Round(time.Second), err)
			return nil
		}
		p.metrics.RecordRefresh("failure")
		return fmt.Errorf("%w: %v", ErrProviderFetch, err)
	}

	p.current.Store(&Snapshot{
		Proxies:   proxies,
		FetchedAt: now,
		TTL:       p.cfg.TTL,
	})

	p.metrics.RecordRefresh("success")
	p.metrics.SetPoolSize(len(proxies))
	log.Infof("Proxy pool refreshed: %d proxies loaded", len(proxies))

	return nil
}

func (p *Pool) fetchList(ctx context.Context, fetchedAt time.Time) ([]Proxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ProviderURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.cfg.Username != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	proxies, err := parseList(resp.Body, p.cfg.Username, p.cfg.Password, fetchedAt)
	if err != nil {
		return nil, err
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("provider returned no parseable entries")
	}

	return proxies, nil
}

// Next returns the next proxy in round-robin order, skipping any address in
// the exclusion set. A stale or missing snapshot triggers an implicit refresh
// first. Safe for concurrent use.
func (p *Pool) Next(ctx context.Context, excluding map[string]struct{}) (Proxy, error) {
	snap := p.snapshot()
	if snap == nil || snap.Expired(time.Now()) {
		if err := p.Refresh(ctx); err != nil {
			return Proxy{}, err
		}
		snap = p.snapshot()
	}
	if snap == nil || len(snap.Proxies) == 0 {
		return Proxy{}, ErrPoolExhausted
	}

	n := uint64(len(snap.Proxies))
	for i := uint64(0); i < n; i++ {
		candidate := snap.Proxies[p.rrIndex.Add(1)%n]
		if _, skip := excluding[candidate.Address]; skip {
			continue
		}
		return candidate, nil
	}

	return Proxy{}, ErrPoolExhausted
}

// Size returns the number of proxies in the active snapshot.
func (p *Pool) Size() int {
	if snap := p.snapshot(); snap != nil {
		return len(snap.Proxies)
	}
	return 0
}

// FetchedAt returns when the active snapshot was loaded, or the zero time if
// no snapshot has been loaded yet.
func (p *Pool) FetchedAt() time.Time {
	if snap := p.snapshot(); snap != nil {
		return snap.FetchedAt
	}
	return time.Time{}
}

func (p *Pool) snapshot() *Snapshot {
	if v := p.current.Load(); v != nil {
		return v.(*Snapshot)
	}
	return nil
}
