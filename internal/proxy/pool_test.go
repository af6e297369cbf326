package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/metrics"
)

func testCollector() *metrics.Collector {
	return metrics.NewCollectorWith("test", prometheus.NewRegistry())
}

func newTestPool(providerURL string, ttl time.Duration) *Pool {
	return NewPool(config.ProxyConfig{
		Enabled:     true,
		ProviderURL: providerURL,
		Username:    "user",
		Password:    "pass",
		TTL:         ttl,
	}, testCollector())
}

func TestParseList(t *testing.T) {
	input := strings.Join([]string{
		"10.0.0.1:8080",
		"10.0.0.2:8080:alice:secret",
		"socks5://10.0.0.3:1080",
		"http://10.0.0.4:3128:bob:hunter2",
		"# comment",
		"",
		"not a proxy line",
	}, "\n")

	proxies, err := parseList(strings.NewReader(input), "defuser", "defpass", time.Now())
	if err != nil {
		t.Fatalf("parseList returned error: %v", err)
	}

	if len(proxies) != 4 {
		t.Fatalf("expected 4 proxies, got %d", len(proxies))
	}

	if proxies[0].Address != "10.0.0.1:8080" || proxies[0].Username != "defuser" {
		t.Errorf("plain entry should get default credentials, got %+v", proxies[0])
	}
	if proxies[1].Username != "alice" || proxies[1].Password != "secret" {
		t.Errorf("inline credentials should win, got %+v", proxies[1])
	}
	if proxies[2].Protocol != "socks5" {
		t.Errorf("expected socks5 protocol, got %q", proxies[2].Protocol)
	}
	if proxies[3].Protocol != "http" || proxies[3].Username != "bob" {
		t.Errorf("unexpected entry: %+v", proxies[3])
	}
}

func TestProxyURL(t *testing.T) {
	p := Proxy{Address: "10.0.0.1:8080", Protocol: "http", Username: "u", Password: "p"}
	u := p.URL()
	if u.String() != "http://u:p@10.0.0.1:8080" {
		t.Errorf("unexpected proxy URL: %s", u)
	}

	bare := Proxy{Address: "10.0.0.2:8080", Protocol: "http"}
	if bare.URL().String() != "http://10.0.0.2:8080" {
		t.Errorf("unexpected bare proxy URL: %s", bare.URL())
	}
}

func TestRefreshAndRoundRobin(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("10.0.0.1:8080\n10.0.0.2:8080\n10.0.0.3:8080\n10.0.0.4:8080\n10.0.0.5:8080\n"))
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if pool.Size() != 5 {
		t.Fatalf("expected pool size 5, got %d", pool.Size())
	}

	// N consecutive calls return N distinct addresses before any repeat.
	seen := make(map[string]struct{})
	for i := 0; i < 5; i++ {
		p, err := pool.Next(context.Background(), nil)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if _, dup := seen[p.Address]; dup {
			t.Fatalf("address %s repeated before full rotation", p.Address)
		}
		seen[p.Address] = struct{}{}
	}
}

func TestNextSkipsExcluded(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("10.0.0.1:8080\n10.0.0.2:8080\n"))
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	excluding := map[string]struct{}{"10.0.0.1:8080": {}}

	for i := 0; i < 4; i++ {
		p, err := pool.Next(context.Background(), excluding)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if p.Address == "10.0.0.1:8080" {
			t.Fatal("excluded address was returned")
		}
	}
}

func TestNextExhausted(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("10.0.0.1:8080\n"))
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	_, err := pool.Next(context.Background(), map[string]struct{}{"10.0.0.1:8080": {}})
	if err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestRefreshTTLGate(t *testing.T) {
	var fetches atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("10.0.0.1:8080\n"))
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if n := fetches.Load(); n != 1 {
		t.Fatalf("expected exactly 1 provider fetch within TTL window, got %d", n)
	}
}

func TestRefreshServesStaleCacheOnFailure(t *testing.T) {
	var fail atomic.Bool
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("10.0.0.1:8080\n"))
	}))
	defer provider.Close()

	// Short TTL so the second Refresh actually re-fetches.
	pool := newTestPool(provider.URL, 10*time.Millisecond)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}

	fail.Store(true)
	time.Sleep(20 * time.Millisecond)

	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh should serve stale cache without error, got %v", err)
	}
	if pool.Size() != 1 {
		t.Fatalf("cached snapshot should still be served, size=%d", pool.Size())
	}
}

func TestRefreshFailsLoudlyWithoutCache(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	err := pool.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error with no cached snapshot")
	}
	if !errors.Is(err, ErrProviderFetch) {
		t.Errorf("expected ErrProviderFetch, got %v", err)
	}
}

func TestProviderAuth(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("10.0.0.1:8080\n"))
	}))
	defer provider.Close()

	pool := newTestPool(provider.URL, time.Hour)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("authenticated refresh failed: %v", err)
	}
}
