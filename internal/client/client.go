// Package client implements the resilient outbound request client: proxy
// rotation, retry with exponential backoff, per-proxy health tracking and a
// global circuit breaker, behind a single blocking Do call.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/resilient-proxy-client/internal/breaker"
	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/health"
	"github.com/resilient-proxy-client/internal/metrics"
	"github.com/resilient-proxy-client/internal/proxy"
	log "github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

// Request describes one logical outbound request.
type Request struct {
	URL     string
	Method  string // defaults to GET
	Params  url.Values
	Headers http.Header
	Body    []byte

	// Timeout bounds each individual attempt. Zero means the configured
	// default.
	Timeout time.Duration

	// MaxRetries overrides the configured retry budget when positive.
	MaxRetries int
}

// Response is the opaque HTTP result handed back to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proxy      string
	Attempts   int
	Elapsed    time.Duration
}

type ctxProxyKey struct{}

// Client is the public entry point. It behaves as a drop-in substitute for a
// plain blocking GET/POST, differing only in added resilience and in the
// typed errors it can return.
type Client struct {
	cfg       config.ClientConfig
	enabled   bool
	pool      *proxy.Pool
	monitor   *health.Monitor
	breaker   *breaker.Breaker
	metrics   *metrics.Collector
	stats     *statsTracker
	transport *http.Transport
	http      *http.Client
}

// New wires the client from its collaborators. Pass enabled=false to bypass
// the proxy/retry machinery entirely and issue direct requests.
func New(cfg config.ClientConfig, enabled bool, pool *proxy.Pool, monitor *health.Monitor, brk *breaker.Breaker, collector *metrics.Collector) *Client {
	dialer := &net.Dialer{
		Timeout:   cfg.RequestTimeout,
		KeepAlive: 30 * time.Second,
	}

	// One shared transport with persistent connections. Without pooling a
	// high request volume exhausts local ephemeral ports.
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			// Direct-mode requests carry a zero Proxy value; they must not
			// be routed anywhere.
			if p, ok := req.Context().Value(ctxProxyKey{}).(proxy.Proxy); ok && p.Address != "" && p.Protocol != "socks5" {
				return p.URL(), nil
			}
			return nil, nil
		},
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.IdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // exit proxies terminate TLS with arbitrary certs
		},
	}

	return &Client{
		cfg:       cfg,
		enabled:   enabled,
		pool:      pool,
		monitor:   monitor,
		breaker:   brk,
		metrics:   collector,
		stats:     newStatsTracker(),
		transport: transport,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Stats returns a snapshot of the client's monotonic counters.
func (c *Client) Stats() GlobalStats {
	return c.stats.snapshot()
}

// Get issues a GET for the given URL through the retry machinery.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{URL: rawURL})
}

// Do runs the full retry loop for one logical request. Attempts are strictly
// sequential; the only suspension points are the network wait and the
// backoff sleep. On success the response is returned immediately. Terminal
// failures are ErrCircuitOpen, ErrPoolExhausted, ErrProviderFetch or a
// *RetriesExhaustedError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	c.stats.recordRequest()

	if !c.enabled {
		return c.doDirect(ctx, req, start)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.MaxRetries
	}

	var lastStatus int
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Gate before consuming a proxy or touching the network.
		done, err := c.breaker.Allow()
		if err != nil {
			c.metrics.RecordRequest("circuit_open")
			return nil, err
		}

		p, err := c.pool.Next(ctx, c.monitor.BlacklistedAddresses())
		if err != nil {
			// The breaker granted this slot; an unusable pool counts
			// against it so a starved process still backs off.
			done(false)
			c.metrics.RecordRequest("pool_exhausted")
			return nil, err
		}

		attempts++
		resp, status, attemptErr := c.attempt(ctx, req, p, attempt)
		if attemptErr == nil {
			done(true)
			c.metrics.RecordRequest("success")
			resp.Attempts = attempts
			resp.Elapsed = time.Since(start)
			return resp, nil
		}

		done(false)
		lastStatus, lastErr = status, attemptErr

		// A cancelled caller stops the loop; there is nothing left to retry
		// for.
		if ctx.Err() != nil {
			c.metrics.RecordRequest("cancelled")
			return nil, fmt.Errorf("request aborted: %w", ctx.Err())
		}

		if attempt == maxRetries {
			break
		}

		delay := backoffDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax, c.cfg.JitterMax)
		log.WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay.Round(time.Millisecond).String(),
			"status":  status,
		}).Debug("Backing off before retry")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.metrics.RecordRequest("cancelled")
			return nil, fmt.Errorf("request aborted during backoff: %w", ctx.Err())
		}
	}

	c.metrics.RecordRequest("retries_exhausted")
	return nil, &RetriesExhaustedError{
		Attempts:   attempts,
		LastStatus: lastStatus,
		LastErr:    lastErr,
	}
}

// attempt issues one try through the given proxy and classifies the outcome,
// feeding it back into the health monitor. Returns a nil error only for 2xx.
func (c *Client) attempt(ctx context.Context, req Request, p proxy.Proxy, attempt int) (*Response, int, error) {
	started := time.Now()

	httpReq, cancel, err := c.buildRequest(ctx, req, p)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	defer cancel()

	var resp *http.Response
	if p.Protocol == "socks5" {
		resp, err = c.socksClient(p, req.Timeout).Do(httpReq)
	} else {
		resp, err = c.http.Do(httpReq)
	}

	elapsed := time.Since(started)

	if err != nil {
		outcome := classifyError(err)
		c.recordOutcome(p, attempt, 0, outcome, elapsed, false)
		return nil, 0, fmt.Errorf("%s via %s: %w", outcome, p.MaskedAddress(), err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if readErr != nil {
		c.recordOutcome(p, attempt, resp.StatusCode, "read_error", elapsed, false)
		return nil, resp.StatusCode, fmt.Errorf("read body via %s: %w", p.MaskedAddress(), readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.recordOutcome(p, attempt, resp.StatusCode, "success", elapsed, true)
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
			Proxy:      p.Address,
		}, resp.StatusCode, nil
	}

	outcome := classifyStatus(resp.StatusCode)
	c.recordOutcome(p, attempt, resp.StatusCode, outcome, elapsed, false)
	return nil, resp.StatusCode, fmt.Errorf("%s via %s: HTTP %d", outcome, p.MaskedAddress(), resp.StatusCode)
}

func (c *Client) buildRequest(ctx context.Context, req Request, p proxy.Proxy) (*http.Request, context.CancelFunc, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	attemptCtx = context.WithValue(attemptCtx, ctxProxyKey{}, p)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	if len(req.Params) > 0 {
		q := httpReq.URL.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	httpReq.Header.Set("User-Agent", randomUserAgent())
	httpReq.Header.Set("Accept", acceptHeader)
	httpReq.Header.Set("Accept-Language", randomAcceptLanguage())
	for k, vs := range req.Headers {
		httpReq.Header[k] = vs
	}

	return httpReq, cancel, nil
}

// socksClient builds a short-lived client dialing through a SOCKS5 proxy.
// These connections are not pooled; mixing per-proxy SOCKS tunnels in the
// shared transport would let idle connections leak across proxies.
func (c *Client) socksClient(p proxy.Proxy, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	var auth *xproxy.Auth
	if p.Username != "" {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer, err := xproxy.SOCKS5("tcp", p.Address, auth, xproxy.Direct)
			if err != nil {
				return nil, err
			}
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// doDirect issues a single plain request without proxies, retries or breaker
// involvement.
func (c *Client) doDirect(ctx context.Context, req Request, start time.Time) (*Response, error) {
	httpReq, cancel, err := c.buildRequest(ctx, req, proxy.Proxy{})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	defer cancel()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.stats.recordAttempt(false)
		c.metrics.RecordRequest("direct_error")
		return nil, fmt.Errorf("direct request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		c.stats.recordAttempt(false)
		return nil, fmt.Errorf("read body: %w", err)
	}

	c.stats.recordAttempt(resp.StatusCode < 400)
	c.metrics.RecordRequest("direct")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Attempts:   1,
		Elapsed:    time.Since(start),
	}, nil
}

// recordOutcome feeds one attempt's result into health tracking, stats,
// metrics and the per-attempt structured log line.
func (c *Client) recordOutcome(p proxy.Proxy, attempt, status int, outcome string, elapsed time.Duration, success bool) {
	if success {
		c.monitor.RecordSuccess(p.Address, elapsed)
	} else {
		c.monitor.RecordFailure(p.Address, outcome)
	}

	c.stats.recordAttempt(success)
	c.metrics.RecordAttempt(outcome, elapsed.Seconds())

	log.WithFields(log.Fields{
		"proxy":      p.MaskedAddress(),
		"attempt":    attempt,
		"outcome":    outcome,
		"status":     status,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("Request attempt")
}

// classifyStatus buckets non-2xx statuses. 429 and 5xx are the expected
// transient classes; everything else is treated the same way by the retry
// loop but labelled distinctly for telemetry.
func classifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	default:
		return fmt.Sprintf("http_%d", status)
	}
}

func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ENETUNREACH):
		return "connection_error"
	default:
		return "error"
	}
}
