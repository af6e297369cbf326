package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Line formats accepted from the provider:
//   host:port
//   host:port:username:password
//   socks5://host:port
//   http://host:port:username:password
var entryRegex = regexp.MustCompile(`^(?:(socks5|https?)://)?([\w.\-]+):(\d{2,5})(?::([^:\s]+):([^:\s]+))?$`)

// Proxy is one routable egress endpoint. Entries are created in bulk on
// refresh and never individually mutated.
type Proxy struct {
	Address   string    `json:"address"` // host:port
	Protocol  string    `json:"protocol"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// URL builds the proxy URL used by the HTTP transport, embedding credentials
// when present.
func (p Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: p.Protocol,
		Host:   p.Address,
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// MaskedAddress hides the tail of the address for log output.
func (p Proxy) MaskedAddress() string {
	const visible = 7
	if len(p.Address) <= visible {
		return p.Address
	}
	return p.Address[:visible] + "***"
}

// Snapshot is the active proxy list plus refresh metadata. It is replaced
// wholesale on refresh and never mutated in place.
type Snapshot struct {
	Proxies   []Proxy       `json:"proxies"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the snapshot's age exceeds its TTL.
func (s *Snapshot) Expired(now time.Time) bool {
	return now.Sub(s.FetchedAt) >= s.TTL
}

// Age returns how long ago the snapshot was fetched.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// parseList reads a provider response body, one entry per line. Credentials
// from the config are applied to entries that carry none of their own.
func parseList(r io.Reader, defaultUser, defaultPass string, fetchedAt time.Time) ([]Proxy, error) {
	proxies := make([]Proxy, 0, 128)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := entryRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		protocol := m[1]
		if protocol == "" || protocol == "https" {
			protocol = "http"
		}

		user, pass := m[4], m[5]
		if user == "" {
			user, pass = defaultUser, defaultPass
		}

		proxies = append(proxies, Proxy{
			Address:   fmt.Sprintf("%s:%s", m[2], m[3]),
			Protocol:  protocol,
			Username:  user,
			Password:  pass,
			FetchedAt: fetchedAt,
		})
	}

	if err := scanner.Err(); err != nil {
		return proxies, fmt.Errorf("scan provider response: %w", err)
	}

	return proxies, nil
}
