// Package upstream wraps outbound calls to the Antigravity Cloud Code
// endpoints with endpoint failover, per-account outbound proxy pooling, and
// deterministic User-Agent rotation (spec §4.11 "UpstreamClient").
package upstream

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// endpointState is the per-endpoint mini circuit breaker: five consecutive
// transport errors take an endpoint out of rotation for a cooldown window.
type endpointState struct {
	mu                sync.Mutex
	consecutiveErrors int
	skipUntil         time.Time
}

func (s *endpointState) available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.skipUntil)
}

func (s *endpointState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
	s.skipUntil = time.Time{}
}

func (s *endpointState) recordFailure(threshold int, cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	if s.consecutiveErrors >= threshold {
		s.skipUntil = time.Now().Add(cooldown)
	}
}

// Config tunes endpoint failover and proxy pooling.
type Config struct {
	BaseURLs                    []string
	PerEndpointFailureThreshold int
	PerEndpointCooldown         time.Duration
	ProxyPoolSize               int
}

// userAgents is a static rotation table; the pick for a given account is
// deterministic (same account always maps to the same entry) so request
// fingerprints stay stable across a single account's lifetime.
var userAgents = []string{
	"antigravity-cli/1.4.0 (darwin; arm64)",
	"antigravity-cli/1.4.0 (linux; x86_64)",
	"antigravity-cli/1.4.0 (windows; x86_64)",
	"antigravity-cli/1.3.2 (darwin; arm64)",
	"antigravity-cli/1.3.2 (linux; x86_64)",
	"antigravity-cli/1.3.0 (darwin; x86_64)",
	"antigravity-cli/1.2.8 (linux; x86_64)",
	"antigravity-cli/1.2.8 (windows; x86_64)",
}

func pickUserAgent(accountID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return userAgents[int(h.Sum32())%len(userAgents)]
}

// proxyPool is a small bounded LRU of *http.Client keyed by proxy URL, so
// accounts sharing an outbound proxy reuse one connection pool instead of
// dialing a fresh transport per request.
type proxyPool struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type proxyPoolEntry struct {
	proxyURL string
	client   *http.Client
}

func newProxyPool(capacity int) *proxyPool {
	if capacity <= 0 {
		capacity = 64
	}
	return &proxyPool{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (p *proxyPool) get(proxyURL string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.items[proxyURL]; ok {
		p.ll.MoveToFront(el)
		return el.Value.(*proxyPoolEntry).client, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	client := &http.Client{Transport: transport, Timeout: 10 * time.Minute}
	el := p.ll.PushFront(&proxyPoolEntry{proxyURL: proxyURL, client: client})
	p.items[proxyURL] = el

	if p.ll.Len() > p.capacity {
		oldest := p.ll.Back()
		if oldest != nil {
			p.ll.Remove(oldest)
			delete(p.items, oldest.Value.(*proxyPoolEntry).proxyURL)
		}
	}
	return client, nil
}

// Client dispatches requests across the configured endpoint list, skipping
// endpoints whose mini circuit breaker is currently open, and reuses a
// per-proxy-URL *http.Client via an LRU pool.
type Client struct {
	cfg       Config
	endpoints []string
	states    map[string]*endpointState
	proxies   *proxyPool
}

// New creates an upstream Client.
func New(cfg Config) *Client {
	if len(cfg.BaseURLs) == 0 {
		cfg.BaseURLs = []string{"https://cloudcode-pa.googleapis.com"}
	}
	if cfg.PerEndpointFailureThreshold <= 0 {
		cfg.PerEndpointFailureThreshold = 5
	}
	if cfg.PerEndpointCooldown <= 0 {
		cfg.PerEndpointCooldown = 30 * time.Second
	}

	states := make(map[string]*endpointState, len(cfg.BaseURLs))
	for _, ep := range cfg.BaseURLs {
		states[ep] = &endpointState{}
	}

	return &Client{
		cfg:       cfg,
		endpoints: cfg.BaseURLs,
		states:    states,
		proxies:   newProxyPool(cfg.ProxyPoolSize),
	}
}

// AvailableEndpoints returns the configured endpoints currently not in
// cooldown, in configured priority order.
func (c *Client) AvailableEndpoints() []string {
	out := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		if c.states[ep].available() {
			out = append(out, ep)
		}
	}
	return out
}

// RecordEndpointSuccess clears an endpoint's failure streak.
func (c *Client) RecordEndpointSuccess(endpoint string) {
	if s, ok := c.states[endpoint]; ok {
		s.recordSuccess()
	}
}

// RecordEndpointFailure bumps an endpoint's failure streak, possibly opening
// its mini circuit breaker.
func (c *Client) RecordEndpointFailure(endpoint string) {
	if s, ok := c.states[endpoint]; ok {
		s.recordFailure(c.cfg.PerEndpointFailureThreshold, c.cfg.PerEndpointCooldown)
	}
}

// Do issues req against endpoint, using accountID to pick a deterministic
// User-Agent and proxyURL to pick a pooled client. A fresh trace-id header
// is attached unless the caller already set one.
func (c *Client) Do(ctx context.Context, req *http.Request, accountID, proxyURL string) (*http.Response, error) {
	client, err := c.proxies.get(proxyURL)
	if err != nil {
		return nil, err
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", pickUserAgent(accountID))
	}
	if req.Header.Get("X-Trace-Id") == "" {
		req.Header.Set("X-Trace-Id", uuid.NewString())
	}

	resp, err := client.Do(req)
	return resp, err
}
