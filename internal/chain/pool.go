package chain

import (
	"net/url"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultFailureThreshold is the number of consecutive failures after which an
// endpoint is marked failed and the pool rotates away from it.
const DefaultFailureThreshold = 3

// Endpoint is the health record of one RPC URL.
type Endpoint struct {
	URL          string
	FailureCount int
	Failed       bool
}

// Pool keeps the ordered endpoint list and the current selection.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	current   int
	threshold int
	logger    zerolog.Logger
}

// NewPool builds a pool starting at the first URL.
func NewPool(urls []string, threshold int, logger zerolog.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	endpoints := make([]Endpoint, len(urls))
	for i, u := range urls {
		endpoints[i] = Endpoint{URL: u}
	}
	return &Pool{
		endpoints: endpoints,
		threshold: threshold,
		logger:    logger.With().Str("component", "rpc_pool").Logger(),
	}, nil
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Current returns the index and URL to use for the next request. A failed
// current endpoint is skipped; when every endpoint is failed all marks and
// counters are cleared and selection restarts at index 0.
func (p *Pool) Current() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.endpoints[p.current].Failed {
		p.advanceLocked()
	}
	return p.current, p.endpoints[p.current].URL
}

// RecordSuccess clears the failure counter of the endpoint.
func (p *Pool) RecordSuccess(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.endpoints) {
		return
	}
	p.endpoints[idx].FailureCount = 0
}

// RecordFailure counts a failure against the endpoint. Reaching the threshold,
// or being rate limited, marks it failed and rotates. Returns true on rotation.
func (p *Pool) RecordFailure(idx int, rateLimited bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.endpoints) {
		return false
	}
	ep := &p.endpoints[idx]
	ep.FailureCount++
	if !rateLimited && ep.FailureCount < p.threshold {
		return false
	}
	ep.Failed = true
	p.logger.Warn().
		Int("endpoint", idx).
		Str("host", RedactURL(ep.URL)).
		Int("failures", ep.FailureCount).
		Bool("rate_limited", rateLimited).
		Msg("rpc endpoint marked failed")

	if idx != p.current {
		return false
	}
	p.advanceLocked()
	return true
}

// Snapshot copies the endpoint records for display.
func (p *Pool) Snapshot() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

func (p *Pool) advanceLocked() {
	n := len(p.endpoints)
	for step := 1; step <= n; step++ {
		next := (p.current + step) % n
		if !p.endpoints[next].Failed {
			p.current = next
			p.logger.Info().Int("endpoint", next).Str("host", RedactURL(p.endpoints[next].URL)).Msg("switched rpc endpoint")
			return
		}
	}

	p.logger.Warn().Msg("all rpc endpoints failed, resetting pool")
	for i := range p.endpoints {
		p.endpoints[i].Failed = false
		p.endpoints[i].FailureCount = 0
	}
	p.current = 0
}

// RedactURL keeps only scheme and host; provider URLs often embed API keys in the path.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
}
