// Package bridge implements the Bridge / Mesh Forwarder (spec.md C8):
// a generic cross-realm hop with identity token injection, bounded
// retries/backoff, a circuit breaker, a hop-count limit, and an SSRF
// guard applied after redirect resolution.
//
// Grounded directly on the teacher's pkg/util/resiliency/client.go
// (EnhancedClient: exponential backoff + jitter, CircuitBreaker state
// machine, W3C traceparent injection) generalized from a fixed 3-retry
// HTTP client to ODIN's configurable timeout/retry/backoff/hop-count
// contract in spec.md §4.8.
package bridge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// HopHeader carries the monotonically increasing hop count.
const HopHeader = "X-ODIN-Hop-Count"

// DefaultMaxHops matches spec.md §4.8's "default 8".
const DefaultMaxHops = 8

// Error codes surfaced to the caller.
const (
	ErrHopLimit      = "odin.hop.limit"
	ErrUpstream4xx   = "odin.bridge.upstream_4xx"
	ErrUpstream5xx   = "odin.bridge.upstream_5xx"
	ErrNetwork       = "odin.bridge.network"
	ErrSSRFBlocked   = "odin.bridge.ssrf_blocked"
)

// Error is a typed bridge failure.
type Error struct {
	Code       string
	Detail     string
	BodySnippet string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Hop Receipt stages, spec.md §3's HR entity.
const (
	StageIngress = "ingress"
	StageForward = "forward"
	StageReverse = "reverse"
	StageReply   = "reply"
)

// HopReceipt is the per-stage audit record of a forwarded call:
// `(trace_id, hop_index, stage, route, tenant, from_kid, to_peer,
// input_cid, output_cid?, latency_ms, outcome)`.
type HopReceipt struct {
	TraceID   string `json:"trace_id"`
	HopIndex  int    `json:"hop_index"`
	Stage     string `json:"stage"`
	Route     string `json:"route"`
	Tenant    string `json:"tenant,omitempty"`
	FromKid   string `json:"from_kid,omitempty"`
	ToPeer    string `json:"to_peer"`
	InputCID  string `json:"input_cid,omitempty"`
	OutputCID string `json:"output_cid,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// IdentityTokenSource mints a bearer token bound to an audience derived
// from the outbound target URL, wired to internal/roaming.Issuer by the
// gateway.
type IdentityTokenSource interface {
	TokenForAudience(ctx context.Context, audience string) (string, error)
}

// SignRequest adds a signature to each outbound attempt just before it is
// sent; which bytes it signs and which headers it sets is up to the
// supplied function (the gateway supplies main's httpSigSigner).
type SignRequest func(req *http.Request) error

// CircuitBreaker is the resiliency.CircuitBreaker state machine, reused
// per destination host.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures and attempts a half-open probe after timeout.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, resetTimeout: timeout, state: "CLOSED"}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// Config configures one Forwarder.
type Config struct {
	TotalTimeout  time.Duration // default 10000ms
	Retries       int           // default 2
	BackoffBase   time.Duration // default 100ms, backoff = base * 2^i + jitter
	MaxHops       int           // default 8
	AllowedHosts  map[string]bool // SSRF allowlist override; nil = deny all private/loopback targets
	AllowedIPNets []*net.IPNet    // additional explicitly-allowed private ranges

	IdentitySource IdentityTokenSource
	Sign           SignRequest
	Breakers       map[string]*CircuitBreaker
	breakersMu     sync.Mutex

	AllowlistedHeaders []string
}

func defaults(c *Config) {
	if c.TotalTimeout == 0 {
		c.TotalTimeout = 10 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 2
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.MaxHops == 0 {
		c.MaxHops = DefaultMaxHops
	}
}

func (c *Config) breakerFor(host string) *CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if c.Breakers == nil {
		c.Breakers = make(map[string]*CircuitBreaker)
	}
	b, ok := c.Breakers[host]
	if !ok {
		b = NewCircuitBreaker(5, 10*time.Second)
		c.Breakers[host] = b
	}
	return b
}

// Forwarder executes outbound hops.
type Forwarder struct {
	cfg    *Config
	client *http.Client
}

// NewForwarder returns a Forwarder with cfg's defaults applied.
func NewForwarder(cfg *Config) *Forwarder {
	defaults(cfg)
	return &Forwarder{cfg: cfg, client: &http.Client{
		Timeout: cfg.TotalTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return checkSSRF(cfg, req.URL.Hostname())
		},
	}}
}

// MaxHops returns the configured hop-count ceiling, so a caller building
// a Hop Receipt can report the attempted hop index even when Forward
// rejects the call before dispatch.
func (f *Forwarder) MaxHops() int {
	return f.cfg.MaxHops
}

// Forward executes one hop to targetURL with body, honoring the incoming
// hop count from inboundHopCount. headers is the inbound request's header
// set; only the names listed in Config.AllowlistedHeaders are copied from it.
func (f *Forwarder) Forward(ctx context.Context, targetURL string, body []byte, headers http.Header, inboundHopCount int) (*http.Response, []byte, error) {
	nextHop := inboundHopCount + 1
	if nextHop > f.cfg.MaxHops {
		return nil, nil, &Error{Code: ErrHopLimit, Detail: fmt.Sprintf("%d exceeds max %d", nextHop, f.cfg.MaxHops)}
	}

	host, err := hostOf(targetURL)
	if err != nil {
		return nil, nil, &Error{Code: ErrNetwork, Detail: err.Error()}
	}
	if err := checkSSRF(f.cfg, host); err != nil {
		return nil, nil, &Error{Code: ErrSSRFBlocked, Detail: err.Error()}
	}

	breaker := f.cfg.breakerFor(host)
	if !breaker.Allow() {
		return nil, nil, &Error{Code: ErrNetwork, Detail: "circuit breaker open for " + host}
	}

	var resp *http.Response
	var respBody []byte
	var lastErr error

	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, &Error{Code: ErrNetwork, Detail: err.Error()}
		}
		req.Header.Set(HopHeader, strconv.Itoa(nextHop))
		req.Header.Set("traceparent", newTraceparent())
		for _, h := range f.cfg.AllowlistedHeaders {
			if v := headers.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
		if f.cfg.IdentitySource != nil {
			tok, terr := f.cfg.IdentitySource.TokenForAudience(ctx, host)
			if terr == nil && tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		if f.cfg.Sign != nil {
			if serr := f.cfg.Sign(req); serr != nil {
				return nil, nil, &Error{Code: ErrNetwork, Detail: serr.Error()}
			}
		}

		resp, lastErr = f.client.Do(req)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}

		if lastErr == nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			respBody = body
			lastErr = &Error{Code: ErrUpstream5xx, Detail: fmt.Sprintf("status %d", resp.StatusCode), BodySnippet: string(body)}
		}

		if attempt == f.cfg.Retries {
			break
		}
		time.Sleep(backoffWithJitter(f.cfg.BackoffBase, attempt))
	}

	if lastErr != nil {
		breaker.Failure()
		return nil, respBody, lastErr
	}

	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.Failure()
		return nil, nil, &Error{Code: ErrNetwork, Detail: err.Error()}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		breaker.Success()
		return resp, out, &Error{Code: ErrUpstream4xx, Detail: fmt.Sprintf("status %d", resp.StatusCode), BodySnippet: string(out[:minInt(len(out), 2048)])}
	}

	breaker.Success()
	return resp, out, nil
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * base
	var jitterBytes [2]byte
	_, _ = rand.Read(jitterBytes[:])
	jitter := time.Duration(int(jitterBytes[0])%50) * time.Millisecond
	return backoff + jitter
}

func newTraceparent() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("00-%s-0000000000000001-01", hex.EncodeToString(b[:]))
}

func hostOf(rawURL string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	return req.URL.Hostname(), nil
}

// checkSSRF resolves host to IPs and rejects private/loopback/link-local
// ranges unless explicitly allowlisted. It runs both at initial dispatch
// and, via http.Client.CheckRedirect, after every redirect hop.
func checkSSRF(cfg *Config, host string) error {
	if cfg.AllowedHosts != nil && cfg.AllowedHosts[host] {
		return nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivate(ip, cfg.AllowedIPNets) {
			return fmt.Errorf("destination %s resolves to disallowed address %s", host, ip)
		}
	}
	return nil
}

func isPrivate(ip net.IP, extraAllowed []*net.IPNet) bool {
	for _, n := range extraAllowed {
		if n.Contains(ip) {
			return false
		}
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
