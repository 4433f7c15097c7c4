// Package tenant implements tenant resolution and per-tenant quota
// enforcement — middleware stages 1 and 2 of spec.md §4.6.
//
// Grounded on the teacher's pkg/api/middleware.go GlobalRateLimiter
// (per-IP golang.org/x/time/rate limiters, background cleanup of stale
// visitors), generalized from per-IP to per-tenant token buckets, plus
// pkg/kernel/limiter_redis.go's Redis-Lua atomic token bucket for
// multi-instance deployments.
package tenant

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"
)

type ctxKey int

const tenantKey ctxKey = iota

// WithTenant attaches a resolved tenant id to ctx.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

// FromContext returns the tenant id attached by the resolution stage, or
// "" if none was resolved.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

// Resolver extracts a tenant id from an inbound request's configured
// header (pipeline stage 1). It does not read a tenant id from a token.
type Resolver struct {
	Header         string // e.g. "X-ODIN-Tenant"
	RequireTenant  bool
	DefaultTenant  string // used when !RequireTenant and the header is absent
}

// Resolve returns the tenant id and whether the request must be rejected
// with UnknownTenant.
func (r *Resolver) Resolve(req *http.Request) (id string, reject bool) {
	id = req.Header.Get(r.Header)
	if id != "" {
		return id, false
	}
	if r.RequireTenant {
		return "", true
	}
	if r.DefaultTenant != "" {
		return r.DefaultTenant, false
	}
	return "shared", false
}

// Policy configures the token bucket for one tenant.
type Policy struct {
	RefillPerSecond float64
	Burst           int
}

// QuotaStore is the bucket backend; in-process or Redis.
type QuotaStore interface {
	// Allow consumes one token for tenantID under policy p. It returns
	// whether the request is allowed and, when not, a retry_after hint.
	Allow(ctx context.Context, tenantID string, p Policy) (allowed bool, retryAfterSeconds int, err error)
}

// InProcessQuotaStore keeps one rate.Limiter per tenant, matching the
// teacher's visitors map, with the same stale-entry cleanup goroutine.
type InProcessQuotaStore struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInProcessQuotaStore starts the background cleanup loop and returns a
// ready store. Call Close to stop the loop.
func NewInProcessQuotaStore() *InProcessQuotaStore {
	s := &InProcessQuotaStore{buckets: make(map[string]*bucket), stop: make(chan struct{})}
	go s.cleanupLoop()
	return s
}

func (s *InProcessQuotaStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for id, b := range s.buckets {
				if time.Since(b.lastSeen) > 3*time.Minute {
					delete(s.buckets, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *InProcessQuotaStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *InProcessQuotaStore) Allow(_ context.Context, tenantID string, p Policy) (bool, int, error) {
	s.mu.Lock()
	b, ok := s.buckets[tenantID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(p.RefillPerSecond), p.Burst)}
		s.buckets[tenantID] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	s.mu.Unlock()

	if limiter.Allow() {
		return true, 0, nil
	}
	retryAfter := 1
	if p.RefillPerSecond > 0 {
		retryAfter = int(1/p.RefillPerSecond) + 1
	}
	return false, retryAfter, nil
}

// redisQuotaStore shares quota state across instances via the same Lua
// token-bucket script pattern as pkg/kernel/limiter_redis.go.
type redisQuotaStore struct {
	client *redis.Client
}

var redisQuotaScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
  last_refill = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return allowed
`)

// NewRedisQuotaStore returns a QuotaStore backed by Redis.
func NewRedisQuotaStore(client *redis.Client) QuotaStore {
	return &redisQuotaStore{client: client}
}

func (s *redisQuotaStore) Allow(ctx context.Context, tenantID string, p Policy) (bool, int, error) {
	key := "odin:quota:" + tenantID
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisQuotaScript.Run(ctx, s.client, []string{key}, p.RefillPerSecond, p.Burst, now).Int()
	if err != nil {
		return false, 0, err
	}
	if res == 1 {
		return true, 0, nil
	}
	retryAfter := 1
	if p.RefillPerSecond > 0 {
		retryAfter = int(1/p.RefillPerSecond) + 1
	}
	return false, retryAfter, nil
}

// Limiter enforces Policy per tenant via a QuotaStore, with an optional
// per-tenant policy lookup (falling back to Default for unlisted tenants).
type Limiter struct {
	Store    QuotaStore
	Default  Policy
	PerTenant map[string]Policy
}

// Allow enforces quota for tenantID.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (allowed bool, retryAfterSeconds int, err error) {
	p := l.Default
	if custom, ok := l.PerTenant[tenantID]; ok {
		p = custom
	}
	return l.Store.Allow(ctx, tenantID, p)
}
