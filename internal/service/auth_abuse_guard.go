package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type AuthAbuseScope string

const (
	AuthAbuseScopeLogin  AuthAbuseScope = "login"
	AuthAbuseScopeForgot AuthAbuseScope = "forgot"
)

// AuthAbusePolicy is an exponential cooldown: after FreeAttempts failures
// each further failure waits BaseDelay*Multiplier^n, capped at MaxDelay.
// Counters are forgotten after ResetWindow without failures.
type AuthAbusePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

func (p AuthAbusePolicy) normalized() AuthAbusePolicy {
	if p.FreeAttempts < 0 {
		p.FreeAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 5 * time.Minute
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 30 * time.Minute
	}
	return p
}

func (p AuthAbusePolicy) cooldownFor(failures int64) time.Duration {
	over := failures - int64(p.FreeAttempts)
	if over <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(over-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// AuthAbuseGuard throttles repeated failures per identity and per origin
// address. Both dimensions are tracked; the longer cooldown applies.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

func normalizeAuthIdentity(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

type abuseDimension struct {
	name  string
	value string
}

func abuseDimensions(identity, ip string) []abuseDimension {
	dims := make([]abuseDimension, 0, 2)
	if id := normalizeAuthIdentity(identity); id != "" {
		dims = append(dims, abuseDimension{"id", id})
	}
	if v := strings.TrimSpace(ip); v != "" {
		dims = append(dims, abuseDimension{"ip", v})
	}
	return dims
}

type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
	now    func() time.Time
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if strings.TrimSpace(prefix) == "" {
		prefix = "auth_abuse"
	}
	return &RedisAuthAbuseGuard{client: client, prefix: prefix, policy: policy.normalized(), now: time.Now}
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, dimension, value string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, dimension, value)
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	now := g.now()
	var longest time.Duration
	for _, dim := range abuseDimensions(identity, ip) {
		vals, err := g.client.HGetAll(ctx, g.stateKey(scope, dim.name, dim.value)).Result()
		if err != nil {
			return 0, fmt.Errorf("read abuse state: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		if _, err := strconv.ParseInt(vals["last_failure_ms"], 10, 64); err != nil {
			return 0, fmt.Errorf("parse last_failure_ms: %w", err)
		}
		untilMS, err := strconv.ParseInt(vals["cooldown_until_ms"], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse cooldown_until_ms: %w", err)
		}
		if remaining := time.UnixMilli(untilMS).Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	now := g.now()
	var longest time.Duration
	for _, dim := range abuseDimensions(identity, ip) {
		key := g.stateKey(scope, dim.name, dim.value)
		failures, err := g.client.HIncrBy(ctx, key, "failures", 1).Result()
		if err != nil {
			return 0, fmt.Errorf("increment failures: %w", err)
		}
		cooldown := g.policy.cooldownFor(failures)
		ttl := g.policy.ResetWindow
		if cooldown > ttl {
			ttl = cooldown
		}
		_, err = g.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"last_failure_ms", now.UnixMilli(),
				"cooldown_until_ms", now.Add(cooldown).UnixMilli(),
			)
			p.PExpire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("write abuse state: %w", err)
		}
		if cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	dims := abuseDimensions(identity, ip)
	if len(dims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dims))
	for _, dim := range dims {
		keys = append(keys, g.stateKey(scope, dim.name, dim.value))
	}
	if err := g.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset abuse state: %w", err)
	}
	return nil
}

type abuseState struct {
	failures      int64
	lastFailure   time.Time
	cooldownUntil time.Time
}

// InMemoryAuthAbuseGuard is the single-instance fallback used when no redis
// is configured.
type InMemoryAuthAbuseGuard struct {
	mu     sync.Mutex
	states map[string]*abuseState
	policy AuthAbusePolicy
	now    func() time.Time
}

func NewInMemoryAuthAbuseGuard(policy AuthAbusePolicy) *InMemoryAuthAbuseGuard {
	return &InMemoryAuthAbuseGuard{
		states: make(map[string]*abuseState),
		policy: policy.normalized(),
		now:    time.Now,
	}
}

func memoryKey(scope AuthAbuseScope, dim abuseDimension) string {
	return string(scope) + ":" + dim.name + ":" + dim.value
}

func (g *InMemoryAuthAbuseGuard) Check(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	var longest time.Duration
	for _, dim := range abuseDimensions(identity, ip) {
		st, ok := g.states[memoryKey(scope, dim)]
		if !ok {
			continue
		}
		if remaining := st.cooldownUntil.Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *InMemoryAuthAbuseGuard) RegisterFailure(_ context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(now)
	var longest time.Duration
	for _, dim := range abuseDimensions(identity, ip) {
		key := memoryKey(scope, dim)
		st, ok := g.states[key]
		if !ok {
			st = &abuseState{}
			g.states[key] = st
		}
		st.failures++
		st.lastFailure = now
		cooldown := g.policy.cooldownFor(st.failures)
		st.cooldownUntil = now.Add(cooldown)
		if cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

func (g *InMemoryAuthAbuseGuard) Reset(_ context.Context, scope AuthAbuseScope, identity, ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dim := range abuseDimensions(identity, ip) {
		delete(g.states, memoryKey(scope, dim))
	}
	return nil
}

func (g *InMemoryAuthAbuseGuard) evictLocked(now time.Time) {
	for key, st := range g.states {
		if now.Sub(st.lastFailure) > g.policy.ResetWindow && !now.Before(st.cooldownUntil) {
			delete(g.states, key)
		}
	}
}
