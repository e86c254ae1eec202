// SPDX-License-Identifier: MIT

// Package ratelimit enforces fixed-window per-tenant action limits on Redis.
// The window is materialized by setting a TTL on the first increment, so
// counters self-expire and no sweeper is needed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/voxsub/voxsub/internal/model"
)

var (
	rateLimitDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "ratelimit_denied_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"action", "tier"},
	)
	rateLimitAllowed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxsub",
			Name:      "ratelimit_allowed_total",
			Help:      "Total requests admitted by the rate limiter",
		},
		[]string{"action", "tier"},
	)
)

// Action is a rate-limited operation class.
type Action string

const (
	ActionAPICall       Action = "api_call"
	ActionUpload        Action = "upload"
	ActionTranscription Action = "transcription"
	ActionProvision     Action = "provision" // per-IP tenant creation
)

// Limit is a fixed-window cap: at most Max events per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Tier buckets plans into the three limit schedules.
type Tier string

const (
	TierFree       Tier = "free"
	TierPaid       Tier = "paid"
	TierEnterprise Tier = "enterprise"
)

// TierForPlan maps a billing plan to its limit schedule.
func TierForPlan(p model.Plan) Tier {
	switch p {
	case model.PlanEnterprise, model.PlanPremium:
		return TierEnterprise
	case model.PlanPro, model.PlanStarter:
		return TierPaid
	default:
		return TierFree
	}
}

var schedules = map[Tier]map[Action]Limit{
	TierFree: {
		ActionAPICall:       {Max: 100, Window: time.Hour},
		ActionUpload:        {Max: 3, Window: 24 * time.Hour},
		ActionTranscription: {Max: 5, Window: time.Hour},
	},
	TierPaid: {
		ActionAPICall:       {Max: 1000, Window: time.Hour},
		ActionUpload:        {Max: 50, Window: 24 * time.Hour},
		ActionTranscription: {Max: 50, Window: time.Hour},
	},
	TierEnterprise: {
		ActionAPICall:       {Max: 10000, Window: time.Hour},
		ActionUpload:        {Max: 1000, Window: 24 * time.Hour},
		ActionTranscription: {Max: 500, Window: time.Hour},
	},
}

// provisionLimit caps tenant provisioning per source IP.
var provisionLimit = Limit{Max: 10, Window: 24 * time.Hour}

const (
	floodWindow    = 10 * time.Second
	floodThreshold = 20
)

// Result reports one limiter decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the Redis-backed fixed-window limiter.
type Limiter struct {
	client *redis.Client
}

func New(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// LimitFor returns the schedule entry for a tier and action.
func LimitFor(tier Tier, action Action) (Limit, bool) {
	if action == ActionProvision {
		return provisionLimit, true
	}
	l, ok := schedules[tier][action]
	return l, ok
}

func counterKey(subject string, action Action) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, subject)
}

// Check reports the current window state without consuming a slot.
func (l *Limiter) Check(ctx context.Context, tenantID string, action Action, plan model.Plan) (Result, error) {
	tier := TierForPlan(plan)
	limit, ok := LimitFor(tier, action)
	if !ok {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	key := counterKey(tenantID, action)
	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return Result{Allowed: true, Remaining: limit.Max}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: read %s: %w", key, err)
	}

	res := Result{
		Allowed:   count < limit.Max,
		Remaining: max(0, limit.Max-count),
	}
	if !res.Allowed {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err == nil && ttl > 0 {
			res.RetryAfter = ttl
		}
	}
	return res, nil
}

// CheckAndConsume consumes one slot in the tenant's window for the action.
// The first increment arms the window TTL; a rejected call does not extend it.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenantID string, action Action, plan model.Plan) (Result, error) {
	tier := TierForPlan(plan)
	limit, ok := LimitFor(tier, action)
	if !ok {
		return Result{Allowed: true, Remaining: -1}, nil
	}
	return l.consume(ctx, counterKey(tenantID, action), action, string(tier), limit)
}

// ConsumeProvision counts one tenant-provisioning attempt from an IP.
func (l *Limiter) ConsumeProvision(ctx context.Context, ip string) (Result, error) {
	return l.consume(ctx, counterKey(ip, ActionProvision), ActionProvision, "ip", provisionLimit)
}

func (l *Limiter) consume(ctx context.Context, key string, action Action, tier string, limit Limit) (Result, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, limit.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	if count > int64(limit.Max) {
		rateLimitDenied.WithLabelValues(string(action), tier).Inc()
		res := Result{Allowed: false, Remaining: 0}
		ttl, err := l.client.TTL(ctx, key).Result()
		if err == nil && ttl > 0 {
			res.RetryAfter = ttl
		}
		return res, nil
	}

	rateLimitAllowed.WithLabelValues(string(action), tier).Inc()
	return Result{Allowed: true, Remaining: limit.Max - int(count)}, nil
}

// IsFlooding counts one request from the IP in a short burst window and
// reports whether the IP exceeded the flood threshold.
func (l *Limiter) IsFlooding(ctx context.Context, ip string) (bool, error) {
	key := "flood:" + ip
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: flood incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, floodWindow).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: flood expire: %w", err)
		}
	}
	return count > floodThreshold, nil
}

// Blacklist blocks an IP for the given duration.
func (l *Limiter) Blacklist(ctx context.Context, ip string, d time.Duration) error {
	return l.client.Set(ctx, "blacklist:"+ip, "1", d).Err()
}

// IsBlacklisted reports whether the IP is currently blocked.
func (l *Limiter) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	n, err := l.client.Exists(ctx, "blacklist:"+ip).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: blacklist check: %w", err)
	}
	return n > 0, nil
}
