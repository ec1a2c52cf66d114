// Package ratelimit bounds how many replies the service sends, using a
// sliding window over a shared timestamp set plus a burst circuit breaker.
// With a distributed store behind the cache the limits hold across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// Denial reasons, used as metric labels and log fields.
const (
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonHourlyLimit    = "hourly_limit"
	ReasonDailyLimit     = "daily_limit"
)

// Decision is the outcome of a CanSend check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitempty"`
}

// Config carries the send limits. Zero or negative limits disable the
// corresponding check.
type Config struct {
	Enabled        bool
	MaxPerHour     int
	MaxPerDay      int
	BurstThreshold int
	BurstWindow    time.Duration
}

const breakerResetAfter = time.Hour

// Limiter implements the sliding-window limits over a cache store. All
// replicas share one global window; there is no per-sender bucketing.
type Limiter struct {
	store cache.Store
	cfg   Config
	now   func() time.Time

	sendsKey   string
	breakerKey string
}

// NewLimiter returns a limiter backed by the given store.
func NewLimiter(store cache.Store, cfg Config) *Limiter {
	return &Limiter{
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		sendsKey:   cache.Key(cache.NSRate, "sends"),
		breakerKey: cache.Key(cache.NSBreaker, "sends"),
	}
}

// CanSend reports whether a reply may be sent right now. A successful check
// does not reserve capacity: callers record the send only after it actually
// happened. Store failures are logged and treated as allowed so that a cache
// outage cannot silence the service.
func (l *Limiter) CanSend(ctx context.Context) Decision {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}
	now := l.now()

	if d, tripped := l.breakerOpen(ctx, now); tripped {
		return d
	}

	if l.cfg.MaxPerHour > 0 {
		count, err := l.countSince(ctx, now.Add(-time.Hour))
		if err != nil {
			logger.Warn("rate limit hourly check failed", "error", err.Error())
			return Decision{Allowed: true}
		}
		if count >= int64(l.cfg.MaxPerHour) {
			return Decision{
				Reason:     ReasonHourlyLimit,
				Message:    fmt.Sprintf("Hourly limit reached (%d/%d)", count, l.cfg.MaxPerHour),
				RetryAfter: now.Add(time.Hour),
			}
		}
	}

	if l.cfg.MaxPerDay > 0 {
		count, err := l.countSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			logger.Warn("rate limit daily check failed", "error", err.Error())
			return Decision{Allowed: true}
		}
		if count >= int64(l.cfg.MaxPerDay) {
			return Decision{
				Reason:     ReasonDailyLimit,
				Message:    fmt.Sprintf("Daily limit reached (%d/%d)", count, l.cfg.MaxPerDay),
				RetryAfter: now.Add(24 * time.Hour),
			}
		}
	}

	if l.cfg.BurstThreshold > 0 && l.cfg.BurstWindow > 0 {
		count, err := l.countSince(ctx, now.Add(-l.cfg.BurstWindow))
		if err != nil {
			logger.Warn("rate limit burst check failed", "error", err.Error())
			return Decision{Allowed: true}
		}
		if count >= int64(l.cfg.BurstThreshold) {
			return l.tripBreaker(ctx, now, count)
		}
	}

	return Decision{Allowed: true}
}

// RecordSend adds a send timestamp and prunes the window. Call it only after
// the reply was actually delivered.
func (l *Limiter) RecordSend(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	now := l.now()
	nowMs := float64(now.UnixMilli())
	cutoffMs := float64(now.Add(-24 * time.Hour).UnixMilli())

	pipe := l.store.Pipeline()
	pipe.ZAdd(l.sendsKey, nowMs, uuid.New().String())
	pipe.ZRemRangeByScore(l.sendsKey, math.Inf(-1), cutoffMs)
	pipe.Expire(l.sendsKey, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

func (l *Limiter) countSince(ctx context.Context, since time.Time) (int64, error) {
	return l.store.ZCount(ctx, l.sendsKey, float64(since.UnixMilli()), math.Inf(1))
}

// breakerOpen checks the shared breaker key. An unparseable or elapsed reset
// time clears the key instead of blocking sends forever.
func (l *Limiter) breakerOpen(ctx context.Context, now time.Time) (Decision, bool) {
	val, ok, err := l.store.Get(ctx, l.breakerKey)
	if err != nil {
		logger.Warn("rate limit breaker check failed", "error", err.Error())
		return Decision{}, false
	}
	if !ok {
		return Decision{}, false
	}

	reset, err := time.Parse(time.RFC3339, val)
	if err != nil || !reset.After(now) {
		if delErr := l.store.Delete(ctx, l.breakerKey); delErr != nil {
			logger.Warn("rate limit breaker clear failed", "error", delErr.Error())
		}
		return Decision{}, false
	}

	return Decision{
		Reason:     ReasonCircuitBreaker,
		Message:    fmt.Sprintf("Circuit breaker open until %s", reset.Format(time.RFC3339)),
		RetryAfter: reset,
	}, true
}

// tripBreaker opens the breaker for an hour. SetIfAbsent keeps concurrent
// trips from extending each other's reset time.
func (l *Limiter) tripBreaker(ctx context.Context, now time.Time, count int64) Decision {
	reset := now.Add(breakerResetAfter).UTC()
	won, err := l.store.SetIfAbsent(ctx, l.breakerKey, reset.Format(time.RFC3339), breakerResetAfter)
	if err != nil {
		logger.Warn("rate limit breaker trip failed", "error", err.Error())
	}
	if err == nil && !won {
		// Another replica tripped first; report its reset time.
		if val, ok, getErr := l.store.Get(ctx, l.breakerKey); getErr == nil && ok {
			if existing, parseErr := time.Parse(time.RFC3339, val); parseErr == nil {
				reset = existing
			}
		}
	}

	logger.Warn("burst circuit breaker tripped",
		"sends_in_window", fmt.Sprintf("%d", count),
		"threshold", fmt.Sprintf("%d", l.cfg.BurstThreshold),
		"reset_at", reset.Format(time.RFC3339),
	)

	return Decision{
		Reason:     ReasonCircuitBreaker,
		Message:    fmt.Sprintf("Burst threshold exceeded, paused until %s", reset.Format(time.RFC3339)),
		RetryAfter: reset,
	}
}
