// Package dedup suppresses repeat processing: once per content hash within
// a TTL, and once per sender within a cooldown window. Backed by the cache
// store, so the windows hold across replicas when a shared store is up.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// Denial reasons, used as metric labels and log fields.
const (
	ReasonDuplicateContent = "duplicate_content"
	ReasonSenderCooldown   = "sender_cooldown"
)

// Decision is the outcome of a ShouldProcess check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Config carries the dedup windows.
type Config struct {
	Enabled        bool
	ContentTTL     time.Duration
	SenderCooldown time.Duration
}

// Deduplicator checks and records processed messages. Store failures are
// logged and treated as allowed.
type Deduplicator struct {
	store cache.Store
	cfg   Config
	now   func() time.Time
}

// NewDeduplicator returns a deduplicator backed by the given store. Expired
// entries are dropped by the store itself: TTLs on a shared store, the
// background sweep on the in-memory one.
func NewDeduplicator(store cache.Store, cfg Config) *Deduplicator {
	return &Deduplicator{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ShouldProcess reports whether this (sender, subject, body) combination is
// new enough to process. The content hash is checked before the sender
// cooldown, so a true duplicate is always reported as such.
func (d *Deduplicator) ShouldProcess(ctx context.Context, sender, subject, body string) Decision {
	if !d.cfg.Enabled {
		return Decision{Allowed: true}
	}

	hash := contentHash(subject, body)
	exists, err := d.store.Exists(ctx, hashKey(hash))
	if err != nil {
		logger.Warn("dedup content check failed", "error", err.Error())
		return Decision{Allowed: true}
	}
	if exists {
		return Decision{
			Reason:  ReasonDuplicateContent,
			Message: fmt.Sprintf("Duplicate email already processed (hash: %s)", hash[:8]),
		}
	}

	if d.cfg.SenderCooldown > 0 {
		val, ok, err := d.store.Get(ctx, senderKey(sender))
		if err != nil {
			logger.Warn("dedup sender check failed", "error", err.Error())
			return Decision{Allowed: true}
		}
		if ok {
			if next, parseErr := nextAllowed(val, d.cfg.SenderCooldown); parseErr == nil && next.After(d.now()) {
				return Decision{
					Reason:  ReasonSenderCooldown,
					Message: fmt.Sprintf("Sender in cooldown period (next allowed: %s)", next.Format(time.RFC3339)),
				}
			}
		}
	}

	return Decision{Allowed: true}
}

// RecordProcessed stores the content hash and the sender's last-send time.
// Call it after the reply went out, so a failed attempt can be retried.
func (d *Deduplicator) RecordProcessed(ctx context.Context, sender, subject, body string) error {
	if !d.cfg.Enabled {
		return nil
	}

	now := d.now()
	pipe := d.store.Pipeline()
	pipe.Set(hashKey(contentHash(subject, body)), "1", d.cfg.ContentTTL)
	if d.cfg.SenderCooldown > 0 {
		pipe.Set(senderKey(sender), strconv.FormatInt(now.UnixMilli(), 10), d.cfg.SenderCooldown)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// contentHash is SHA-256 over the lower-cased, trimmed
// subject + "||" + first 1000 bytes of body.
func contentHash(subject, body string) string {
	if len(body) > 1000 {
		body = body[:1000]
	}
	canonical := strings.ToLower(strings.TrimSpace(subject + "||" + body))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func hashKey(hash string) string {
	return cache.Key(cache.NSDedup, "hash:"+hash)
}

func senderKey(sender string) string {
	return cache.Key(cache.NSDedup, "sender:"+strings.ToLower(strings.TrimSpace(sender)))
}

func nextAllowed(lastSendMs string, cooldown time.Duration) (time.Time, error) {
	ms, err := strconv.ParseInt(lastSendMs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC().Add(cooldown), nil
}
