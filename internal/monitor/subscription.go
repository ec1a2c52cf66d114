package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mailwatch/phish-triage/internal/graph"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// SubscriptionAPI is the provider surface for push subscriptions.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, req graph.SubscriptionRequest) (*graph.Subscription, error)
	RenewSubscription(ctx context.Context, id string, until time.Time) (*graph.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SubscriptionConfig carries the push subscription settings. An empty
// NotificationURL disables the manager entirely; the pollers then carry the
// whole load.
type SubscriptionConfig struct {
	Resource        string
	NotificationURL string
	ClientState     string
	Lifetime        time.Duration
	RenewalMargin   time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

const (
	// The provider caps mailbox subscriptions at 4230 minutes.
	defaultLifetime      = 4230 * time.Minute
	defaultRenewalMargin = 30 * time.Minute
	defaultRetryAttempts = 3
	defaultRetryDelay    = 30 * time.Second

	// How long to wait before re-creating after a lost subscription.
	recreateDelay = 5 * time.Minute

	subscriptionCallTimeout = 30 * time.Second
)

// SubscriptionManager keeps one push subscription alive: create at startup,
// renew ahead of expiry, re-create after a persistent failure, delete on
// Stop. A lost subscription triggers the onLost callback so the monitor can
// catch up by polling.
type SubscriptionManager struct {
	api    SubscriptionAPI
	cfg    SubscriptionConfig
	mx     *metrics.Metrics
	onLost func()

	// Current subscription, readable by the deep health check.
	subMu   sync.RWMutex
	subID   string
	expires time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSubscriptionManager builds a manager. onLost may be nil.
func NewSubscriptionManager(api SubscriptionAPI, mx *metrics.Metrics, cfg SubscriptionConfig, onLost func()) *SubscriptionManager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}
	if cfg.RenewalMargin <= 0 {
		cfg.RenewalMargin = defaultRenewalMargin
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &SubscriptionManager{
		api:    api,
		cfg:    cfg,
		mx:     mx,
		onLost: onLost,
	}
}

// Start launches the lifecycle loop. A manager without a notification URL
// stays idle.
func (s *SubscriptionManager) Start() {
	if s.cfg.NotificationURL == "" {
		log.Println("[Subscriptions] Disabled (no notification URL configured)")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Subscriptions] Starting (resource=%s, lifetime=%s, margin=%s)",
		s.cfg.Resource, s.cfg.Lifetime, s.cfg.RenewalMargin)

	s.wg.Add(1)
	go s.run()
}

// Stop cancels the lifecycle loop and best-effort deletes the current
// subscription so the provider stops pushing to a dead endpoint.
func (s *SubscriptionManager) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	if id := s.CurrentID(); id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), subscriptionCallTimeout)
		defer cancel()
		if err := s.api.DeleteSubscription(ctx, id); err != nil {
			logger.Warn("subscription delete failed", "subscription_id", id, "error", err.Error())
		} else {
			log.Printf("[Subscriptions] Deleted %s", id)
		}
	}
}

// CurrentID returns the active subscription id, or empty when none exists.
func (s *SubscriptionManager) CurrentID() string {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subID
}

// ExpiresAt returns the active subscription's expiry time.
func (s *SubscriptionManager) ExpiresAt() time.Time {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.expires
}

func (s *SubscriptionManager) setCurrent(sub *graph.Subscription) {
	s.subMu.Lock()
	s.subID = sub.ID
	s.expires = sub.ExpiresAt
	s.subMu.Unlock()
}

func (s *SubscriptionManager) clearCurrent() {
	s.subMu.Lock()
	s.subID = ""
	s.expires = time.Time{}
	s.subMu.Unlock()
}

// run cycles create → wait → renew until stopped. Persistent renewal failure
// drops back to create; the catch-up callback covers the gap in between.
func (s *SubscriptionManager) run() {
	defer s.wg.Done()

	for {
		sub := s.establish()
		if sub == nil {
			return
		}

		for sub != nil {
			if !s.sleepUntil(sub.ExpiresAt.Add(-s.cfg.RenewalMargin)) {
				return
			}

			renewed, err := s.renewWithRetry(sub.ID)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				logger.Warn("subscription lost after renewal failures",
					"subscription_id", sub.ID,
					"error", err.Error())
				s.clearCurrent()
				if s.onLost != nil {
					s.onLost()
				}
				sub = nil
				continue
			}
			sub = renewed
		}
	}
}

// establish creates a subscription, retrying until it succeeds or the
// manager stops. Each failed round also triggers the catch-up callback,
// since no webhooks arrive without a subscription.
func (s *SubscriptionManager) establish() *graph.Subscription {
	for {
		sub, err := s.createWithRetry()
		if err == nil {
			return sub
		}
		if s.ctx.Err() != nil {
			return nil
		}

		logger.Warn("subscription create failed, polling carries ingestion", "error", err.Error())
		if s.onLost != nil {
			s.onLost()
		}
		if !s.sleepFor(recreateDelay) {
			return nil
		}
	}
}

func (s *SubscriptionManager) createWithRetry() (*graph.Subscription, error) {
	var lastErr error
	delay := s.cfg.RetryDelay

	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if !s.sleepFor(delay) {
				return nil, s.ctx.Err()
			}
			delay *= 2
		}

		ctx, cancel := context.WithTimeout(s.ctx, subscriptionCallTimeout)
		sub, err := s.api.CreateSubscription(ctx, graph.SubscriptionRequest{
			Resource:        s.cfg.Resource,
			NotificationURL: s.cfg.NotificationURL,
			ClientState:     s.cfg.ClientState,
			ExpiresAt:       time.Now().Add(s.cfg.Lifetime),
		})
		cancel()
		if err == nil {
			s.setCurrent(sub)
			log.Printf("[Subscriptions] Created %s (expires %s)", sub.ID, sub.ExpiresAt.Format(time.RFC3339))
			return sub, nil
		}

		lastErr = err
		logger.Warn("subscription create attempt failed",
			"attempt", attempt+1,
			"error", err.Error())
	}
	return nil, lastErr
}

func (s *SubscriptionManager) renewWithRetry(id string) (*graph.Subscription, error) {
	var lastErr error
	delay := s.cfg.RetryDelay

	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if !s.sleepFor(delay) {
				return nil, s.ctx.Err()
			}
			delay *= 2
		}

		ctx, cancel := context.WithTimeout(s.ctx, subscriptionCallTimeout)
		sub, err := s.api.RenewSubscription(ctx, id, time.Now().Add(s.cfg.Lifetime))
		cancel()
		if err == nil {
			s.mx.RecordRenewal("ok")
			s.setCurrent(sub)
			log.Printf("[Subscriptions] Renewed %s (expires %s)", sub.ID, sub.ExpiresAt.Format(time.RFC3339))
			return sub, nil
		}

		s.mx.RecordRenewal("error")
		lastErr = err
		logger.Warn("subscription renewal attempt failed",
			"subscription_id", id,
			"attempt", attempt+1,
			"error", err.Error())
	}
	return nil, lastErr
}

// sleepUntil blocks until the deadline or Stop. Past deadlines return
// immediately.
func (s *SubscriptionManager) sleepUntil(deadline time.Time) bool {
	return s.sleepFor(time.Until(deadline))
}

func (s *SubscriptionManager) sleepFor(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
