package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/graph"
	"github.com/mailwatch/phish-triage/internal/metrics"
)

type stubSubscriptionAPI struct {
	mu        sync.Mutex
	creates   []graph.SubscriptionRequest
	renews    []string
	deletes   []string
	createTTL []time.Duration
	renewTTL  time.Duration
	renewErr  error
}

func (s *stubSubscriptionAPI) CreateSubscription(_ context.Context, req graph.SubscriptionRequest) (*graph.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, req)

	ttl := time.Hour
	if n := len(s.creates) - 1; n < len(s.createTTL) {
		ttl = s.createTTL[n]
	}
	return &graph.Subscription{
		ID:        fmt.Sprintf("sub-%d", len(s.creates)),
		Resource:  req.Resource,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *stubSubscriptionAPI) RenewSubscription(_ context.Context, id string, _ time.Time) (*graph.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renews = append(s.renews, id)
	if s.renewErr != nil {
		return nil, s.renewErr
	}
	ttl := s.renewTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &graph.Subscription{ID: id, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *stubSubscriptionAPI) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *stubSubscriptionAPI) counts() (creates, renews, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates), len(s.renews), len(s.deletes)
}

func (s *stubSubscriptionAPI) firstCreate() graph.SubscriptionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[0]
}

func newSubscriptionManager(t *testing.T, api SubscriptionAPI, cfg SubscriptionConfig, onLost func()) (*SubscriptionManager, *metrics.Metrics) {
	t.Helper()

	if cfg.NotificationURL == "" {
		cfg.NotificationURL = "https://triage.corp.test/webhooks/mail"
	}
	if cfg.Resource == "" {
		cfg.Resource = "users/phishing@corp.test/mailFolders('inbox')/messages"
	}
	if cfg.ClientState == "" {
		cfg.ClientState = "shared-secret"
	}
	reg := prometheus.NewRegistry()
	mx := metrics.NewWith(reg, reg)
	return NewSubscriptionManager(api, mx, cfg, onLost), mx
}

func TestSubscriptionCreatedOnStartDeletedOnStop(t *testing.T) {
	api := &stubSubscriptionAPI{}
	mgr, _ := newSubscriptionManager(t, api, SubscriptionConfig{Lifetime: 2 * time.Hour}, nil)

	mgr.Start()

	require.Eventually(t, func() bool {
		return mgr.CurrentID() == "sub-1"
	}, 2*time.Second, 10*time.Millisecond)

	req := api.firstCreate()
	assert.Equal(t, "users/phishing@corp.test/mailFolders('inbox')/messages", req.Resource)
	assert.Equal(t, "https://triage.corp.test/webhooks/mail", req.NotificationURL)
	assert.Equal(t, "shared-secret", req.ClientState)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), req.ExpiresAt, 5*time.Second)
	assert.Equal(t, "sub-1", mgr.CurrentID())

	mgr.Stop()

	_, _, deletes := api.counts()
	assert.Equal(t, 1, deletes)
	assert.Equal(t, []string{"sub-1"}, api.deletes)
}

func TestSubscriptionRenewedBeforeExpiry(t *testing.T) {
	api := &stubSubscriptionAPI{
		// First subscription is short-lived, the renewal pushes it far out.
		createTTL: []time.Duration{200 * time.Millisecond},
	}
	mgr, mx := newSubscriptionManager(t, api, SubscriptionConfig{
		Lifetime:      time.Hour,
		RenewalMargin: 150 * time.Millisecond,
	}, nil)

	mgr.Start()
	defer mgr.Stop()

	require.Eventually(t, func() bool {
		_, r, _ := api.counts()
		return r == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"sub-1"}, api.renews)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.SubscriptionRenewals.WithLabelValues("ok")))
	assert.WithinDuration(t, time.Now().Add(time.Hour), mgr.ExpiresAt(), 5*time.Second)
}

func TestSubscriptionRecreatedAfterRenewalFailures(t *testing.T) {
	api := &stubSubscriptionAPI{
		createTTL: []time.Duration{100 * time.Millisecond, time.Hour},
		renewErr:  errors.New("graph API error (status 404): subscription expired"),
	}

	var lostMu sync.Mutex
	lost := 0
	mgr, mx := newSubscriptionManager(t, api, SubscriptionConfig{
		Lifetime:      time.Hour,
		RenewalMargin: 90 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    5 * time.Millisecond,
	}, func() {
		lostMu.Lock()
		lost++
		lostMu.Unlock()
	})

	mgr.Start()
	defer mgr.Stop()

	require.Eventually(t, func() bool {
		return mgr.CurrentID() == "sub-2"
	}, 2*time.Second, 10*time.Millisecond)

	lostMu.Lock()
	assert.Equal(t, 1, lost)
	lostMu.Unlock()

	_, renews, _ := api.counts()
	assert.Equal(t, 2, renews, "initial attempt plus one retry")
	assert.Equal(t, 2.0, testutil.ToFloat64(mx.SubscriptionRenewals.WithLabelValues("error")))
	assert.Equal(t, "sub-2", mgr.CurrentID())
}

func TestSubscriptionManagerDisabledWithoutURL(t *testing.T) {
	api := &stubSubscriptionAPI{}
	reg := prometheus.NewRegistry()
	mx := metrics.NewWith(reg, reg)
	mgr := NewSubscriptionManager(api, mx, SubscriptionConfig{Resource: "users/x/messages"}, nil)

	mgr.Start()
	time.Sleep(50 * time.Millisecond)

	creates, _, _ := api.counts()
	assert.Zero(t, creates)
	assert.Empty(t, mgr.CurrentID())

	mgr.Stop()
}
