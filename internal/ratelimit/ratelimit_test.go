package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/cache"
)

func testLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	l := NewLimiter(store, cfg)
	now := time.Unix(1_700_000_000, 0).UTC()
	l.now = func() time.Time { return now }
	return l, &now
}

func recordSends(t *testing.T, l *Limiter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.RecordSend(context.Background()))
	}
}

func TestCanSendDisabled(t *testing.T) {
	l, _ := testLimiter(t, Config{Enabled: false, MaxPerHour: 0})

	assert.True(t, l.CanSend(context.Background()).Allowed)
	assert.NoError(t, l.RecordSend(context.Background()))
}

func TestHourlyLimit(t *testing.T) {
	l, _ := testLimiter(t, Config{Enabled: true, MaxPerHour: 2, MaxPerDay: 100})
	recordSends(t, l, 2)

	d := l.CanSend(context.Background())

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)
	assert.Contains(t, d.Message, "Hourly limit reached")
	assert.False(t, d.RetryAfter.IsZero())
}

func TestHourlyWindowSlides(t *testing.T) {
	l, now := testLimiter(t, Config{Enabled: true, MaxPerHour: 2, MaxPerDay: 100})
	recordSends(t, l, 2)
	require.False(t, l.CanSend(context.Background()).Allowed)

	*now = now.Add(61 * time.Minute)

	assert.True(t, l.CanSend(context.Background()).Allowed)
}

func TestDailyLimit(t *testing.T) {
	l, now := testLimiter(t, Config{Enabled: true, MaxPerHour: 100, MaxPerDay: 3})
	for i := 0; i < 3; i++ {
		recordSends(t, l, 1)
		*now = now.Add(2 * time.Hour)
	}

	d := l.CanSend(context.Background())

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyLimit, d.Reason)
	assert.Contains(t, d.Message, "Daily limit reached")
}

func TestBurstTripsBreaker(t *testing.T) {
	l, now := testLimiter(t, Config{
		Enabled:        true,
		MaxPerHour:     100,
		MaxPerDay:      1000,
		BurstThreshold: 3,
		BurstWindow:    time.Minute,
	})
	recordSends(t, l, 3)

	d := l.CanSend(context.Background())

	require.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitBreaker, d.Reason)
	assert.Equal(t, now.Add(time.Hour), d.RetryAfter)

	val, ok, err := l.store.Get(context.Background(), l.breakerKey)
	require.NoError(t, err)
	require.True(t, ok, "breaker key should be set")
	reset, err := time.Parse(time.RFC3339, val)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), reset)

	// Once open, the breaker denies before any window is counted.
	again := l.CanSend(context.Background())
	assert.Equal(t, ReasonCircuitBreaker, again.Reason)
	assert.Equal(t, reset, again.RetryAfter)
}

func TestBreakerClearsAfterReset(t *testing.T) {
	l, now := testLimiter(t, Config{
		Enabled:        true,
		MaxPerHour:     100,
		MaxPerDay:      1000,
		BurstThreshold: 2,
		BurstWindow:    time.Minute,
	})
	recordSends(t, l, 2)
	require.Equal(t, ReasonCircuitBreaker, l.CanSend(context.Background()).Reason)

	// Past the reset time the stale key is cleared and sends resume; the
	// old burst entries have slid out of the window by then.
	*now = now.Add(2 * time.Hour)

	assert.True(t, l.CanSend(context.Background()).Allowed)
	_, ok, err := l.store.Get(context.Background(), l.breakerKey)
	require.NoError(t, err)
	assert.False(t, ok, "elapsed breaker key should be deleted")
}

func TestRecordSendPrunesOldEntries(t *testing.T) {
	l, now := testLimiter(t, Config{Enabled: true, MaxPerHour: 100, MaxPerDay: 1000})
	recordSends(t, l, 2)

	*now = now.Add(25 * time.Hour)
	recordSends(t, l, 1)

	count, err := l.countSince(context.Background(), now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "entries older than 24h are pruned on write")
}

func TestBurstBreakerOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := cache.NewRedisStore(client, "")

	l := NewLimiter(store, Config{
		Enabled:        true,
		MaxPerHour:     100,
		MaxPerDay:      1000,
		BurstThreshold: 3,
		BurstWindow:    time.Minute,
	})
	now := time.Unix(1_700_000_000, 0).UTC()
	l.now = func() time.Time { return now }

	recordSends(t, l, 3)

	d := l.CanSend(context.Background())
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitBreaker, d.Reason)
	assert.True(t, mr.Exists(l.breakerKey))
}
