package dedup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/cache"
)

func testDeduplicator(t *testing.T, cfg Config) (*Deduplicator, *time.Time) {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	d := NewDeduplicator(store, cfg)
	now := time.Unix(1_700_000_000, 0).UTC()
	d.now = func() time.Time { return now }
	return d, &now
}

func TestShouldProcessDisabled(t *testing.T) {
	d, _ := testDeduplicator(t, Config{Enabled: false})

	assert.True(t, d.ShouldProcess(context.Background(), "a@b.test", "s", "b").Allowed)
	assert.NoError(t, d.RecordProcessed(context.Background(), "a@b.test", "s", "b"))
}

func TestDuplicateContentDenied(t *testing.T) {
	d, _ := testDeduplicator(t, Config{
		Enabled:        true,
		ContentTTL:     time.Hour,
		SenderCooldown: time.Minute,
	})
	ctx := context.Background()
	require.NoError(t, d.RecordProcessed(ctx, "first@example.com", "Invoice overdue", "please pay now"))

	// Same content from a different sender is still a duplicate.
	dec := d.ShouldProcess(ctx, "second@example.com", "Invoice overdue", "please pay now")

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDuplicateContent, dec.Reason)
	assert.Regexp(t, `^Duplicate email already processed \(hash: [0-9a-f]{8}\)$`, dec.Message)
}

func TestDuplicateDetectionIsCaseInsensitive(t *testing.T) {
	d, _ := testDeduplicator(t, Config{Enabled: true, ContentTTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, d.RecordProcessed(ctx, "a@b.test", "  Invoice Overdue  ", "Please Pay"))

	dec := d.ShouldProcess(ctx, "a@b.test", "invoice overdue", "please pay")

	assert.Equal(t, ReasonDuplicateContent, dec.Reason)
}

func TestSenderCooldown(t *testing.T) {
	cooldown := 10 * time.Minute
	d, now := testDeduplicator(t, Config{
		Enabled:        true,
		ContentTTL:     time.Hour,
		SenderCooldown: cooldown,
	})
	ctx := context.Background()
	recordedAt := *now
	require.NoError(t, d.RecordProcessed(ctx, "Reporter@Example.com", "first report", "body one"))

	// Different content, same sender, inside the cooldown.
	*now = now.Add(time.Minute)
	dec := d.ShouldProcess(ctx, "reporter@example.com", "second report", "body two")

	require.False(t, dec.Allowed)
	assert.Equal(t, ReasonSenderCooldown, dec.Reason)
	wantNext := recordedAt.Add(cooldown).Format(time.RFC3339)
	assert.Contains(t, dec.Message, wantNext)
}

func TestSenderCooldownExpires(t *testing.T) {
	d, now := testDeduplicator(t, Config{
		Enabled:        true,
		ContentTTL:     time.Hour,
		SenderCooldown: 10 * time.Minute,
	})
	ctx := context.Background()
	require.NoError(t, d.RecordProcessed(ctx, "a@b.test", "first", "body"))

	*now = now.Add(11 * time.Minute)

	assert.True(t, d.ShouldProcess(ctx, "a@b.test", "second", "other body").Allowed)
}

func TestContentHashTruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Equal(t,
		contentHash("subject", long+"tail one"),
		contentHash("subject", long+"completely different tail"),
	)
	assert.NotEqual(t, contentHash("subject a", "body"), contentHash("subject b", "body"))
}

func TestContentTTLExpiresOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := NewDeduplicator(cache.NewRedisStore(client, ""), Config{
		Enabled:        true,
		ContentTTL:     time.Minute,
		SenderCooldown: time.Minute,
	})
	ctx := context.Background()
	require.NoError(t, d.RecordProcessed(ctx, "a@b.test", "subject", "body"))
	require.False(t, d.ShouldProcess(ctx, "a@b.test", "subject", "body").Allowed)

	mr.FastForward(2 * time.Minute)

	assert.True(t, d.ShouldProcess(ctx, "a@b.test", "subject", "body").Allowed)
}
