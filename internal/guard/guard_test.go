package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/analysis"
)

func testChain() *Chain {
	return NewChain(Config{
		MailboxAddress: "phishing@corp.test",
		AllowedEmails:  []string{"vip@other.test"},
		AllowedDomains: []string{"example.com"},
	})
}

func reportMsg(id, from string, headers ...analysis.Header) *analysis.Message {
	return &analysis.Message{
		ID:      id,
		From:    from,
		Subject: "FW: suspicious email",
		Headers: headers,
	}
}

func TestAdmitAllowsCleanMessage(t *testing.T) {
	d := testChain().Admit(reportMsg("m-1", "reporter@example.com"))

	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestAdmitDenials(t *testing.T) {
	tests := []struct {
		name   string
		msg    *analysis.Message
		reason string
	}{
		{
			name:   "blank sender",
			msg:    reportMsg("m-1", "   "),
			reason: ReasonMissingSender,
		},
		{
			name:   "no message id at all",
			msg:    &analysis.Message{From: "reporter@example.com"},
			reason: ReasonMissingMessageID,
		},
		{
			name:   "mailbox sends to itself",
			msg:    reportMsg("m-2", "Phishing@Corp.Test"),
			reason: ReasonSelfSender,
		},
		{
			name:   "sibling mailbox on same domain",
			msg:    reportMsg("m-3", "phishing-noreply@corp.test"),
			reason: ReasonSelfSender,
		},
		{
			name:   "sender outside allowlist",
			msg:    reportMsg("m-4", "stranger@elsewhere.test"),
			reason: ReasonNotAllowlisted,
		},
		{
			name:   "mailer daemon sender",
			msg:    reportMsg("m-5", "MAILER-DAEMON@example.com"),
			reason: ReasonAutoResponder,
		},
		{
			name: "postmaster in return path",
			msg: reportMsg("m-6", "reporter@example.com",
				analysis.Header{Name: "Return-Path", Value: "<postmaster@example.com>"}),
			reason: ReasonAutoResponder,
		},
		{
			name: "auto submitted reply",
			msg: reportMsg("m-7", "reporter@example.com",
				analysis.Header{Name: "Auto-Submitted", Value: "auto-generated"}),
			reason: ReasonAutoResponder,
		},
		{
			name: "bulk precedence",
			msg: reportMsg("m-8", "reporter@example.com",
				analysis.Header{Name: "Precedence", Value: "bulk"}),
			reason: ReasonAutoResponder,
		},
		{
			name: "auto response suppression",
			msg: reportMsg("m-9", "reporter@example.com",
				analysis.Header{Name: "X-Auto-Response-Suppress", Value: "All"}),
			reason: ReasonAutoResponder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testChain().Admit(tt.msg)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestAdmitDeniesDuplicateMessageID(t *testing.T) {
	chain := testChain()
	msg := reportMsg("m-dup", "reporter@example.com")

	first := chain.Admit(msg)
	second := chain.Admit(msg)

	assert.True(t, first.Allowed)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonDuplicateMessageID, second.Reason)
}

func TestAdmitDuplicateShadowsLaterChecks(t *testing.T) {
	chain := testChain()
	msg := reportMsg("m-self", "phishing-alerts@corp.test")

	first := chain.Admit(msg)
	require.Equal(t, ReasonSelfSender, first.Reason)

	// The id was recorded on the first pass, so the duplicate check fires
	// before the self-sender check gets another look.
	second := chain.Admit(msg)
	assert.Equal(t, ReasonDuplicateMessageID, second.Reason)
}

func TestAdmitPrefersRFCMessageID(t *testing.T) {
	chain := testChain()

	first := chain.Admit(&analysis.Message{
		ID:        "provider-1",
		MessageID: "<abc@mail.example.com>",
		From:      "reporter@example.com",
	})
	// Same RFC id under a different provider id is still the same message.
	second := chain.Admit(&analysis.Message{
		ID:        "provider-2",
		MessageID: "<abc@mail.example.com>",
		From:      "reporter@example.com",
	})

	assert.True(t, first.Allowed)
	assert.Equal(t, ReasonDuplicateMessageID, second.Reason)
}

func TestSenderAllowlist(t *testing.T) {
	tests := []struct {
		name    string
		chain   *Chain
		sender  string
		allowed bool
	}{
		{
			name:    "exact email match",
			chain:   testChain(),
			sender:  "vip@other.test",
			allowed: true,
		},
		{
			name:    "domain match",
			chain:   testChain(),
			sender:  "anyone@example.com",
			allowed: true,
		},
		{
			name:    "subdomain of allowed domain",
			chain:   testChain(),
			sender:  "anyone@mail.example.com",
			allowed: true,
		},
		{
			name:    "lookalike domain suffix is not a match",
			chain:   testChain(),
			sender:  "anyone@notexample.com",
			allowed: false,
		},
		{
			name: "no allowlist in development is open",
			chain: NewChain(Config{
				MailboxAddress: "phishing@corp.test",
			}),
			sender:  "anyone@anywhere.test",
			allowed: true,
		},
		{
			name: "no allowlist in production is closed",
			chain: NewChain(Config{
				MailboxAddress: "phishing@corp.test",
				Production:     true,
			}),
			sender:  "anyone@anywhere.test",
			allowed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.chain.Admit(reportMsg("m-1", tt.sender))
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonNotAllowlisted, d.Reason)
			}
		})
	}
}

func TestMessageIDCacheExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newMessageIDCache(func() time.Time { return now })

	require.True(t, cache.firstSeen("id-1"))
	require.False(t, cache.firstSeen("id-1"))

	now = now.Add(25 * time.Hour)
	assert.True(t, cache.firstSeen("id-1"), "expired id should count as new")
}

func TestMessageIDCacheBounded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newMessageIDCache(func() time.Time { return now })

	for i := 0; i < maxTrackedIDs; i++ {
		require.True(t, cache.firstSeen(fmt.Sprintf("id-%d", i)))
		now = now.Add(time.Millisecond)
	}
	require.Len(t, cache.seen, maxTrackedIDs)

	// Nothing has expired, so admitting one more evicts the oldest entry.
	assert.True(t, cache.firstSeen("id-overflow"))
	assert.Len(t, cache.seen, maxTrackedIDs)
	assert.True(t, cache.firstSeen("id-0"), "oldest entry should have been evicted")
}

func TestMessageIDCachePrunesExpiredBeforeEvicting(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cache := newMessageIDCache(func() time.Time { return now })

	for i := 0; i < maxTrackedIDs; i++ {
		require.True(t, cache.firstSeen(fmt.Sprintf("id-%d", i)))
	}

	now = now.Add(25 * time.Hour)
	assert.True(t, cache.firstSeen("id-fresh"))
	assert.Len(t, cache.seen, 1, "expired entries should be pruned in bulk")
}
