package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/dedup"
	"github.com/mailwatch/phish-triage/internal/graph"
	"github.com/mailwatch/phish-triage/internal/guard"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/ratelimit"
	"github.com/mailwatch/phish-triage/internal/reply"
)

// stubSender captures outgoing mail. failNext makes the next n sends fail.
type stubSender struct {
	mails    []graph.OutgoingMail
	failNext int
}

func (s *stubSender) SendMail(_ context.Context, _ string, mail graph.OutgoingMail) error {
	if s.failNext > 0 {
		s.failNext--
		return errors.New("graph API error (status 503)")
	}
	s.mails = append(s.mails, mail)
	return nil
}

func newPipeline(t *testing.T) (*Pipeline, *stubSender, *metrics.Metrics) {
	t.Helper()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	mx := metrics.NewWith(reg, reg)

	guards := guard.NewChain(guard.Config{MailboxAddress: "phishing@corp.test"})
	dd := dedup.NewDeduplicator(store, dedup.Config{Enabled: true, ContentTTL: time.Hour})
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{})
	analyzer := analysis.NewAnalyzer(analysis.AnalyzerConfig{})

	renderer, err := reply.NewRenderer()
	require.NoError(t, err)

	sender := &stubSender{}
	dispatcher := reply.NewDispatcher(sender, limiter, dd, renderer, mx, "phishing@corp.test")

	return NewPipeline(guards, dd, analyzer, dispatcher, mx), sender, mx
}

func safeMessage() *analysis.Message {
	return &analysis.Message{
		ID:        "AAMk-1",
		MessageID: "<lunch-1@example.com>",
		Subject:   "Lunch?",
		From:      "john@example.com",
		Body:      "See you at 1.",
		Headers: []analysis.Header{
			{Name: "Authentication-Results", Value: "spf=pass; dkim=pass; dmarc=pass"},
		},
	}
}

func phishingMessage(id string) *analysis.Message {
	return &analysis.Message{
		ID:        id,
		MessageID: "<" + id + "@evil.test>",
		Subject:   "Action required",
		From:      "security@evil.test",
		Body:      "URGENT: your account will be suspended! Click https://192.168.1.1/claim and enter your password.",
		Headers: []analysis.Header{
			{Name: "Authentication-Results", Value: "spf=fail; dkim=fail; dmarc=fail"},
		},
	}
}

func TestProcessSafeEmailRepliesLow(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)

	res, err := pipeline.Process(context.Background(), safeMessage())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.IsPhishing)
	assert.Less(t, res.RiskScore, 3.0)
	assert.Equal(t, analysis.SeverityLow, res.Severity)

	require.Len(t, sender.mails, 1)
	assert.Equal(t, "Re: Lunch?", sender.mails[0].Subject)
	assert.Contains(t, sender.mails[0].HTMLBody, "No Phishing Detected")

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.EmailsProcessed.WithLabelValues("analyzed")))
}

func TestProcessPhishingEmailRepliesAlert(t *testing.T) {
	pipeline, sender, _ := newPipeline(t)

	res, err := pipeline.Process(context.Background(), phishingMessage("AAMk-2"))
	require.NoError(t, err)

	assert.True(t, res.IsPhishing)
	assert.GreaterOrEqual(t, res.RiskScore, 6.0)

	require.Len(t, sender.mails, 1)
	assert.Equal(t, "security@evil.test", sender.mails[0].To)
	assert.Contains(t, sender.mails[0].HTMLBody, "PHISHING DETECTED")
}

func TestProcessSameMessageTwiceRepliesOnce(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)
	ctx := context.Background()
	msg := phishingMessage("AAMk-3")

	_, err := pipeline.Process(ctx, msg)
	require.NoError(t, err)

	res, err := pipeline.Process(ctx, msg)
	assert.Nil(t, res)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, StageGuard, blocked.Stage)
	assert.Equal(t, guard.ReasonDuplicateMessageID, blocked.Reason)

	assert.Len(t, sender.mails, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.BlockedTotal.WithLabelValues(StageGuard, guard.ReasonDuplicateMessageID)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.EmailsProcessed.WithLabelValues("blocked")))
}

func TestProcessSameContentTwiceBlockedAtDedup(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)
	ctx := context.Background()

	_, err := pipeline.Process(ctx, phishingMessage("AAMk-4"))
	require.NoError(t, err)

	// Fresh provider and message ids, identical content.
	_, err = pipeline.Process(ctx, phishingMessage("AAMk-5"))

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, StageDedup, blocked.Stage)
	assert.Equal(t, dedup.ReasonDuplicateContent, blocked.Reason)

	assert.Len(t, sender.mails, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.BlockedTotal.WithLabelValues(StageDedup, dedup.ReasonDuplicateContent)))
}

func TestProcessMissingSenderBlocked(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)

	msg := safeMessage()
	msg.From = ""

	res, err := pipeline.Process(context.Background(), msg)
	assert.Nil(t, res)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, StageGuard, blocked.Stage)
	assert.Equal(t, guard.ReasonMissingSender, blocked.Reason)

	assert.Empty(t, sender.mails)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.EmailsProcessed.WithLabelValues("blocked")))
}

func TestProcessReplyFailureSendsErrorReply(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)
	sender.failNext = 1

	res, err := pipeline.Process(context.Background(), phishingMessage("AAMk-6"))
	require.Error(t, err)
	require.NotNil(t, res, "analysis result survives a failed reply")

	// The analysis reply failed; the fallback error reply went out instead.
	require.Len(t, sender.mails, 1)
	assert.Contains(t, sender.mails[0].HTMLBody, "Analysis Unavailable")
	assert.Contains(t, sender.mails[0].HTMLBody, res.AnalysisID)

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.EmailsProcessed.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.RepliesTotal.WithLabelValues("analysis", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.RepliesTotal.WithLabelValues("error", "sent")))
}

func TestProcessReplyAndFallbackBothFail(t *testing.T) {
	pipeline, sender, mx := newPipeline(t)
	sender.failNext = 2

	res, err := pipeline.Process(context.Background(), phishingMessage("AAMk-7"))
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Empty(t, sender.mails)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.RepliesTotal.WithLabelValues("error", "failed")))
}

func TestBlockedErrorMessage(t *testing.T) {
	err := &BlockedError{Stage: StageGuard, Reason: guard.ReasonMissingSender}
	assert.Equal(t, "blocked at guard: missing-sender", err.Error())
}
