// Package reply renders and sends analysis replies back to the employee who
// reported an email. Every outgoing reply passes through the rate limiter, and
// a successful analysis reply marks the report as processed for deduplication.
package reply

import (
	"context"
	"fmt"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/dedup"
	"github.com/mailwatch/phish-triage/internal/graph"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
	"github.com/mailwatch/phish-triage/internal/ratelimit"
)

// Sender delivers an outgoing mail from the triage mailbox.
type Sender interface {
	SendMail(ctx context.Context, mailbox string, mail graph.OutgoingMail) error
}

// Dispatcher sends analysis and error replies. It owns the ordering between
// sending, the rate-limit counters, and the dedup record: counters are only
// advanced after the provider accepted the mail.
type Dispatcher struct {
	sender   Sender
	limiter  *ratelimit.Limiter
	dedup    *dedup.Deduplicator
	renderer *Renderer
	mx       *metrics.Metrics
	mailbox  string
}

// NewDispatcher wires a dispatcher for the given triage mailbox.
func NewDispatcher(sender Sender, limiter *ratelimit.Limiter, dd *dedup.Deduplicator, renderer *Renderer, mx *metrics.Metrics, mailbox string) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		limiter:  limiter,
		dedup:    dd,
		renderer: renderer,
		mx:       mx,
		mailbox:  mailbox,
	}
}

// Send renders the analysis reply and delivers it to the reporter. A reply
// that cannot be attributed to a sender, or that the rate limiter suppresses,
// is skipped without error. After a successful send the rate-limit counters
// advance first, then the report is recorded as processed so a later
// duplicate of the same email is answered from the dedup window.
func (d *Dispatcher) Send(ctx context.Context, msg *analysis.Message, res *analysis.Result) error {
	if msg.From == "" {
		logger.Warn("skipping reply, message has no sender",
			"message_id", msg.PrimaryID())
		return nil
	}

	if decision := d.limiter.CanSend(ctx); !decision.Allowed {
		d.mx.RecordBlocked("ratelimit", decision.Reason)
		d.mx.RecordReply("analysis", "suppressed")
		logger.Warn("reply suppressed by rate limiter",
			"message_id", msg.PrimaryID(),
			"reason", decision.Reason)
		return nil
	}

	body, err := d.renderer.RenderAnalysis(msg, res)
	if err != nil {
		d.mx.RecordReply("analysis", "failed")
		return fmt.Errorf("building analysis reply: %w", err)
	}

	start := time.Now()
	mail := graph.OutgoingMail{
		To:       msg.From,
		Subject:  replySubject(msg.Subject),
		HTMLBody: body,
	}
	if err := d.sender.SendMail(ctx, d.mailbox, mail); err != nil {
		d.mx.RecordReply("analysis", "failed")
		return fmt.Errorf("sending analysis reply: %w", err)
	}

	d.recordSend(ctx, msg)
	if err := d.dedup.RecordProcessed(ctx, msg.From, msg.Subject, msg.Body); err != nil {
		logger.Warn("failed to record processed report",
			"message_id", msg.PrimaryID(),
			"error", err.Error())
	}

	d.mx.RecordReply("analysis", "sent")
	d.mx.ObserveReply(time.Since(start))
	logger.Info("analysis reply sent",
		"message_id", msg.PrimaryID(),
		"to", msg.From,
		"severity", string(res.Severity))
	return nil
}

// SendErrorReply tells the reporter that analysis failed. It passes through
// the same rate limiter as analysis replies but never records the report as
// processed, so resubmitting the email triggers a fresh analysis.
func (d *Dispatcher) SendErrorReply(ctx context.Context, msg *analysis.Message, correlationID string) error {
	if msg.From == "" {
		return nil
	}

	if decision := d.limiter.CanSend(ctx); !decision.Allowed {
		d.mx.RecordBlocked("ratelimit", decision.Reason)
		d.mx.RecordReply("error", "suppressed")
		logger.Warn("error reply suppressed by rate limiter",
			"message_id", msg.PrimaryID(),
			"reason", decision.Reason)
		return nil
	}

	body, err := d.renderer.RenderError(correlationID)
	if err != nil {
		d.mx.RecordReply("error", "failed")
		return fmt.Errorf("building error reply: %w", err)
	}

	mail := graph.OutgoingMail{
		To:       msg.From,
		Subject:  replySubject(msg.Subject),
		HTMLBody: body,
	}
	if err := d.sender.SendMail(ctx, d.mailbox, mail); err != nil {
		d.mx.RecordReply("error", "failed")
		return fmt.Errorf("sending error reply: %w", err)
	}

	d.recordSend(ctx, msg)
	d.mx.RecordReply("error", "sent")
	logger.Info("error reply sent",
		"message_id", msg.PrimaryID(),
		"to", msg.From,
		"correlation_id", correlationID)
	return nil
}

// recordSend advances the rate-limit counters. A counter failure must not
// undo a send that already happened, so it is logged and swallowed.
func (d *Dispatcher) recordSend(ctx context.Context, msg *analysis.Message) {
	if err := d.limiter.RecordSend(ctx); err != nil {
		logger.Warn("failed to record send against rate limits",
			"message_id", msg.PrimaryID(),
			"error", err.Error())
	}
}

func replySubject(original string) string {
	if original == "" {
		return "Re: your reported email"
	}
	return "Re: " + original
}
