// Package triage runs one reported message through the full processing
// sequence: admission guards, duplicate suppression, analysis, and the reply.
// Every entry point into the service (webhook workers and pollers) converges
// here.
package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/dedup"
	"github.com/mailwatch/phish-triage/internal/guard"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
	"github.com/mailwatch/phish-triage/internal/reply"
)

// Pipeline stage names, used for metrics and blocked errors.
const (
	StageGuard    = "guard"
	StageDedup    = "dedup"
	StageAnalysis = "analysis"
	StageReply    = "reply"
)

// BlockedError reports that a guard or limit denied a message before
// analysis. Callers treat it as a clean exit, not a failure.
type BlockedError struct {
	Stage  string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s: %s", e.Stage, e.Reason)
}

// Pipeline coordinates the per-message flow. Safe for concurrent use; all
// state lives in the collaborators.
type Pipeline struct {
	guards   *guard.Chain
	dedup    *dedup.Deduplicator
	analyzer *analysis.Analyzer
	replies  *reply.Dispatcher
	mx       *metrics.Metrics
}

// NewPipeline wires the per-message processing sequence.
func NewPipeline(guards *guard.Chain, dd *dedup.Deduplicator, analyzer *analysis.Analyzer, replies *reply.Dispatcher, mx *metrics.Metrics) *Pipeline {
	return &Pipeline{
		guards:   guards,
		dedup:    dd,
		analyzer: analyzer,
		replies:  replies,
		mx:       mx,
	}
}

// Process runs one message through guards, dedup, analysis, and reply. A
// denial returns a *BlockedError and no result. Analysis itself never fails;
// if sending the reply fails, an error reply carrying the analysis id is
// attempted and the analysis result is returned together with the error.
func (p *Pipeline) Process(ctx context.Context, msg *analysis.Message) (*analysis.Result, error) {
	if decision := p.guards.Admit(msg); !decision.Allowed {
		return nil, p.blocked(msg, StageGuard, decision.Reason, "")
	}

	if decision := p.dedup.ShouldProcess(ctx, msg.From, msg.Subject, msg.Body); !decision.Allowed {
		return nil, p.blocked(msg, StageDedup, decision.Reason, decision.Message)
	}

	analysisStart := time.Now()
	res := p.analyzer.Analyze(ctx, msg)
	p.mx.ObserveStage(StageAnalysis, time.Since(analysisStart))
	p.mx.ObserveAnalysis(res.Duration)

	replyStart := time.Now()
	err := p.replies.Send(ctx, msg, res)
	p.mx.ObserveStage(StageReply, time.Since(replyStart))
	if err != nil {
		p.mx.RecordProcessed("error")
		logger.Error("reply dispatch failed",
			"message_id", msg.PrimaryID(),
			"analysis_id", res.AnalysisID,
			"error", err.Error())
		if errReply := p.replies.SendErrorReply(ctx, msg, res.AnalysisID); errReply != nil {
			logger.Error("error reply failed",
				"message_id", msg.PrimaryID(),
				"analysis_id", res.AnalysisID,
				"error", errReply.Error())
		}
		return res, fmt.Errorf("processing message %s: %w", msg.PrimaryID(), err)
	}

	p.mx.RecordProcessed("analyzed")
	return res, nil
}

// blocked records the denial and builds the typed error.
func (p *Pipeline) blocked(msg *analysis.Message, stage, reason, detail string) error {
	p.mx.RecordBlocked(stage, reason)
	p.mx.RecordProcessed("blocked")

	fields := []interface{}{
		"message_id", msg.PrimaryID(),
		"stage", stage,
		"reason", reason,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	logger.Warn("message blocked", fields...)

	return &BlockedError{Stage: stage, Reason: reason}
}
