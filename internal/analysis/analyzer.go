package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// Enricher adds external reputation signal to an analysis. Implementations
// must degrade to an empty Enrichment on failure rather than error.
type Enricher interface {
	Enrich(ctx context.Context, senderEmail, senderIP string, urls []string) Enrichment
}

// Enrichment is the threat-intel outcome: extra indicators plus a numeric
// score contribution, already capped by the enricher.
type Enrichment struct {
	Indicators   []Indicator
	Contribution float64
}

// Explainer produces the optional natural-language explanation for
// borderline results.
type Explainer interface {
	Explain(ctx context.Context, msg *Message, res *Result) (string, error)
}

// LLM admission band: only borderline scores are worth an explanation call.
const (
	explainMinScore = 4.0
	explainMaxScore = 6.0
)

// Analyzer runs the full analysis sequence for one message.
type Analyzer struct {
	intel     Enricher
	explainer Explainer
	brands    map[string]string
	demoMode  bool
}

// AnalyzerConfig wires the optional collaborators. Nil Intel or Explainer
// simply disables that stage.
type AnalyzerConfig struct {
	Intel        Enricher
	Explainer    Explainer
	BrandDomains map[string]string
	LLMDemoMode  bool
}

// NewAnalyzer merges extra brand domains over the defaults and returns a
// ready Analyzer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	brands := make(map[string]string, len(DefaultBrandDomains)+len(cfg.BrandDomains))
	for k, v := range DefaultBrandDomains {
		brands[k] = v
	}
	for k, v := range cfg.BrandDomains {
		brands[k] = v
	}
	return &Analyzer{
		intel:     cfg.Intel,
		explainer: cfg.Explainer,
		brands:    brands,
		demoMode:  cfg.LLMDemoMode,
	}
}

// Analyze runs headers → content → attachments → threat intel → scoring →
// optional explanation and returns the result. It never returns nil and
// never panics to the caller: any unexpected failure collapses into a safe
// default result flagged for human review.
func (a *Analyzer) Analyze(ctx context.Context, msg *Message) (res *Result) {
	started := time.Now()
	analysisID := uuid.New().String()
	stage := "headers"

	defer func() {
		if r := recover(); r != nil {
			logger.Error("analysis failed",
				"analysis_id", analysisID,
				"message_id", msg.PrimaryID(),
				"stage", stage,
				"error", fmt.Sprintf("%v", r),
			)
			res = a.safeDefault(msg, analysisID, started, fmt.Sprintf("analysis error in stage %s: %v", stage, r))
		}
	}()

	headers := AnalyzeHeaders(msg)

	stage = "content"
	content := AnalyzeContent(msg.Subject, msg.Body, msg.BodyIsHTML, msg.SenderDomain(), a.brands)

	stage = "attachments"
	attachments := AnalyzeAttachments(msg.Attachments)

	stage = "threat-intel"
	var enrichment Enrichment
	if a.intel != nil {
		enrichment = a.intel.Enrich(ctx, msg.From, headers.SenderIP, content.URLs)
	}

	stage = "risk-scoring"
	hasAttachments := len(msg.Attachments) > 0
	score := aggregateScore(headers.Score, content.Score, attachments.Score, hasAttachments)
	score = clampScore(score + enrichment.Contribution)

	indicators := make([]Indicator, 0,
		len(headers.Indicators)+len(content.Indicators)+len(attachments.Indicators)+len(enrichment.Indicators))
	indicators = append(indicators, headers.Indicators...)
	indicators = append(indicators, content.Indicators...)
	indicators = append(indicators, attachments.Indicators...)
	indicators = append(indicators, enrichment.Indicators...)

	severity := classifySeverity(score, enrichment.Contribution)
	isPhishing := score >= PhishingThreshold

	result := &Result{
		AnalysisID: analysisID,
		MessageID:  msg.PrimaryID(),
		IsPhishing: isPhishing,
		Confidence: meanConfidence(indicators),
		RiskScore:  score,
		Severity:   severity,
		Indicators: indicators,
		Actions:    recommendActions(severity, isPhishing, indicators),
		AnalyzedAt: time.Now().UTC(),
	}

	stage = "llm-analysis"
	if a.explainer != nil && (a.demoMode || (score >= explainMinScore && score <= explainMaxScore)) {
		explanation, err := a.explainer.Explain(ctx, msg, result)
		if err != nil {
			logger.Warn("explanation unavailable",
				"analysis_id", analysisID,
				"error", err.Error(),
			)
		} else {
			result.Explanation = explanation
		}
	}

	result.Duration = time.Since(started)

	logger.Info("analysis complete",
		"analysis_id", analysisID,
		"message_id", result.MessageID,
		"is_phishing", result.IsPhishing,
		"risk_score", fmt.Sprintf("%.2f", result.RiskScore),
		"severity", string(result.Severity),
		"indicator_count", len(result.Indicators),
		"attachment_risk", fmt.Sprintf("%.1f", attachments.Score),
		"has_explanation", result.Explanation != "",
	)

	return result
}

// safeDefault is the result used when analysis itself broke: not classified
// as phishing, but flagged for a human to look at.
func (a *Analyzer) safeDefault(msg *Message, analysisID string, started time.Time, errMsg string) *Result {
	return &Result{
		AnalysisID: analysisID,
		MessageID:  msg.PrimaryID(),
		IsPhishing: false,
		RiskScore:  0,
		Severity:   SeverityMedium,
		Indicators: []Indicator{{
			Category:    CategoryBehavioral,
			Severity:    SeverityMedium,
			Description: "Analysis did not complete",
			Evidence:    truncateEvidence(errMsg),
			Confidence:  0,
		}},
		Actions: []Action{{
			Priority:    "medium",
			Action:      "flag_for_review",
			Description: "Automated analysis failed; queue for analyst review",
		}},
		AnalyzedAt: time.Now().UTC(),
		Duration:   time.Since(started),
	}
}
