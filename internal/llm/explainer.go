// Package llm generates plain-language explanations for borderline analysis
// results. The orchestrator decides when an explanation is worth a call; this
// package only talks to the model provider and degrades to no explanation on
// any failure.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 512
	defaultTimeout   = 10 * time.Second
	defaultRetries   = 2

	// Body text beyond this length adds cost without adding signal.
	maxPromptBody = 1000
)

const systemPrompt = "You are a security analyst at an email protection service. " +
	"You explain automated phishing assessments to non-technical employees in plain language."

// Config carries the provider settings, normally sourced from
// ANTHROPIC_API_KEY and the LLM_* environment variables.
type Config struct {
	APIKey        string
	Model         string
	MaxTokens     int64
	Timeout       time.Duration
	RetryAttempts int
	// BreakerTrip is the consecutive-window failure count that opens the
	// circuit; BreakerReset is how long it stays open.
	BreakerTrip  uint32
	BreakerReset time.Duration
	// BaseURL overrides the provider endpoint.
	BaseURL string
}

// Explainer calls the Anthropic Messages API to turn a scored result into two
// or three sentences a reporter can act on.
type Explainer struct {
	cfg     Config
	api     anthropic.Client
	mx      *metrics.Metrics
	breaker *gobreaker.CircuitBreaker
}

var _ analysis.Explainer = (*Explainer)(nil)

// NewExplainer builds the provider client. Retries happen inside the circuit
// breaker, so a provider outage opens the circuit instead of stacking retry
// loops.
func NewExplainer(mx *metrics.Metrics, cfg Config) *Explainer {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetries
	}
	if cfg.BreakerTrip == 0 {
		cfg.BreakerTrip = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.RetryAttempts),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	e := &Explainer{
		cfg: cfg,
		api: anthropic.NewClient(opts...),
		mx:  mx,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.BreakerTrip &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			e.mx.SetBreakerState(name, int(to))
		},
	})
	return e
}

// Explain requests the explanation for one result. An empty string with a nil
// error means the provider answered but had nothing usable; callers treat both
// outcomes the same way and keep the result unexplained.
func (e *Explainer) Explain(ctx context.Context, msg *analysis.Message, res *analysis.Result) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: e.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(msg, res))),
		},
		Temperature: anthropic.Float(0.2),
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.api.Messages.New(ctx, params)
	})
	if err != nil {
		e.mx.RecordLLMRequest("error")
		return "", fmt.Errorf("explanation request: %w", err)
	}

	// Shape checks stay outside the breaker: a well-formed but empty answer
	// is not a provider failure.
	message := out.(*anthropic.Message)
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		e.mx.RecordLLMRequest("empty")
		return "", nil
	}

	text := stripFences(message.Content[0].Text)
	if text == "" {
		e.mx.RecordLLMRequest("empty")
		return "", nil
	}
	e.mx.RecordLLMRequest("ok")
	return text, nil
}

func buildPrompt(msg *analysis.Message, res *analysis.Result) string {
	var sb strings.Builder

	sb.WriteString("An employee reported the email below as suspicious. Our automated analysis scored it. ")
	sb.WriteString("Explain the assessment in 2-3 plain sentences an average office worker understands. ")
	sb.WriteString("Do not use jargon or markdown.\n\n")

	sb.WriteString(fmt.Sprintf("VERDICT: %s (risk score %.1f/10, severity %s)\n",
		verdictWord(res.IsPhishing), res.RiskScore, res.Severity))
	sb.WriteString(fmt.Sprintf("SUBJECT: %s\n", msg.Subject))
	sb.WriteString(fmt.Sprintf("SENDER: %s\n", msg.From))

	if len(res.Indicators) > 0 {
		sb.WriteString("\nSIGNALS FOUND:\n")
		for _, ind := range res.Indicators {
			sb.WriteString(fmt.Sprintf("- [%s/%s] %s\n", ind.Category, ind.Severity, ind.Description))
		}
	}

	body := strings.TrimSpace(msg.Body)
	if len(body) > maxPromptBody {
		body = body[:maxPromptBody] + "..."
	}
	if body != "" {
		sb.WriteString(fmt.Sprintf("\nBODY (truncated):\n%s\n", body))
	}

	sb.WriteString("\nRespond with only the explanation text, nothing else.")
	return sb.String()
}

func verdictWord(isPhishing bool) string {
	if isPhishing {
		return "likely phishing"
	}
	return "not phishing"
}

// stripFences drops a wrapping markdown code block some models add despite
// instructions, then trims whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}
