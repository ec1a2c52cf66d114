package reply

import (
	"fmt"
	"html"
	"sort"

	"github.com/osteele/liquid"

	"github.com/mailwatch/phish-triage/internal/analysis"
)

const (
	maxReplyIndicators = 5
	maxReplyActions    = 3
)

// analysisTemplate is the HTML body sent back to the reporter. Bindings are
// pre-formatted strings; the template stays free of logic beyond loops and
// presence checks.
const analysisTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, Helvetica, sans-serif; color: #202124; max-width: 640px; margin: 0 auto;">
  <div style="background-color: {{ banner_color }}; color: #ffffff; padding: 16px 24px; border-radius: 4px;">
    <h1 style="margin: 0; font-size: 20px;">{{ banner_text }}</h1>
  </div>

  <p>Thank you for reporting the email "{{ subject }}". Automated analysis is complete.</p>

  <table style="border-collapse: collapse;">
    <tr><td style="padding: 4px 16px 4px 0; color: #5f6368;">Risk score</td><td><strong>{{ score }}/10</strong></td></tr>
    <tr><td style="padding: 4px 16px 4px 0; color: #5f6368;">Severity</td><td><strong>{{ severity | upcase }}</strong></td></tr>
    <tr><td style="padding: 4px 16px 4px 0; color: #5f6368;">Confidence</td><td>{{ confidence }}%</td></tr>
  </table>
{% if indicators.size > 0 %}
  <h2 style="font-size: 16px;">What we found</h2>
  <ul>
{% for ind in indicators %}    <li><strong>[{{ ind.severity | upcase }}]</strong> {{ ind.description }}</li>
{% endfor %}  </ul>
{% endif %}{% if actions.size > 0 %}
  <h2 style="font-size: 16px;">Recommended next steps</h2>
  <ol>
{% for act in actions %}    <li>{{ act.description }}</li>
{% endfor %}  </ol>
{% endif %}{% if explanation != "" %}
  <h2 style="font-size: 16px;">Summary</h2>
  <p>{{ explanation }}</p>
{% endif %}
  <p style="color: #9aa0a6; font-size: 12px;">Do not reply to this message. Analysis ID: {{ analysis_id }}</p>
</body>
</html>`

// errorTemplate is sent when analysis itself failed and no verdict exists.
const errorTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, Helvetica, sans-serif; color: #202124; max-width: 640px; margin: 0 auto;">
  <div style="background-color: #f9a825; color: #ffffff; padding: 16px 24px; border-radius: 4px;">
    <h1 style="margin: 0; font-size: 20px;">Analysis Unavailable</h1>
  </div>
  <p>We received the email you reported but could not complete the automated analysis.</p>
  <p>The security team has been notified. If the email asked for credentials or payments, do not act on it.</p>
  <p style="color: #9aa0a6; font-size: 12px;">Do not reply to this message. Reference: {{ correlation_id }}</p>
</body>
</html>`

// Renderer holds the parsed templates. Parsing happens once at startup;
// rendering is per-reply with plain map bindings.
type Renderer struct {
	analysis *liquid.Template
	failure  *liquid.Template
}

// NewRenderer parses the built-in templates.
func NewRenderer() (*Renderer, error) {
	engine := liquid.NewEngine()

	analysisTpl, err := engine.ParseString(analysisTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing analysis template: %w", err)
	}
	failureTpl, err := engine.ParseString(errorTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing error template: %w", err)
	}
	return &Renderer{analysis: analysisTpl, failure: failureTpl}, nil
}

// RenderAnalysis builds the reply body for a completed analysis.
func (r *Renderer) RenderAnalysis(msg *analysis.Message, res *analysis.Result) (string, error) {
	bannerText, bannerColor := banner(res)

	inds := topIndicators(res.Indicators, maxReplyIndicators)
	indItems := make([]map[string]interface{}, 0, len(inds))
	for _, ind := range inds {
		indItems = append(indItems, map[string]interface{}{
			"severity":    string(ind.Severity),
			"description": ind.Description,
		})
	}

	actions := res.Actions
	if len(actions) > maxReplyActions {
		actions = actions[:maxReplyActions]
	}
	actItems := make([]map[string]interface{}, 0, len(actions))
	for _, act := range actions {
		actItems = append(actItems, map[string]interface{}{
			"description": act.Description,
		})
	}

	bindings := map[string]interface{}{
		"banner_text":  bannerText,
		"banner_color": bannerColor,
		"subject":      html.EscapeString(msg.Subject),
		"score":        fmt.Sprintf("%.1f", res.RiskScore),
		"severity":     string(res.Severity),
		"confidence":   fmt.Sprintf("%.0f", res.Confidence*100),
		"indicators":   indItems,
		"actions":      actItems,
		"explanation":  html.EscapeString(res.Explanation),
		"analysis_id":  res.AnalysisID,
	}

	out, err := r.analysis.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("rendering reply: %w", err)
	}
	return out, nil
}

// RenderError builds the body for the analysis-failed reply.
func (r *Renderer) RenderError(correlationID string) (string, error) {
	out, err := r.failure.RenderString(map[string]interface{}{
		"correlation_id": correlationID,
	})
	if err != nil {
		return "", fmt.Errorf("rendering error reply: %w", err)
	}
	return out, nil
}

func banner(res *analysis.Result) (text, color string) {
	if res.IsPhishing {
		return "PHISHING DETECTED", "#d32f2f"
	}
	return "No Phishing Detected", "#2e7d32"
}

var severityRank = map[analysis.Severity]int{
	analysis.SeverityCritical: 0,
	analysis.SeverityHigh:     1,
	analysis.SeverityMedium:   2,
	analysis.SeverityLow:      3,
}

// topIndicators returns the n most severe indicators, ties broken by
// confidence, without mutating the result's slice.
func topIndicators(indicators []analysis.Indicator, n int) []analysis.Indicator {
	sorted := make([]analysis.Indicator, len(indicators))
	copy(sorted, indicators)
	sort.SliceStable(sorted, func(i, j int) bool {
		if severityRank[sorted[i].Severity] != severityRank[sorted[j].Severity] {
			return severityRank[sorted[i].Severity] < severityRank[sorted[j].Severity]
		}
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
