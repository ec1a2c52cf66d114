// Package analysis contains the message model, the signal analyzers, and the
// risk scorer. Everything here is pure computation: analyzers never touch the
// network, and all I/O (reputation lookups, LLM calls) enters through the
// interfaces consumed by the Analyzer.
package analysis

import (
	"strings"
	"time"
)

// Severity labels an indicator or an overall result.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Indicator categories.
const (
	CategoryHeader     = "header"
	CategoryContent    = "content"
	CategoryURL        = "url"
	CategoryAttachment = "attachment"
	CategorySender     = "sender"
	CategoryBehavioral = "behavioral"
)

// Header is one name/value pair from the message. Order and repeats are
// preserved; name comparisons are case-insensitive.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attachment describes one attachment without its content.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Inline      bool   `json:"inline,omitempty"`
}

// Message is the provider-neutral form of a reported email. It is built once
// by the ingestion side and treated as immutable from then on.
type Message struct {
	ID          string       `json:"id"`
	MessageID   string       `json:"message_id"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	FromName    string       `json:"from_name,omitempty"`
	To          string       `json:"to,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
	Headers     []Header     `json:"headers,omitempty"`
	Body        string       `json:"body"`
	BodyIsHTML  bool         `json:"body_is_html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Header returns the first value for the named header, or "".
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues returns every value for the named header in order.
func (m *Message) HeaderValues(name string) []string {
	var vals []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// SenderDomain returns the lowercased domain of the sender address, or ""
// when the address is malformed.
func (m *Message) SenderDomain() string {
	return domainOf(m.From)
}

// PrimaryID returns the RFC-822 message-id when present, falling back to
// the provider id.
func (m *Message) PrimaryID() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ID
}

func domainOf(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// Indicator is a single threat signal found by an analyzer.
type Indicator struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Evidence    string   `json:"evidence"`
	Confidence  float64  `json:"confidence"`
}

// Action is one recommended response step.
type Action struct {
	Priority         string `json:"priority"`
	Action           string `json:"action"`
	Description      string `json:"description"`
	Automated        bool   `json:"automated"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Result is the outcome of one analysis run.
type Result struct {
	AnalysisID  string        `json:"analysis_id"`
	MessageID   string        `json:"message_id"`
	IsPhishing  bool          `json:"is_phishing"`
	Confidence  float64       `json:"confidence"`
	RiskScore   float64       `json:"risk_score"`
	Severity    Severity      `json:"severity"`
	Indicators  []Indicator   `json:"indicators"`
	Actions     []Action      `json:"recommended_actions"`
	Explanation string        `json:"explanation,omitempty"`
	AnalyzedAt  time.Time     `json:"analyzed_at"`
	Duration    time.Duration `json:"duration_ms"`
}

const maxEvidenceLen = 200

// truncateEvidence bounds evidence strings so indicator payloads stay small
// enough to log and render.
func truncateEvidence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxEvidenceLen {
		return s
	}
	return s[:maxEvidenceLen] + "..."
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}
