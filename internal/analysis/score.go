package analysis

import (
	"sort"
	"strings"
)

// PhishingThreshold is the score at or above which a message is classified
// as phishing.
const PhishingThreshold = 5.0

// Subscore weights. Attachments shift weight off the header and content
// signals when present.
const (
	weightHeaderWithAtt  = 0.4
	weightContentWithAtt = 0.3
	weightAttachment     = 0.3
	weightHeaderNoAtt    = 0.6
	weightContentNoAtt   = 0.4
)

// aggregateScore combines the analyzer subscores. Threat-intel contribution
// is added afterwards and the result clamped by the caller.
func aggregateScore(header, content, attachment float64, hasAttachments bool) float64 {
	if hasAttachments {
		return weightHeaderWithAtt*header + weightContentWithAtt*content + weightAttachment*attachment
	}
	return weightHeaderNoAtt*header + weightContentNoAtt*content
}

// classifySeverity maps the final score to a severity band, then applies the
// threat-intel override. The override never lowers a band; it exists so that
// externally-confirmed signals keep their weight even if the bands change.
func classifySeverity(score, intelContribution float64) Severity {
	var sev Severity
	switch {
	case score >= 8.0:
		sev = SeverityCritical
	case score >= 6.0:
		sev = SeverityHigh
	case score >= 3.0:
		sev = SeverityMedium
	default:
		sev = SeverityLow
	}

	if intelContribution >= 2.0 && score >= 8.0 {
		sev = SeverityCritical
	} else if intelContribution >= 1.0 && score >= 6.0 && score < 8.0 {
		sev = SeverityHigh
	}
	return sev
}

var priorityRank = map[string]int{
	"urgent": 0,
	"high":   1,
	"medium": 2,
	"low":    3,
}

// recommendActions derives the response playbook from the severity band and
// the indicator set.
func recommendActions(severity Severity, isPhishing bool, indicators []Indicator) []Action {
	var actions []Action

	hasCredentialHarvesting := false
	hasCriticalAttachment := false
	hasMacroAttachment := false
	for _, ind := range indicators {
		if ind.Category == CategoryContent && ind.Severity == SeverityHigh &&
			containsFold(ind.Description, "credential") {
			hasCredentialHarvesting = true
		}
		if ind.Category == CategoryAttachment {
			if ind.Severity == SeverityCritical {
				hasCriticalAttachment = true
			}
			if containsFold(ind.Description, "macro") {
				hasMacroAttachment = true
			}
		}
	}

	switch severity {
	case SeverityCritical:
		actions = append(actions,
			Action{Priority: "urgent", Action: "quarantine_email", Description: "Remove the message from the reporter's mailbox", RequiresApproval: true},
			Action{Priority: "urgent", Action: "alert_security_team", Description: "Notify the security team for immediate review", Automated: true},
			Action{Priority: "high", Action: "create_incident", Description: "Open an incident for tracking and response", Automated: true},
		)
	case SeverityHigh:
		actions = append(actions,
			Action{Priority: "high", Action: "alert_security_team", Description: "Notify the security team for review", Automated: true},
			Action{Priority: "medium", Action: "flag_for_review", Description: "Queue the message for analyst review"},
		)
	case SeverityMedium:
		actions = append(actions,
			Action{Priority: "medium", Action: "flag_for_review", Description: "Queue the message for analyst review"},
			Action{Priority: "low", Action: "user_education", Description: "Share phishing-awareness guidance with the reporter"},
		)
	default:
		if !isPhishing {
			actions = append(actions,
				Action{Priority: "low", Action: "monitor", Description: "No action needed; continue monitoring", Automated: true},
			)
		}
	}

	if hasCredentialHarvesting && (severity == SeverityHigh || severity == SeverityCritical) {
		actions = append(actions, Action{
			Priority:         "urgent",
			Action:           "reset_user_credentials",
			Description:      "Reset credentials for any account the reporter may have entered",
			RequiresApproval: true,
		})
	}
	if hasCriticalAttachment {
		actions = append(actions, Action{
			Priority:    "urgent",
			Action:      "block_attachment",
			Description: "Block the attachment hash at the mail gateway",
			Automated:   true,
		})
	}
	if hasMacroAttachment && !hasCriticalAttachment {
		actions = append(actions, Action{
			Priority:    "high",
			Action:      "strip_macros",
			Description: "Strip macros before any user opens the document",
			Automated:   true,
		})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return priorityRank[actions[i].Priority] < priorityRank[actions[j].Priority]
	})
	return actions
}

// meanConfidence averages indicator confidences; an empty set scores 0.
func meanConfidence(indicators []Indicator) float64 {
	if len(indicators) == 0 {
		return 0
	}
	var sum float64
	for _, ind := range indicators {
		sum += ind.Confidence
	}
	return sum / float64(len(indicators))
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
