package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Authentication outcomes as parsed from Authentication-Results / Received-SPF.
const (
	AuthPass     = "pass"
	AuthSoftfail = "softfail"
	AuthNeutral  = "neutral"
	AuthFail     = "fail"
	AuthReject   = "reject"
	AuthNone     = "none"
)

// HeaderResult is the header analyzer output: one classification per
// mechanism, the indicators they produced, a subscore on [0,10], and the
// sender IP when one could be extracted for reputation lookup.
type HeaderResult struct {
	SPF        string
	DKIM       string
	DMARC      string
	SenderIP   string
	Indicators []Indicator
	Score      float64
}

var (
	spfResultRe   = regexp.MustCompile(`(?i)\bspf=([a-z]+)`)
	dkimResultRe  = regexp.MustCompile(`(?i)\bdkim=([a-z]+)`)
	dmarcResultRe = regexp.MustCompile(`(?i)\bdmarc=([a-z]+)`)
	dmarcPolicyRe = regexp.MustCompile(`(?i)\bp=reject\b`)
	clientIPRe    = regexp.MustCompile(`(?i)client-ip[=\s]+([0-9]{1,3}(?:\.[0-9]{1,3}){3})`)
	bareIPRe      = regexp.MustCompile(`\b([0-9]{1,3}(?:\.[0-9]{1,3}){3})\b`)
)

// AnalyzeHeaders classifies SPF, DKIM, and DMARC from the message headers and
// turns each non-pass outcome into an indicator. Missing authentication is
// itself a signal: mail that arrives with no verifiable origin scores well
// above zero even before content is considered.
func AnalyzeHeaders(msg *Message) HeaderResult {
	res := HeaderResult{
		SPF:   classifySPF(msg),
		DKIM:  classifyDKIM(msg),
		DMARC: classifyDMARC(msg),
	}
	res.SenderIP = extractSenderIP(msg)

	type mechanism struct {
		name           string
		classification string
	}
	for _, m := range []mechanism{
		{"SPF", res.SPF},
		{"DKIM", res.DKIM},
		{"DMARC", res.DMARC},
	} {
		weight, severity, confidence := scoreAuthResult(m.name, m.classification)
		res.Score += weight
		if severity == "" {
			continue
		}
		res.Indicators = append(res.Indicators, Indicator{
			Category:    CategoryHeader,
			Severity:    severity,
			Description: fmt.Sprintf("%s %s", m.name, describeAuthResult(m.classification)),
			Evidence:    truncateEvidence(fmt.Sprintf("%s=%s", strings.ToLower(m.name), m.classification)),
			Confidence:  confidence,
		})
	}

	res.Score = clampScore(res.Score)
	return res
}

// scoreAuthResult maps one mechanism outcome to its subscore weight,
// indicator severity, and confidence. DMARC reject outweighs DKIM fail,
// which outweighs SPF softfail. A pass contributes nothing.
func scoreAuthResult(mechanism, classification string) (float64, Severity, float64) {
	switch classification {
	case AuthPass:
		return 0, "", 0
	case AuthNeutral:
		return 1.0, SeverityLow, 0.4
	case AuthSoftfail:
		return 1.5, SeverityMedium, 0.6
	case AuthFail:
		if mechanism == "DMARC" {
			return 4.0, SeverityHigh, 0.9
		}
		return 3.0, SeverityHigh, 0.85
	case AuthReject:
		return 5.0, SeverityCritical, 0.95
	case AuthNone:
		if mechanism == "SPF" {
			return 2.0, SeverityLow, 0.5
		}
		return 2.5, SeverityMedium, 0.5
	default:
		return 0, "", 0
	}
}

func describeAuthResult(classification string) string {
	switch classification {
	case AuthFail:
		return "authentication failed"
	case AuthReject:
		return "failed with reject policy"
	case AuthSoftfail:
		return "soft-failed"
	case AuthNeutral:
		return "returned a neutral result"
	case AuthNone:
		return "record missing"
	default:
		return classification
	}
}

func classifySPF(msg *Message) string {
	// Authentication-Results is authoritative; Received-SPF is the fallback.
	for _, v := range msg.HeaderValues("Authentication-Results") {
		if m := spfResultRe.FindStringSubmatch(v); m != nil {
			return normalizeAuthToken(m[1])
		}
	}
	for _, v := range msg.HeaderValues("Received-SPF") {
		fields := strings.Fields(strings.ToLower(v))
		if len(fields) > 0 {
			return normalizeAuthToken(fields[0])
		}
	}
	return AuthNone
}

func classifyDKIM(msg *Message) string {
	for _, v := range msg.HeaderValues("Authentication-Results") {
		if m := dkimResultRe.FindStringSubmatch(v); m != nil {
			return normalizeAuthToken(m[1])
		}
	}
	return AuthNone
}

func classifyDMARC(msg *Message) string {
	for _, v := range msg.HeaderValues("Authentication-Results") {
		m := dmarcResultRe.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		token := normalizeAuthToken(m[1])
		if token == AuthFail && dmarcPolicyRe.MatchString(v) {
			return AuthReject
		}
		return token
	}
	return AuthNone
}

func normalizeAuthToken(token string) string {
	switch strings.ToLower(strings.TrimRight(token, ";,")) {
	case "pass":
		return AuthPass
	case "fail", "hardfail", "permerror":
		return AuthFail
	case "softfail", "temperror":
		return AuthSoftfail
	case "neutral":
		return AuthNeutral
	case "none":
		return AuthNone
	case "reject":
		return AuthReject
	default:
		return AuthNone
	}
}

// extractSenderIP pulls the connecting client IP out of Received-SPF,
// Authentication-Results, or X-Originating-IP. Private ranges are skipped
// since they identify internal hops, not the sender.
func extractSenderIP(msg *Message) string {
	candidates := msg.HeaderValues("Received-SPF")
	candidates = append(candidates, msg.HeaderValues("Authentication-Results")...)
	for _, v := range candidates {
		if m := clientIPRe.FindStringSubmatch(v); m != nil {
			if !isPrivateIPv4(m[1]) {
				return m[1]
			}
		}
	}
	for _, v := range msg.HeaderValues("X-Originating-IP") {
		if m := bareIPRe.FindStringSubmatch(v); m != nil {
			if !isPrivateIPv4(m[1]) {
				return m[1]
			}
		}
	}
	return ""
}

func isPrivateIPv4(ip string) bool {
	if strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") || strings.HasPrefix(ip, "127.") {
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			if second, err := strconv.Atoi(parts[1]); err == nil && second >= 16 && second <= 31 {
				return true
			}
		}
	}
	return false
}
