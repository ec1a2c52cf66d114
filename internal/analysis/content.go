package analysis

import (
	"fmt"
	"sort"
	"strings"
)

// ContentResult aggregates the lexical signals and the URL signals, since
// both feed the same content subscore. URLs are carried through for
// reputation lookup.
type ContentResult struct {
	Indicators []Indicator
	Score      float64
	URLs       []string
}

// DefaultBrandDomains maps legitimate brand domains to display names for
// impersonation and typosquat checks. Extended at runtime via configuration.
var DefaultBrandDomains = map[string]string{
	"paypal.com":          "PayPal",
	"microsoft.com":       "Microsoft",
	"microsoftonline.com": "Microsoft",
	"office365.com":       "Microsoft 365",
	"apple.com":           "Apple",
	"icloud.com":          "Apple iCloud",
	"google.com":          "Google",
	"gmail.com":           "Gmail",
	"googlemail.com":      "Gmail",
	"amazon.com":          "Amazon",
	"netflix.com":         "Netflix",
	"chase.com":           "Chase",
	"wellsfargo.com":      "Wells Fargo",
	"bankofamerica.com":   "Bank of America",
	"citibank.com":        "Citibank",
	"dhl.com":             "DHL",
	"fedex.com":           "FedEx",
	"ups.com":             "UPS",
	"usps.com":            "USPS",
	"irs.gov":             "IRS",
	"docusign.com":        "DocuSign",
	"dropbox.com":         "Dropbox",
	"linkedin.com":        "LinkedIn",
	"facebook.com":        "Facebook",
	"instagram.com":       "Instagram",
	"adobe.com":           "Adobe",
	"coinbase.com":        "Coinbase",
}

var urgencyPhrases = []string{
	"urgent",
	"immediately",
	"right away",
	"act now",
	"asap",
	"expires today",
	"within 24 hours",
	"final notice",
	"last warning",
	"will be suspended",
	"will be closed",
	"will be terminated",
	"account suspended",
	"account locked",
	"immediate action required",
	"time sensitive",
}

var credentialPhrases = []string{
	"verify your account",
	"confirm your account",
	"verify your identity",
	"confirm your identity",
	"enter your password",
	"confirm your password",
	"update your password",
	"reset your password",
	"update your payment",
	"confirm your payment",
	"update your billing",
	"login to your account",
	"log in to your account",
	"sign in to your account",
	"validate your account",
	"unusual sign-in activity",
	"security alert",
	"enter your credentials",
	"provide your ssn",
	"social security number",
}

var socialEngineeringPhrases = []string{
	"wire transfer",
	"gift card",
	"gift cards",
	"do not tell anyone",
	"keep this confidential",
	"are you available",
	"quick favor",
	"need your help urgently",
	"change of bank details",
	"new banking details",
	"payment instructions",
	"invoice attached",
	"overdue payment",
	"prize",
	"you have won",
	"lottery",
	"inheritance",
}

// AnalyzeContent inspects subject, body, and the sender domain. The sender
// checks run even when the body is empty, which is exactly the shape of a
// bare typosquat probe.
func AnalyzeContent(subject, body string, isHTML bool, senderDomain string, brands map[string]string) ContentResult {
	var res ContentResult
	if brands == nil {
		brands = DefaultBrandDomains
	}

	text := strings.ToLower(subject + " " + body)

	if hits := matchPhrases(text, urgencyPhrases); len(hits) > 0 {
		res.add(Indicator{
			Category:    CategoryContent,
			Severity:    SeverityMedium,
			Description: "Urgency tactics detected",
			Evidence:    truncateEvidence(strings.Join(hits, ", ")),
			Confidence:  phraseConfidence(len(hits), 0.6),
		}, 3.0)
	}

	if hits := matchPhrases(text, credentialPhrases); len(hits) > 0 {
		res.add(Indicator{
			Category:    CategoryContent,
			Severity:    SeverityHigh,
			Description: "Credential harvesting language detected",
			Evidence:    truncateEvidence(strings.Join(hits, ", ")),
			Confidence:  phraseConfidence(len(hits), 0.7),
		}, 4.0)
	}

	if hits := matchPhrases(text, socialEngineeringPhrases); len(hits) > 0 {
		res.add(Indicator{
			Category:    CategoryContent,
			Severity:    SeverityMedium,
			Description: "Social engineering patterns detected",
			Evidence:    truncateEvidence(strings.Join(hits, ", ")),
			Confidence:  phraseConfidence(len(hits), 0.55),
		}, 2.0)
	}

	res.checkSenderDomain(senderDomain, brands)

	urls := AnalyzeURLs(body, isHTML)
	res.URLs = urls.URLs
	res.Indicators = append(res.Indicators, urls.Indicators...)
	res.Score += urls.Score

	res.Score = clampScore(res.Score)
	return res
}

// checkSenderDomain looks for brand impersonation in the sender domain:
// either a domain within typosquatting distance of a real brand domain, or a
// brand name embedded in an unrelated domain. Typosquats are checked across
// every brand before the weaker embedding signal is considered.
func (r *ContentResult) checkSenderDomain(senderDomain string, brands map[string]string) {
	if senderDomain == "" {
		return
	}

	ordered := make([]string, 0, len(brands))
	for brandDomain := range brands {
		if senderDomain == brandDomain || strings.HasSuffix(senderDomain, "."+brandDomain) {
			// The genuine domain or a subdomain of it.
			return
		}
		ordered = append(ordered, brandDomain)
	}
	sort.Strings(ordered)

	for _, brandDomain := range ordered {
		similarity := domainSimilarity(senderDomain, brandDomain)
		if similarity > 85 && similarity < 100 {
			r.add(Indicator{
				Category:    CategorySender,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("Typosquatting of %s", brands[brandDomain]),
				Evidence:    truncateEvidence(fmt.Sprintf("sender domain '%s' is %.1f%% similar to '%s'", senderDomain, similarity, brandDomain)),
				Confidence:  0.9,
			}, 10.0)
			return
		}
	}

	for _, brandDomain := range ordered {
		brandToken := strings.Split(brandDomain, ".")[0]
		if len(brandToken) >= 4 && strings.Contains(senderDomain, brandToken) {
			r.add(Indicator{
				Category:    CategorySender,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("Brand impersonation of %s", brands[brandDomain]),
				Evidence:    truncateEvidence(fmt.Sprintf("sender domain '%s' embeds '%s' but is not '%s'", senderDomain, brandToken, brandDomain)),
				Confidence:  0.75,
			}, 4.0)
			return
		}
	}
}

// domainSimilarity returns the Levenshtein similarity of two domains as a
// percentage.
func domainSimilarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	distance := levenshteinDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return (1.0 - float64(distance)/float64(maxLen)) * 100
}

// levenshteinDistance calculates the edit distance between two strings.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
	}
	for i := 0; i <= len(s1); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(s2); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			matrix[i][j] = min(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
		}
	}

	return matrix[len(s1)][len(s2)]
}

func matchPhrases(text string, phrases []string) []string {
	var hits []string
	for _, p := range phrases {
		if strings.Contains(text, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

// phraseConfidence grows with the number of distinct phrase hits.
func phraseConfidence(hits int, base float64) float64 {
	c := base + 0.1*float64(hits-1)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func (r *ContentResult) add(ind Indicator, weight float64) {
	r.Indicators = append(r.Indicators, ind)
	r.Score += weight
}
