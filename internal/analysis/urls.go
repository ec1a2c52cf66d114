package analysis

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// URLResult carries the extracted URLs (for reputation lookup) together with
// the indicators and subscore contribution they produced.
type URLResult struct {
	URLs       []string
	Indicators []Indicator
	Score      float64
}

var (
	urlRe    = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)
	anchorRe = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*["']([^"']+)["'][^>]*>(.*?)</a>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
)

// shortenerHosts are link-shortening services routinely used to hide a
// phishing destination.
var shortenerHosts = map[string]bool{
	"bit.ly":       true,
	"tinyurl.com":  true,
	"goo.gl":       true,
	"t.co":         true,
	"ow.ly":        true,
	"is.gd":        true,
	"buff.ly":      true,
	"rebrand.ly":   true,
	"cutt.ly":      true,
	"shorturl.at":  true,
	"rb.gy":        true,
	"tiny.cc":      true,
	"short.link":   true,
	"lnkd.in":      true,
	"s.id":         true,
	"v.gd":         true,
	"qr.ae":        true,
	"soo.gd":       true,
	"t.ly":         true,
	"shorte.st":    true,
	"bl.ink":       true,
	"tr.im":        true,
	"zpr.io":       true,
	"u.to":         true,
	"clicky.me":    true,
	"budurl.com":   true,
	"snipurl.com":  true,
	"shorturl.com": true,
}

// suspiciousTLDs see disproportionate abuse in phishing campaigns.
var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq", ".xyz", ".top", ".win"}

// AnalyzeURLs extracts every http(s) URL from the body and flags shortener
// hosts, raw-IP hosts, suspicious TLDs, user-info disguises, unparseable
// URLs, and anchor text that displays a different link than it targets.
func AnalyzeURLs(body string, isHTML bool) URLResult {
	var res URLResult

	seen := make(map[string]bool)
	for _, raw := range urlRe.FindAllString(body, -1) {
		raw = strings.TrimRight(raw, ".,;:!?")
		if seen[raw] {
			continue
		}
		seen[raw] = true
		res.URLs = append(res.URLs, raw)
		res.inspect(raw)
	}

	if isHTML {
		res.checkAnchorMismatches(body)
	}

	res.Score = clampScore(res.Score)
	return res
}

func (r *URLResult) inspect(raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		r.add(Indicator{
			Category:    CategoryURL,
			Severity:    SeverityLow,
			Description: "Unparseable URL",
			Evidence:    truncateEvidence(raw),
			Confidence:  0.5,
		}, 1.0)
		return
	}

	host := strings.ToLower(u.Hostname())

	if u.User != nil {
		// user-info before @ makes the real host easy to misread
		r.add(Indicator{
			Category:    CategoryURL,
			Severity:    SeverityHigh,
			Description: "URL contains user-info disguise (@)",
			Evidence:    truncateEvidence(raw),
			Confidence:  0.85,
		}, 2.5)
	}

	if net.ParseIP(host) != nil {
		r.add(Indicator{
			Category:    CategoryURL,
			Severity:    SeverityHigh,
			Description: "URL host is a raw IP address",
			Evidence:    truncateEvidence(raw),
			Confidence:  0.85,
		}, 3.0)
		return
	}

	if shortenerHosts[host] {
		r.add(Indicator{
			Category:    CategoryURL,
			Severity:    SeverityMedium,
			Description: "URL uses a link shortener",
			Evidence:    truncateEvidence(fmt.Sprintf("%s (%s)", raw, host)),
			Confidence:  0.7,
		}, 2.0)
	}

	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(host, tld) {
			r.add(Indicator{
				Category:    CategoryURL,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("URL uses suspicious TLD %s", tld),
				Evidence:    truncateEvidence(raw),
				Confidence:  0.65,
			}, 2.5)
			break
		}
	}
}

// checkAnchorMismatches flags anchors whose display text reads as one URL
// while the href points somewhere else.
func (r *URLResult) checkAnchorMismatches(body string) {
	for _, m := range anchorRe.FindAllStringSubmatch(body, -1) {
		href := strings.TrimSpace(m[1])
		display := strings.TrimSpace(tagRe.ReplaceAllString(m[2], ""))

		displayURL := urlRe.FindString(display)
		if displayURL == "" {
			continue
		}

		hrefHost := hostOf(href)
		displayHost := hostOf(displayURL)
		if hrefHost == "" || displayHost == "" || hrefHost == displayHost {
			continue
		}

		r.add(Indicator{
			Category:    CategoryURL,
			Severity:    SeverityHigh,
			Description: "Link text does not match link target",
			Evidence:    truncateEvidence(fmt.Sprintf("shows %s, goes to %s", displayHost, hrefHost)),
			Confidence:  0.9,
		}, 3.0)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func (r *URLResult) add(ind Indicator, weight float64) {
	r.Indicators = append(r.Indicators, ind)
	r.Score += weight
}
