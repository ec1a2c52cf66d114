package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findIndicator(indicators []Indicator, descriptionPart string) *Indicator {
	for i := range indicators {
		if strings.Contains(strings.ToLower(indicators[i].Description), strings.ToLower(descriptionPart)) {
			return &indicators[i]
		}
	}
	return nil
}

func TestAnalyzeContentCleanBody(t *testing.T) {
	res := AnalyzeContent("Lunch?", "See you at 1.", false, "example.com", nil)

	assert.Empty(t, res.Indicators)
	assert.Zero(t, res.Score)
	assert.Empty(t, res.URLs)
}

func TestAnalyzeContentUrgencyAndCredential(t *testing.T) {
	body := "URGENT: your account will be suspended! Click https://192.168.1.1/claim and enter your password."
	res := AnalyzeContent("Action required", body, false, "evil.test", nil)

	urgency := findIndicator(res.Indicators, "urgency")
	require.NotNil(t, urgency)
	assert.Equal(t, SeverityMedium, urgency.Severity)

	credential := findIndicator(res.Indicators, "credential")
	require.NotNil(t, credential)
	assert.Equal(t, SeverityHigh, credential.Severity)

	// The raw-IP link also lands in the content result.
	ipURL := findIndicator(res.Indicators, "raw ip")
	require.NotNil(t, ipURL)
	assert.Equal(t, []string{"https://192.168.1.1/claim"}, res.URLs)

	assert.GreaterOrEqual(t, res.Score, 9.0)
}

func TestAnalyzeContentTyposquattingEmptyBody(t *testing.T) {
	res := AnalyzeContent("", "", false, "paypa1.com", nil)

	typo := findIndicator(res.Indicators, "typosquatting")
	require.NotNil(t, typo)
	assert.Equal(t, SeverityCritical, typo.Severity)
	assert.Contains(t, typo.Description, "PayPal")
	assert.Contains(t, typo.Evidence, "paypa1.com")
	assert.InDelta(t, 0.9, typo.Confidence, 0.001)
	assert.InDelta(t, 10.0, res.Score, 0.001)
}

func TestAnalyzeContentBrandEmbedding(t *testing.T) {
	res := AnalyzeContent("", "", false, "paypal-secure-login.test", nil)

	imp := findIndicator(res.Indicators, "impersonation")
	require.NotNil(t, imp)
	assert.Equal(t, SeverityHigh, imp.Severity)
	assert.Contains(t, imp.Description, "PayPal")
}

func TestAnalyzeContentGenuineBrandDomains(t *testing.T) {
	for _, domain := range []string{"paypal.com", "mail.paypal.com", "googlemail.com", "usps.com"} {
		res := AnalyzeContent("", "", false, domain, nil)
		assert.Nil(t, findIndicator(res.Indicators, "typosquatting"), "domain %s", domain)
		assert.Nil(t, findIndicator(res.Indicators, "impersonation"), "domain %s", domain)
	}
}

func TestAnalyzeContentSocialEngineering(t *testing.T) {
	res := AnalyzeContent("Quick favor", "Are you available? I need you to buy gift cards and keep this confidential.", false, "example.com", nil)

	se := findIndicator(res.Indicators, "social engineering")
	require.NotNil(t, se)
	assert.Equal(t, SeverityMedium, se.Severity)
	assert.Contains(t, se.Evidence, "gift card")
}

func TestAnalyzeContentCustomBrands(t *testing.T) {
	brands := map[string]string{"acmecorp.example": "Acme Corp"}
	res := AnalyzeContent("", "", false, "acrnecorp.example", brands)

	typo := findIndicator(res.Indicators, "typosquatting")
	require.NotNil(t, typo)
	assert.Contains(t, typo.Description, "Acme Corp")
}

func TestDomainSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"paypa1.com", "paypal.com", 89, 91},
		{"paypal.com", "paypal.com", 100, 100},
		{"example.com", "paypal.com", 0, 60},
	}

	for _, tt := range tests {
		got := domainSimilarity(tt.a, tt.b)
		assert.GreaterOrEqual(t, got, tt.min, "%s vs %s", tt.a, tt.b)
		assert.LessOrEqual(t, got, tt.max, "%s vs %s", tt.a, tt.b)
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"paypa1.com", "paypal.com", 1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshteinDistance(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
