package threatintel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

const (
	apiVirusTotal = "virustotal"
	apiURLScan    = "urlscan"
	apiAbuseIPDB  = "abuseipdb"
	apiRDAP       = "rdap"
)

const (
	defaultVTBaseURL      = "https://www.virustotal.com/api/v3"
	defaultURLScanBaseURL = "https://urlscan.io/api/v1"
	defaultAbuseBaseURL   = "https://api.abuseipdb.com/api/v2"
	defaultRDAPBaseURL    = "https://rdap.org"

	maxResponseBytes = 1 << 20
)

// errInvalidResponse marks a 200 response whose body does not match the
// expected schema. These do not count against the circuit breaker.
var errInvalidResponse = errors.New("invalid response shape")

// checkURL asks the configured URL-reputation provider about one URL.
// VirusTotal is preferred; urlscan.io is the fallback when only its key is
// configured.
func (s *Service) checkURL(ctx context.Context, rawURL string) finding {
	key := cache.Key(cache.NSIntel, "vt-url-"+rawURL)

	api := apiVirusTotal
	if s.cfg.VirusTotalKey == "" {
		api = apiURLScan
	}
	if f, ok := s.cachedFinding(ctx, api, key); ok {
		return f
	}

	var (
		f   finding
		err error
	)
	if api == apiVirusTotal {
		f, err = s.lookupVirusTotal(ctx, rawURL)
	} else {
		f, err = s.lookupURLScan(ctx, rawURL)
	}
	if err != nil {
		s.recordLookupFailure(api, err)
		return finding{}
	}

	s.mx.RecordIntelLookup(api, "ok")
	s.storeFinding(ctx, key, f)
	return f
}

// checkIP asks AbuseIPDB for the sender IP's abuse confidence score.
func (s *Service) checkIP(ctx context.Context, ip string) finding {
	key := cache.Key(cache.NSIntel, "abuseipdb-"+ip)
	if f, ok := s.cachedFinding(ctx, apiAbuseIPDB, key); ok {
		return f
	}

	f, err := s.lookupAbuseIPDB(ctx, ip)
	if err != nil {
		s.recordLookupFailure(apiAbuseIPDB, err)
		return finding{}
	}

	s.mx.RecordIntelLookup(apiAbuseIPDB, "ok")
	s.storeFinding(ctx, key, f)
	return f
}

// checkDomainAge looks up the sender domain's registration date over RDAP.
func (s *Service) checkDomainAge(ctx context.Context, domain string) finding {
	key := cache.Key(cache.NSIntel, "domain-age-"+domain)
	if f, ok := s.cachedFinding(ctx, apiRDAP, key); ok {
		return f
	}

	f, err := s.lookupDomainAge(ctx, domain)
	if err != nil {
		s.recordLookupFailure(apiRDAP, err)
		return finding{}
	}

	s.mx.RecordIntelLookup(apiRDAP, "ok")
	s.storeFinding(ctx, key, f)
	return f
}

func (s *Service) recordLookupFailure(api string, err error) {
	result := "error"
	if errors.Is(err, errInvalidResponse) {
		result = "invalid"
	}
	s.mx.RecordIntelLookup(api, result)
	logger.Warn("reputation lookup failed", "api", api, "error", err.Error())
}

type vtURLResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats map[string]int `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

func (s *Service) lookupVirusTotal(ctx context.Context, rawURL string) (finding, error) {
	id := base64.RawURLEncoding.EncodeToString([]byte(rawURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.vtBase+"/urls/"+id, nil)
	if err != nil {
		return finding{}, err
	}
	req.Header.Set("x-apikey", s.cfg.VirusTotalKey)

	var out vtURLResponse
	if err := s.doJSON(apiVirusTotal, req, &out); err != nil {
		return finding{}, err
	}

	stats := out.Data.Attributes.LastAnalysisStats
	total := 0
	for _, n := range stats {
		total += n
	}
	if total == 0 {
		return finding{}, fmt.Errorf("%w: missing last_analysis_stats", errInvalidResponse)
	}

	malicious := stats["malicious"]
	ratio := float64(malicious) / float64(total)
	evidence := fmt.Sprintf("%d/%d engines flagged %s", malicious, total, shortURL(rawURL))
	switch {
	case ratio >= 0.5:
		return urlFinding(2.5, analysis.SeverityCritical, 0.95, evidence), nil
	case ratio >= 0.25:
		return urlFinding(1.5, analysis.SeverityHigh, 0.8, evidence), nil
	case ratio >= 0.1:
		return urlFinding(0.75, analysis.SeverityMedium, 0.6, evidence), nil
	}
	return finding{}, nil
}

type urlscanSearchResponse struct {
	Total   *int              `json:"total"`
	Results []json.RawMessage `json:"results"`
}

func (s *Service) lookupURLScan(ctx context.Context, rawURL string) (finding, error) {
	query := fmt.Sprintf("page.url:%q AND verdicts.malicious:true", rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.urlscanBase+"/search/?q="+url.QueryEscape(query), nil)
	if err != nil {
		return finding{}, err
	}
	req.Header.Set("API-Key", s.cfg.URLScanKey)

	var out urlscanSearchResponse
	if err := s.doJSON(apiURLScan, req, &out); err != nil {
		return finding{}, err
	}
	if out.Total == nil {
		return finding{}, fmt.Errorf("%w: missing total", errInvalidResponse)
	}

	hits := *out.Total
	evidence := fmt.Sprintf("%d recent scans flagged %s as malicious", hits, shortURL(rawURL))
	switch {
	case hits >= 5:
		return urlFinding(2.5, analysis.SeverityCritical, 0.9, evidence), nil
	case hits >= 1:
		return urlFinding(1.5, analysis.SeverityHigh, 0.75, evidence), nil
	}
	return finding{}, nil
}

type abuseCheckResponse struct {
	Data *struct {
		AbuseConfidenceScore int `json:"abuseConfidenceScore"`
		TotalReports         int `json:"totalReports"`
	} `json:"data"`
}

func (s *Service) lookupAbuseIPDB(ctx context.Context, ip string) (finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.abuseBase+"/check?ipAddress="+url.QueryEscape(ip)+"&maxAgeInDays=90", nil)
	if err != nil {
		return finding{}, err
	}
	req.Header.Set("Key", s.cfg.AbuseIPDBKey)
	req.Header.Set("Accept", "application/json")

	var out abuseCheckResponse
	if err := s.doJSON(apiAbuseIPDB, req, &out); err != nil {
		return finding{}, err
	}
	if out.Data == nil || out.Data.AbuseConfidenceScore < 0 || out.Data.AbuseConfidenceScore > 100 {
		return finding{}, fmt.Errorf("%w: abuse score out of range", errInvalidResponse)
	}

	score := out.Data.AbuseConfidenceScore
	evidence := fmt.Sprintf("abuse confidence %d/100 (%d reports)", score, out.Data.TotalReports)
	switch {
	case score >= 75:
		return ipFinding(2.0, analysis.SeverityHigh, 0.9, evidence), nil
	case score >= 50:
		return ipFinding(1.0, analysis.SeverityMedium, 0.7, evidence), nil
	case score >= 25:
		return ipFinding(0.5, analysis.SeverityLow, 0.5, evidence), nil
	}
	return finding{}, nil
}

type rdapDomainResponse struct {
	Events []struct {
		EventAction string `json:"eventAction"`
		EventDate   string `json:"eventDate"`
	} `json:"events"`
}

func (s *Service) lookupDomainAge(ctx context.Context, domain string) (finding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.rdapBase+"/domain/"+url.PathEscape(domain), nil)
	if err != nil {
		return finding{}, err
	}

	var out rdapDomainResponse
	if err := s.doJSON(apiRDAP, req, &out); err != nil {
		return finding{}, err
	}

	var registered time.Time
	for _, ev := range out.Events {
		if ev.EventAction != "registration" {
			continue
		}
		registered, err = time.Parse(time.RFC3339, ev.EventDate)
		if err != nil {
			return finding{}, fmt.Errorf("%w: bad registration date %q", errInvalidResponse, ev.EventDate)
		}
		break
	}
	if registered.IsZero() {
		return finding{}, fmt.Errorf("%w: no registration event", errInvalidResponse)
	}

	ageDays := int(s.now().Sub(registered).Hours() / 24)
	if ageDays < 0 {
		return finding{}, fmt.Errorf("%w: registration date in the future", errInvalidResponse)
	}

	evidence := fmt.Sprintf("%s registered %d days ago", domain, ageDays)
	switch {
	case ageDays < 7:
		return domainFinding(2.0, analysis.SeverityHigh, 0.85, "Sender domain registered very recently", evidence), nil
	case ageDays < 30:
		return domainFinding(1.0, analysis.SeverityMedium, 0.7, "Sender domain registered recently", evidence), nil
	}
	return finding{}, nil
}

// doJSON runs the request through the API's circuit breaker and decodes the
// body. Decoding happens outside the breaker so schema problems on a healthy
// upstream do not open it.
func (s *Service) doJSON(api string, req *http.Request, out any) error {
	raw, err := s.breakers[api].Execute(func() (interface{}, error) {
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", api, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	})
	if err != nil {
		return err
	}
	body, _ := raw.([]byte)
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidResponse, err)
	}
	return nil
}

func urlFinding(contribution float64, sev analysis.Severity, confidence float64, evidence string) finding {
	return finding{
		Indicators: []analysis.Indicator{{
			Category:    analysis.CategoryURL,
			Severity:    sev,
			Description: "URL flagged by reputation providers",
			Evidence:    evidence,
			Confidence:  confidence,
		}},
		Contribution: contribution,
	}
}

func ipFinding(contribution float64, sev analysis.Severity, confidence float64, evidence string) finding {
	return finding{
		Indicators: []analysis.Indicator{{
			Category:    analysis.CategorySender,
			Severity:    sev,
			Description: "Sender IP reported for abuse",
			Evidence:    evidence,
			Confidence:  confidence,
		}},
		Contribution: contribution,
	}
}

func domainFinding(contribution float64, sev analysis.Severity, confidence float64, description, evidence string) finding {
	return finding{
		Indicators: []analysis.Indicator{{
			Category:    analysis.CategorySender,
			Severity:    sev,
			Description: description,
			Evidence:    evidence,
			Confidence:  confidence,
		}},
		Contribution: contribution,
	}
}

func shortURL(u string) string {
	if len(u) > 100 {
		return u[:100] + "..."
	}
	return u
}
