// Package threatintel enriches an analysis with external reputation signal:
// URL verdicts, sender IP abuse scores, and sender domain age. Every lookup
// runs with retries inside a per-API circuit breaker and is cached; any
// failure degrades to no signal rather than an error.
package threatintel

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/pkg/httpretry"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// Config carries the API keys and tuning for the reputation lookups. An
// empty key disables the corresponding client.
type Config struct {
	Enabled        bool
	VirusTotalKey  string
	URLScanKey     string
	AbuseIPDBKey   string
	CacheTTL       time.Duration
	RequestTimeout time.Duration
}

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTimeout  = 5 * time.Second

	// Enrichment checks at most this many URLs per message.
	maxURLChecks = 3

	// Total risk contribution is capped here regardless of how many
	// signals fire.
	maxContribution = 3.0
)

// finding is one lookup's outcome, also the cached form.
type finding struct {
	Indicators   []analysis.Indicator `json:"indicators"`
	Contribution float64              `json:"contribution"`
}

// Service implements the reputation enrichment. It satisfies
// analysis.Enricher.
type Service struct {
	cfg   Config
	store cache.Store
	http  *httpretry.RetryClient
	mx    *metrics.Metrics
	now   func() time.Time

	breakers map[string]*gobreaker.CircuitBreaker

	vtBase      string
	urlscanBase string
	abuseBase   string
	rdapBase    string
}

var _ analysis.Enricher = (*Service)(nil)

// NewService builds the enrichment service over the given cache store.
func NewService(store cache.Store, mx *metrics.Metrics, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}

	s := &Service{
		cfg:   cfg,
		store: store,
		// 3 attempts, 100ms doubling to 1s.
		http:        httpretry.NewRetryClientWithDelays(&http.Client{Timeout: cfg.RequestTimeout}, 2, 100*time.Millisecond, time.Second),
		mx:          mx,
		now:         time.Now,
		breakers:    make(map[string]*gobreaker.CircuitBreaker, 4),
		vtBase:      defaultVTBaseURL,
		urlscanBase: defaultURLScanBaseURL,
		abuseBase:   defaultAbuseBaseURL,
		rdapBase:    defaultRDAPBaseURL,
	}
	for _, api := range []string{apiVirusTotal, apiURLScan, apiAbuseIPDB, apiRDAP} {
		s.breakers[api] = s.newBreaker(api)
	}
	return s
}

// newBreaker opens after >=50% failures across >=5 calls in a 10s window and
// admits a probe call after 60s.
func (s *Service) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("reputation breaker state change",
				"api", name,
				"from", from.String(),
				"to", to.String(),
			)
			s.mx.SetBreakerState(name, int(to))
		},
	})
}

// Enrich looks up at most three URLs, the sender IP, and the sender domain
// age in parallel, then merges the findings. It never returns an error:
// lookups that fail contribute nothing.
func (s *Service) Enrich(ctx context.Context, senderEmail, senderIP string, urls []string) analysis.Enrichment {
	if !s.cfg.Enabled {
		return analysis.Enrichment{}
	}

	if len(urls) > maxURLChecks {
		urls = urls[:maxURLChecks]
	}

	var tasks []func(context.Context) finding
	if s.cfg.VirusTotalKey != "" || s.cfg.URLScanKey != "" {
		for _, u := range urls {
			u := u
			tasks = append(tasks, func(ctx context.Context) finding {
				return s.checkURL(ctx, u)
			})
		}
	}
	if senderIP != "" && s.cfg.AbuseIPDBKey != "" {
		tasks = append(tasks, func(ctx context.Context) finding {
			return s.checkIP(ctx, senderIP)
		})
	}
	if domain := emailDomain(senderEmail); domain != "" {
		tasks = append(tasks, func(ctx context.Context) finding {
			return s.checkDomainAge(ctx, domain)
		})
	}
	if len(tasks) == 0 {
		return analysis.Enrichment{}
	}

	results := make([]finding, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, run := range tasks {
		i, run := i, run
		g.Go(func() error {
			results[i] = run(gctx)
			return nil
		})
	}
	_ = g.Wait()

	var out analysis.Enrichment
	for _, f := range results {
		out.Indicators = append(out.Indicators, f.Indicators...)
		out.Contribution += f.Contribution
	}
	if out.Contribution > maxContribution {
		out.Contribution = maxContribution
	}
	return out
}

// cachedFinding returns a previously computed finding for key, if any.
func (s *Service) cachedFinding(ctx context.Context, api, key string) (finding, bool) {
	val, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return finding{}, false
	}
	var f finding
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return finding{}, false
	}
	s.mx.RecordIntelLookup(api, "cache_hit")
	return f, true
}

// storeFinding caches a finding, clean results included.
func (s *Service) storeFinding(ctx context.Context, key string, f finding) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, key, string(data), s.cfg.CacheTTL); err != nil {
		logger.Warn("intel cache write failed", "error", err.Error())
	}
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
