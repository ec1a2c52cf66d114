package threatintel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/metrics"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func intelService(t *testing.T, cfg Config) (*Service, *metrics.Metrics) {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	mx := metrics.NewWith(reg, reg)
	s := NewService(store, mx, cfg)
	s.now = func() time.Time { return testNow }
	return s, mx
}

func vtServer(t *testing.T, malicious, harmless int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		fmt.Fprintf(w, `{"data":{"attributes":{"last_analysis_stats":{"malicious":%d,"harmless":%d}}}}`,
			malicious, harmless)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func abuseServer(t *testing.T, score int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":{"abuseConfidenceScore":%d,"totalReports":12}}`, score)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func rdapServer(t *testing.T, registered time.Time) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"events":[{"eventAction":"registration","eventDate":"%s"}]}`,
			registered.Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEnrichDisabled(t *testing.T) {
	s, _ := intelService(t, Config{Enabled: false, VirusTotalKey: "k"})

	out := s.Enrich(context.Background(), "a@b.test", "1.2.3.4", []string{"http://x.test"})

	assert.Empty(t, out.Indicators)
	assert.Zero(t, out.Contribution)
}

func TestEnrichMergesAndCapsContribution(t *testing.T) {
	s, _ := intelService(t, Config{
		Enabled:       true,
		VirusTotalKey: "vt-key",
		AbuseIPDBKey:  "abuse-key",
	})
	s.vtBase = vtServer(t, 42, 28, nil).URL
	s.abuseBase = abuseServer(t, 80).URL
	s.rdapBase = rdapServer(t, testNow.AddDate(0, 0, -3)).URL

	out := s.Enrich(context.Background(), "alerts@phish.example", "198.51.100.7", []string{"http://phish.example/login"})

	// 2.5 (URL) + 2.0 (IP) + 2.0 (3-day-old domain), capped.
	assert.Equal(t, maxContribution, out.Contribution)
	require.Len(t, out.Indicators, 3)
	assert.Contains(t, out.Indicators[0].Description, "URL flagged")
	assert.Contains(t, out.Indicators[1].Description, "abuse")
	assert.Contains(t, out.Indicators[2].Description, "registered very recently")
}

func TestEnrichChecksAtMostThreeURLs(t *testing.T) {
	var calls atomic.Int32
	s, _ := intelService(t, Config{Enabled: true, VirusTotalKey: "vt-key"})
	s.vtBase = vtServer(t, 0, 70, &calls).URL

	urls := []string{"http://a.test/1", "http://a.test/2", "http://a.test/3", "http://a.test/4", "http://a.test/5"}
	s.Enrich(context.Background(), "", "", urls)

	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckURLUsesCache(t *testing.T) {
	var calls atomic.Int32
	s, mx := intelService(t, Config{Enabled: true, VirusTotalKey: "vt-key"})
	s.vtBase = vtServer(t, 42, 28, &calls).URL

	first := s.checkURL(context.Background(), "http://phish.example/login")
	second := s.checkURL(context.Background(), "http://phish.example/login")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Contribution, second.Contribution)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.IntelLookups.WithLabelValues(apiVirusTotal, "cache_hit")))
}

func TestInvalidSchemaYieldsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	t.Cleanup(srv.Close)

	s, mx := intelService(t, Config{Enabled: true, VirusTotalKey: "vt-key"})
	s.vtBase = srv.URL

	f := s.checkURL(context.Background(), "http://x.test")

	assert.Empty(t, f.Indicators)
	assert.Zero(t, f.Contribution)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.IntelLookups.WithLabelValues(apiVirusTotal, "invalid")))
}

func TestLookupErrorDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	s, mx := intelService(t, Config{Enabled: true, AbuseIPDBKey: "abuse-key"})
	s.abuseBase = srv.URL

	f := s.checkIP(context.Background(), "203.0.113.5")

	assert.Empty(t, f.Indicators)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.IntelLookups.WithLabelValues(apiAbuseIPDB, "error")))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	s, _ := intelService(t, Config{Enabled: true, AbuseIPDBKey: "abuse-key"})
	s.abuseBase = srv.URL

	for i := 0; i < 5; i++ {
		s.checkIP(context.Background(), fmt.Sprintf("203.0.113.%d", i))
	}

	assert.Equal(t, gobreaker.StateOpen, s.breakers[apiAbuseIPDB].State())

	// Open breaker short-circuits without touching the upstream.
	f := s.checkIP(context.Background(), "203.0.113.99")
	assert.Empty(t, f.Indicators)
}

func TestURLScanFallback(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		fmt.Fprint(w, `{"total":7,"results":[]}`)
	}))
	t.Cleanup(srv.Close)

	s, mx := intelService(t, Config{Enabled: true, URLScanKey: "scan-key"})
	s.urlscanBase = srv.URL

	f := s.checkURL(context.Background(), "http://phish.example/login")

	require.Len(t, f.Indicators, 1)
	assert.Equal(t, 2.5, f.Contribution)
	assert.Contains(t, query, "phish.example")
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.IntelLookups.WithLabelValues(apiURLScan, "ok")))
}

func TestDomainAgeTiers(t *testing.T) {
	tests := []struct {
		name         string
		age          time.Duration
		contribution float64
	}{
		{"brand new domain", 3 * 24 * time.Hour, 2.0},
		{"newish domain", 20 * 24 * time.Hour, 1.0},
		{"established domain", 400 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := intelService(t, Config{Enabled: true})
			s.rdapBase = rdapServer(t, testNow.Add(-tt.age)).URL

			f := s.checkDomainAge(context.Background(), "fresh.example")

			assert.Equal(t, tt.contribution, f.Contribution)
		})
	}
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "corp.test", emailDomain("Reporter@Corp.Test"))
	assert.Equal(t, "", emailDomain("not-an-address"))
	assert.Equal(t, "", emailDomain("trailing@"))
}
