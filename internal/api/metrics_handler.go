package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// handleMetrics serves the Prometheus exposition format by default. Clients
// that ask for JSON via the Accept header get a flattened summary instead,
// with labelled series summed per metric and histograms reduced to their
// count and sum.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.handleMetricsJSON(w, r)
		return
	}
	promhttp.HandlerFor(s.deps.Metrics.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	families, err := s.deps.Metrics.Gatherer().Gather()
	if err != nil {
		logger.Error("Gathering metrics failed", "error", err)
		respondError(w, http.StatusInternalServerError, "An internal error occurred")
		return
	}

	out := make(map[string]float64, len(families))
	for _, fam := range families {
		name := fam.GetName()
		switch fam.GetType() {
		case dto.MetricType_COUNTER:
			var total float64
			for _, m := range fam.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			out[name] = total
		case dto.MetricType_GAUGE:
			var total float64
			for _, m := range fam.GetMetric() {
				total += m.GetGauge().GetValue()
			}
			out[name] = total
		case dto.MetricType_HISTOGRAM:
			var count uint64
			var sum float64
			for _, m := range fam.GetMetric() {
				count += m.GetHistogram().GetSampleCount()
				sum += m.GetHistogram().GetSampleSum()
			}
			out[name+"_count"] = float64(count)
			out[name+"_sum"] = sum
		}
	}

	respondJSON(w, http.StatusOK, out)
}
