package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Heap allocation above this marks the deep health check degraded.
const memoryDegradedBytes = 1 << 30

// handleHealth is the shallow liveness probe. No dependency calls.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeepHealth probes the cache, the mailbox, the queue, and the push
// subscription. Results are cached for HealthTTL so probes cannot hammer
// the provider.
func (s *Server) handleDeepHealth(w http.ResponseWriter, r *http.Request) {
	s.healthMu.Lock()
	if s.healthBody != nil && time.Since(s.healthAt) < s.cfg.HealthTTL {
		code, body := s.healthCode, s.healthBody
		s.healthMu.Unlock()
		writeCached(w, code, body)
		return
	}
	s.healthMu.Unlock()

	code, body := s.deepHealth(r.Context())

	s.healthMu.Lock()
	s.healthCode = code
	s.healthBody = body
	s.healthAt = time.Now()
	s.healthMu.Unlock()

	writeCached(w, code, body)
}

func (s *Server) deepHealth(ctx context.Context) (int, []byte) {
	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]interface{})

	if s.deps.Store != nil {
		if s.deps.Store.Ready(ctx) {
			checks["cache"] = map[string]string{"status": "ok"}
		} else {
			checks["cache"] = map[string]string{"status": "error", "message": "cache store not ready"}
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if s.deps.Mailbox != nil && s.cfg.Mailbox != "" {
		if err := s.deps.Mailbox.CheckMailbox(ctx, s.cfg.Mailbox); err != nil {
			checks["mailbox"] = map[string]string{"status": "error", "message": safeErrorMessage(err)}
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks["mailbox"] = map[string]string{"status": "ok"}
		}
	}

	if s.deps.Queue != nil {
		stats := s.deps.Queue.Stats()
		checks["queue"] = map[string]interface{}{
			"status":  "ok",
			"depth":   stats["queue_depth"],
			"dropped": stats["dropped"],
		}
	}

	if s.deps.Subscriptions != nil {
		if id := s.deps.Subscriptions.CurrentID(); id != "" {
			checks["subscription"] = map[string]interface{}{
				"status":     "active",
				"id":         id,
				"expires_at": s.deps.Subscriptions.ExpiresAt().UTC().Format(time.RFC3339),
			}
		} else {
			checks["subscription"] = map[string]string{"status": "none"}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memory := map[string]interface{}{
		"status":        "ok",
		"heap_alloc_mb": mem.Alloc / 1024 / 1024,
		"goroutines":    runtime.NumGoroutine(),
	}
	if mem.Alloc > memoryDegradedBytes {
		memory["status"] = "degraded"
		if status == "healthy" {
			status = "degraded"
		}
	}
	checks["memory"] = memory

	body, _ := json.Marshal(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
	return code, body
}

// handleReady reports whether the service can accept work.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil && !s.deps.Store.Ready(r.Context()) {
		respondError(w, http.StatusServiceUnavailable, "cache store not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeCached(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
