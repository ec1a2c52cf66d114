package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/mailwatch/phish-triage/internal/pkg/logger"
)

// validationTokenPattern bounds the handshake echo. The provider sends an
// opaque token; anything outside URL-safe characters is rejected rather than
// reflected.
var validationTokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,256}$`)

type changeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type notificationBatch struct {
	Value []changeNotification `json:"value"`
}

// handleMailWebhook receives change notifications for the monitored mailbox.
// Two modes share the endpoint: the subscription validation handshake (a
// validationToken query parameter echoed back as text) and notification
// batches (message ids enqueued for the workers).
func (s *Server) handleMailWebhook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		if !validationTokenPattern.MatchString(token) {
			respondError(w, http.StatusBadRequest, "invalid validation token")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	var batch notificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "notification payload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}
	if len(batch.Value) == 0 {
		respondError(w, http.StatusBadRequest, "empty notification batch")
		return
	}

	for _, n := range batch.Value {
		if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(s.cfg.ClientState)) != 1 {
			logger.Warn("Webhook clientState mismatch",
				"subscription_id", n.SubscriptionID,
				"change_type", n.ChangeType)
			respondError(w, http.StatusForbidden, "client state mismatch")
			return
		}
	}

	for _, n := range batch.Value {
		if n.ResourceData.ID == "" {
			s.deps.Metrics.RecordNotification("webhook", "invalid")
			logger.Warn("Webhook notification without resource id",
				"subscription_id", n.SubscriptionID,
				"resource", n.Resource)
			continue
		}
		// Non-blocking enqueue; a full queue counts as a drop and the
		// poller recovers the message by time range.
		s.deps.Queue.Enqueue(n.ResourceData.ID)
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
