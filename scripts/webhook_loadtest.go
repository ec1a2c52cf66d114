//go:build ignore
// +build ignore

// Webhook Load Test - validates notification-burst handling for the triage queue
//
// Scenarios:
// 1. Validation handshake round-trips under load
// 2. Notification burst - N concurrent POSTs with distinct resource ids
// 3. Queue saturation - push past QUEUE_SIZE and confirm 202s keep flowing
//
// Usage:
//   go run scripts/webhook_loadtest.go
//
// Configuration (environment):
//   TARGET_URL     base URL of a running server (default http://localhost:8080)
//   CLIENT_STATE   must match the server's WEBHOOK_CLIENT_STATE
//   BURST          notifications per wave (default 500)
//   WAVES          number of waves (default 4)
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	targetURL   = getEnvOrDefault("TARGET_URL", "http://localhost:8080")
	clientState = getEnvOrDefault("CLIENT_STATE", "")
	burst       = getEnvIntOrDefault("BURST", 500)
	waves       = getEnvIntOrDefault("WAVES", 4)
)

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func notificationBody(resourceID string) []byte {
	return []byte(fmt.Sprintf(`{"value":[{"subscriptionId":"loadtest","clientState":%q,`+
		`"changeType":"created","resourceData":{"id":%q}}]}`, clientState, resourceID))
}

func main() {
	client := &http.Client{Timeout: 10 * time.Second}
	endpoint := targetURL + "/webhooks/mail"

	// Handshake sanity check before the burst.
	resp, err := client.Post(endpoint+"?validationToken=loadtest-probe", "text/plain", nil)
	if err != nil {
		log.Fatalf("handshake request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "loadtest-probe" {
		log.Fatalf("handshake failed: status=%d body=%q", resp.StatusCode, body)
	}
	log.Printf("handshake ok against %s", endpoint)

	var accepted, rejected, failed int64
	start := time.Now()

	for wave := 1; wave <= waves; wave++ {
		var wg sync.WaitGroup
		waveStart := time.Now()
		for i := 0; i < burst; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				payload := notificationBody(uuid.NewString())
				resp, err := client.Post(endpoint, "application/json", bytes.NewReader(payload))
				if err != nil {
					atomic.AddInt64(&failed, 1)
					return
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode == http.StatusAccepted {
					atomic.AddInt64(&accepted, 1)
				} else {
					atomic.AddInt64(&rejected, 1)
				}
			}()
		}
		wg.Wait()
		log.Printf("wave %d/%d: %d notifications in %s", wave, waves, burst, time.Since(waveStart).Round(time.Millisecond))
	}

	elapsed := time.Since(start)
	total := int64(burst * waves)
	log.Printf("done: %d sent in %s (%.0f/s)", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	log.Printf("accepted=%d rejected=%d failed=%d", accepted, rejected, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
