package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mailwatch/phish-triage/internal/analysis"
	"github.com/mailwatch/phish-triage/internal/api"
	"github.com/mailwatch/phish-triage/internal/cache"
	"github.com/mailwatch/phish-triage/internal/config"
	"github.com/mailwatch/phish-triage/internal/dedup"
	"github.com/mailwatch/phish-triage/internal/graph"
	"github.com/mailwatch/phish-triage/internal/guard"
	"github.com/mailwatch/phish-triage/internal/llm"
	"github.com/mailwatch/phish-triage/internal/metrics"
	"github.com/mailwatch/phish-triage/internal/monitor"
	"github.com/mailwatch/phish-triage/internal/pkg/logger"
	"github.com/mailwatch/phish-triage/internal/ratelimit"
	"github.com/mailwatch/phish-triage/internal/reply"
	"github.com/mailwatch/phish-triage/internal/threatintel"
	"github.com/mailwatch/phish-triage/internal/triage"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use: %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Phish Triage Server (cmd/server/main.go)                  ║")
	log.Println("║  Automated analysis for user-reported phishing mailboxes   ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	// Pre-flight check: verify the target port is available
	if err := checkPortAvailable(cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())

	mx := metrics.New()

	// Shared cache: Redis when configured and reachable, in-process otherwise
	store, backend := cache.Select(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
	log.Printf("Cache store initialized: %s", backend)

	// Mail provider client
	mail := graph.NewClient(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		BaseURL:      cfg.Graph.BaseURL,
		Timeout:      cfg.Graph.Timeout(),
	})

	// Pre-flight check: the monitored mailbox must be reachable before we
	// accept any traffic
	log.Printf("Verifying access to mailbox %s...", cfg.Mailbox.Address)
	checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
	err = mail.CheckMailbox(checkCtx, cfg.Mailbox.Address)
	checkCancel()
	if err != nil {
		log.Fatalf("Pre-flight check FAILED: mailbox inaccessible: %v", err)
	}
	log.Println("Mailbox access verified")

	// Threat intelligence enrichment
	intel := threatintel.NewService(store, mx, threatintel.Config{
		Enabled:        cfg.ThreatIntel.Enabled,
		VirusTotalKey:  cfg.ThreatIntel.VirusTotalKey,
		URLScanKey:     cfg.ThreatIntel.URLScanKey,
		AbuseIPDBKey:   cfg.ThreatIntel.AbuseIPDBKey,
		CacheTTL:       cfg.ThreatIntel.CacheTTL(),
		RequestTimeout: cfg.ThreatIntel.Timeout(),
	})
	if cfg.ThreatIntel.Enabled {
		var providers []string
		if cfg.ThreatIntel.VirusTotalKey != "" {
			providers = append(providers, "virustotal")
		}
		if cfg.ThreatIntel.URLScanKey != "" {
			providers = append(providers, "urlscan")
		}
		if cfg.ThreatIntel.AbuseIPDBKey != "" {
			providers = append(providers, "abuseipdb")
		}
		if len(providers) == 0 {
			log.Println("Warning: threat intel enabled but no API keys configured")
		} else {
			log.Printf("Threat intel enabled: %s", strings.Join(providers, ", "))
		}
	} else {
		log.Println("Threat intel disabled")
	}

	// LLM explanation service
	var explainer analysis.Explainer
	if cfg.LLM.APIKey != "" {
		explainer = llm.NewExplainer(mx, llm.Config{
			APIKey:        cfg.LLM.APIKey,
			Model:         cfg.LLM.Model,
			Timeout:       cfg.LLM.Timeout(),
			RetryAttempts: cfg.LLM.RetryAttempts,
			BreakerTrip:   uint32(cfg.LLM.BreakerThreshold),
			BreakerReset:  cfg.LLM.BreakerReset(),
		})
		log.Println("LLM explanation service initialized")
	} else if cfg.LLM.DemoMode {
		log.Println("Warning: LLM_DEMO_MODE set without ANTHROPIC_API_KEY; explanations stay disabled")
	} else {
		log.Println("LLM explanations disabled (no API key)")
	}

	analyzer := analysis.NewAnalyzer(analysis.AnalyzerConfig{
		Intel:        intel,
		Explainer:    explainer,
		BrandDomains: cfg.Analysis.BrandMap(),
		LLMDemoMode:  cfg.LLM.DemoMode,
	})

	guards := guard.NewChain(guard.Config{
		MailboxAddress: cfg.Mailbox.Address,
		AllowedEmails:  cfg.Mailbox.AllowedEmails,
		AllowedDomains: cfg.Mailbox.AllowedDomains,
		Production:     cfg.Server.Production(),
	})

	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		Enabled:        cfg.RateLimit.Enabled,
		MaxPerHour:     cfg.RateLimit.MaxPerHour,
		MaxPerDay:      cfg.RateLimit.MaxPerDay,
		BurstThreshold: cfg.RateLimit.BurstThreshold,
		BurstWindow:    cfg.RateLimit.BurstWindow(),
	})

	deduper := dedup.NewDeduplicator(store, dedup.Config{
		Enabled:        cfg.Dedup.Enabled,
		ContentTTL:     cfg.Dedup.ContentTTL(),
		SenderCooldown: cfg.Dedup.SenderCooldown(),
	})

	renderer, err := reply.NewRenderer()
	if err != nil {
		log.Fatalf("Failed to parse reply templates: %v", err)
	}
	replies := reply.NewDispatcher(mail, limiter, deduper, renderer, mx, cfg.Mailbox.Address)

	pipeline := triage.NewPipeline(guards, deduper, analyzer, replies, mx)

	mon := monitor.New(mail, pipeline, mx, monitor.Config{
		Mailbox:         cfg.Mailbox.Address,
		QueueSize:       cfg.Monitor.QueueSize,
		Workers:         cfg.Monitor.ParallelLimit,
		PollingEnabled:  cfg.Monitor.PollingEnabled,
		PollInterval:    cfg.Monitor.CheckInterval(),
		PageSize:        cfg.Monitor.PageSize,
		MaxPages:        cfg.Monitor.MaxPages,
		CatchUpEnabled:  cfg.Monitor.CatchUpEnabled,
		CatchUpInterval: cfg.Monitor.CatchUpInterval(),
		CatchUpLookback: cfg.Monitor.CatchUpLookback(),
	})
	mon.Start()
	log.Printf("Mailbox monitor started: %d workers, polling=%v, catch-up=%v",
		cfg.Monitor.ParallelLimit, cfg.Monitor.PollingEnabled, cfg.Monitor.CatchUpEnabled)

	// Push subscription lifecycle. Without a notification URL the manager
	// stays idle and the pollers carry ingestion alone.
	resource := cfg.Webhook.SubscriptionResource
	if resource == "" {
		resource = fmt.Sprintf("users/%s/mailFolders('inbox')/messages", cfg.Mailbox.Address)
	}
	subs := monitor.NewSubscriptionManager(mail, mx, monitor.SubscriptionConfig{
		Resource:        resource,
		NotificationURL: cfg.Webhook.NotificationURL,
		ClientState:     cfg.Webhook.ClientState,
		RenewalMargin:   cfg.Webhook.RenewalMargin(),
	}, mon.TriggerCatchUp)
	subs.Start()
	if cfg.Webhook.NotificationURL != "" {
		log.Printf("Push subscription manager started: %s", cfg.Webhook.NotificationURL)
	} else {
		log.Println("Push subscriptions disabled (no WEBHOOK_NOTIFICATION_URL); relying on polling")
	}

	server := api.NewServer(api.Config{
		Port:          cfg.Server.Port,
		Production:    cfg.Server.Production(),
		APIKey:        cfg.Server.APIKey,
		HealthAPIKey:  cfg.Server.HealthAPIKey,
		MetricsAPIKey: cfg.Server.MetricsAPIKey,
		ClientState:   cfg.Webhook.ClientState,
		BodyLimit:     cfg.Server.BodyLimitBytes,
		HelmetEnabled: cfg.Server.HelmetEnabled,
		HealthTTL:     cfg.Server.HealthTTL(),
		Mailbox:       cfg.Mailbox.Address,
		CORSOrigins:   cfg.Server.CORSOrigins,
	}, api.Deps{
		Queue:         mon,
		Store:         store,
		Mailbox:       mail,
		Subscriptions: subs,
		Metrics:       mx,
	})

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on :%d (environment: %s)", cfg.Server.Port, cfg.Server.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop ingestion at the source first: delete the subscription, then
	// drain the worker pool, then close the HTTP surface.
	subs.Stop()
	mon.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Cache close error: %v", err)
	}

	log.Println("Server stopped")
}
