// Package config loads the service configuration: an optional YAML base
// file, then a .env file, then real environment variables, which always win.
// Validate enforces the startup schema; cmd/server treats a failure as fatal.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Mailbox     MailboxConfig     `yaml:"mailbox"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Dedup       DedupConfig       `yaml:"deduplication"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intel"`
	LLM         LLMConfig         `yaml:"llm"`
	Redis       RedisConfig       `yaml:"redis"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Graph       GraphConfig       `yaml:"graph"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"gte=1,lte=65535"`
	Environment    string   `yaml:"environment"`
	APIKey         string   `yaml:"api_key"`
	HealthAPIKey   string   `yaml:"health_api_key"`
	MetricsAPIKey  string   `yaml:"metrics_api_key"`
	BodyLimitBytes int64    `yaml:"body_limit_bytes" validate:"gte=0"`
	HelmetEnabled  bool     `yaml:"helmet_enabled"`
	HealthTTLMs    int      `yaml:"health_cache_ttl_ms" validate:"gte=0"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// Production reports whether the service runs with production hardening
// (allowlist required, unkeyed ops endpoints fail closed).
func (c ServerConfig) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// HealthTTL returns the deep health check cache duration.
func (c ServerConfig) HealthTTL() time.Duration { return ms(c.HealthTTLMs) }

// MailboxConfig identifies the monitored inbox and who may report to it.
type MailboxConfig struct {
	Address        string   `yaml:"address" validate:"required,email"`
	AllowedEmails  []string `yaml:"allowed_sender_emails" validate:"omitempty,dive,email"`
	AllowedDomains []string `yaml:"allowed_sender_domains" validate:"omitempty,dive,fqdn"`
}

// MonitorConfig tunes the worker pool and the two pollers.
type MonitorConfig struct {
	PollingEnabled    bool `yaml:"polling_enabled"`
	CheckIntervalMs   int  `yaml:"check_interval_ms" validate:"gte=0"`
	ParallelLimit     int  `yaml:"parallel_limit" validate:"gte=0"`
	MaxPages          int  `yaml:"max_pages" validate:"gte=0"`
	PageSize          int  `yaml:"page_size" validate:"gte=0"`
	QueueSize         int  `yaml:"queue_size" validate:"gte=0"`
	CatchUpEnabled    bool `yaml:"catchup_enabled"`
	CatchUpIntervalMs int  `yaml:"catchup_interval_ms" validate:"gte=0"`
	CatchUpLookbackMs int  `yaml:"catchup_lookback_ms" validate:"gte=0"`
}

// CheckInterval returns the periodic poller cadence.
func (c MonitorConfig) CheckInterval() time.Duration { return ms(c.CheckIntervalMs) }

// CatchUpInterval returns the catch-up poller cadence.
func (c MonitorConfig) CatchUpInterval() time.Duration { return ms(c.CatchUpIntervalMs) }

// CatchUpLookback returns how far back each catch-up sweep reaches.
func (c MonitorConfig) CatchUpLookback() time.Duration { return ms(c.CatchUpLookbackMs) }

// RateLimitConfig bounds outgoing replies. Zero limits mean unlimited.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxPerHour     int  `yaml:"max_per_hour" validate:"gte=0"`
	MaxPerDay      int  `yaml:"max_per_day" validate:"gte=0"`
	BurstThreshold int  `yaml:"circuit_breaker_threshold" validate:"gte=0"`
	BurstWindowMs  int  `yaml:"circuit_breaker_window_ms" validate:"gte=0"`
}

// BurstWindow returns the burst breaker observation window.
func (c RateLimitConfig) BurstWindow() time.Duration { return ms(c.BurstWindowMs) }

// DedupConfig controls repeat-report suppression.
type DedupConfig struct {
	Enabled          bool `yaml:"enabled"`
	ContentTTLMs     int  `yaml:"ttl_ms" validate:"gte=0"`
	SenderCooldownMs int  `yaml:"sender_cooldown_ms" validate:"gte=0"`
}

// ContentTTL returns how long a processed content hash blocks duplicates.
func (c DedupConfig) ContentTTL() time.Duration { return ms(c.ContentTTLMs) }

// SenderCooldown returns the per-sender quiet period.
func (c DedupConfig) SenderCooldown() time.Duration { return ms(c.SenderCooldownMs) }

// ThreatIntelConfig holds the reputation lookup keys and tuning. An empty
// key disables the corresponding client.
type ThreatIntelConfig struct {
	Enabled       bool   `yaml:"enabled"`
	VirusTotalKey string `yaml:"virustotal_api_key"`
	AbuseIPDBKey  string `yaml:"abuseipdb_api_key"`
	URLScanKey    string `yaml:"urlscan_api_key"`
	CacheTTLMs    int    `yaml:"cache_ttl_ms" validate:"gte=0"`
	TimeoutMs     int    `yaml:"timeout_ms" validate:"gte=0"`
}

// CacheTTL returns how long lookup findings are cached.
func (c ThreatIntelConfig) CacheTTL() time.Duration { return ms(c.CacheTTLMs) }

// Timeout returns the per-lookup request timeout.
func (c ThreatIntelConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

// LLMConfig holds the explanation provider settings.
type LLMConfig struct {
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	DemoMode         bool   `yaml:"demo_mode"`
	TimeoutMs        int    `yaml:"timeout_ms" validate:"gte=0"`
	RetryAttempts    int    `yaml:"retry_attempts" validate:"gte=0"`
	BreakerThreshold int    `yaml:"circuit_breaker_threshold" validate:"gte=0"`
	BreakerResetMs   int    `yaml:"circuit_breaker_reset_ms" validate:"gte=0"`
}

// Timeout returns the per-request provider timeout.
func (c LLMConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

// BreakerReset returns how long the provider breaker stays open.
func (c LLMConfig) BreakerReset() time.Duration { return ms(c.BreakerResetMs) }

// RedisConfig selects the shared cache backend. An empty URL keeps state
// in-process.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WebhookConfig holds the push subscription settings. An empty
// NotificationURL disables subscriptions; the pollers carry ingestion.
type WebhookConfig struct {
	NotificationURL      string `yaml:"notification_url" validate:"omitempty,url"`
	ClientState          string `yaml:"client_state"`
	SubscriptionResource string `yaml:"subscription_resource"`
	RenewalMarginMs      int    `yaml:"renewal_margin_ms" validate:"gte=0"`
}

// RenewalMargin returns how far before expiry renewal is attempted.
func (c WebhookConfig) RenewalMargin() time.Duration { return ms(c.RenewalMarginMs) }

// GraphConfig holds the mail provider credentials.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url" validate:"omitempty,url"`
	TimeoutMs    int    `yaml:"timeout_ms" validate:"gte=0"`
}

// Timeout returns the provider HTTP client timeout.
func (c GraphConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

// AnalysisConfig extends the built-in analyzer inputs.
type AnalysisConfig struct {
	// BrandDomains lists extra monitored brands as domain=name pairs, for
	// example "contoso.com=Contoso".
	BrandDomains []string `yaml:"brand_domains"`
}

// BrandMap parses the domain=name pairs into the analyzer's map form.
// Entries without an "=" are skipped.
func (c AnalysisConfig) BrandMap() map[string]string {
	out := make(map[string]string, len(c.BrandDomains))
	for _, pair := range c.BrandDomains {
		domain, name, ok := strings.Cut(pair, "=")
		domain = strings.ToLower(strings.TrimSpace(domain))
		name = strings.TrimSpace(name)
		if !ok || domain == "" || name == "" {
			continue
		}
		out[domain] = name
	}
	return out
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// defaults is the configuration the service runs with when neither the YAML
// base nor the environment overrides a value. Protections default on. An
// explicit zero in either source is respected, so a zero limit means
// unlimited rather than silently snapping back to the default.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			Environment:    "development",
			BodyLimitBytes: 1 << 20,
			HealthTTLMs:    30_000,
		},
		Monitor: MonitorConfig{
			PollingEnabled:  true,
			CheckIntervalMs: 60_000,
			ParallelLimit:   5,
			MaxPages:        10,
			PageSize:        25,
			QueueSize:       100,
			CatchUpEnabled:  true,
			// Interval/lookback fall through to the monitor's own
			// defaults when zero.
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			MaxPerHour:     50,
			MaxPerDay:      200,
			BurstThreshold: 10,
			BurstWindowMs:  60_000,
		},
		Dedup: DedupConfig{
			Enabled:          true,
			ContentTTLMs:     3_600_000,
			SenderCooldownMs: 60_000,
		},
		ThreatIntel: ThreatIntelConfig{
			Enabled:    true,
			CacheTTLMs: 300_000,
			TimeoutMs:  5_000,
		},
		LLM: LLMConfig{
			TimeoutMs: 10_000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the optional YAML base file over the defaults. A missing file
// is not an error; the service can run on environment variables alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file first (if present) so secrets can live in .env
// locally and in real environment variables on the host.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	l := &envLoader{}

	l.stringVar(&cfg.Mailbox.Address, "PHISHING_MAILBOX_ADDRESS")
	l.listVar(&cfg.Mailbox.AllowedEmails, "ALLOWED_SENDER_EMAILS")
	l.listVar(&cfg.Mailbox.AllowedDomains, "ALLOWED_SENDER_DOMAINS")

	l.boolVar(&cfg.Monitor.PollingEnabled, "POLLING_ENABLED")
	l.intVar(&cfg.Monitor.CheckIntervalMs, "MAILBOX_CHECK_INTERVAL_MS")
	l.intVar(&cfg.Monitor.ParallelLimit, "MAILBOX_PARALLEL_LIMIT")
	l.intVar(&cfg.Monitor.MaxPages, "MAILBOX_MAX_PAGES")
	l.boolVar(&cfg.Monitor.CatchUpEnabled, "MAIL_MONITOR_ENABLED")
	l.intVar(&cfg.Monitor.CatchUpIntervalMs, "MAIL_MONITOR_INTERVAL_MS")
	l.intVar(&cfg.Monitor.CatchUpLookbackMs, "MAIL_MONITOR_LOOKBACK_MS")

	l.boolVar(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	l.intVar(&cfg.RateLimit.MaxPerHour, "MAX_EMAILS_PER_HOUR")
	l.intVar(&cfg.RateLimit.MaxPerDay, "MAX_EMAILS_PER_DAY")
	l.intVar(&cfg.RateLimit.BurstThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	l.intVar(&cfg.RateLimit.BurstWindowMs, "CIRCUIT_BREAKER_WINDOW_MS")

	l.boolVar(&cfg.Dedup.Enabled, "DEDUPLICATION_ENABLED")
	l.intVar(&cfg.Dedup.ContentTTLMs, "DEDUPLICATION_TTL_MS")
	l.intVar(&cfg.Dedup.SenderCooldownMs, "SENDER_COOLDOWN_MS")

	l.boolVar(&cfg.ThreatIntel.Enabled, "THREAT_INTEL_ENABLED")
	l.intVar(&cfg.ThreatIntel.CacheTTLMs, "THREAT_INTEL_CACHE_TTL_MS")
	l.intVar(&cfg.ThreatIntel.TimeoutMs, "THREAT_INTEL_TIMEOUT_MS")
	l.stringVar(&cfg.ThreatIntel.VirusTotalKey, "VIRUSTOTAL_API_KEY")
	l.stringVar(&cfg.ThreatIntel.AbuseIPDBKey, "ABUSEIPDB_API_KEY")
	l.stringVar(&cfg.ThreatIntel.URLScanKey, "URLSCAN_API_KEY")

	l.stringVar(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	l.stringVar(&cfg.LLM.Model, "LLM_MODEL")
	l.boolVar(&cfg.LLM.DemoMode, "LLM_DEMO_MODE")
	l.intVar(&cfg.LLM.TimeoutMs, "LLM_TIMEOUT_MS")
	l.intVar(&cfg.LLM.RetryAttempts, "LLM_RETRY_ATTEMPTS")
	l.intVar(&cfg.LLM.BreakerThreshold, "LLM_CIRCUIT_BREAKER_THRESHOLD")
	l.intVar(&cfg.LLM.BreakerResetMs, "LLM_CIRCUIT_BREAKER_RESET_MS")

	l.stringVar(&cfg.Redis.URL, "REDIS_URL")
	l.stringVar(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	l.stringVar(&cfg.Webhook.NotificationURL, "WEBHOOK_NOTIFICATION_URL")
	l.stringVar(&cfg.Webhook.ClientState, "WEBHOOK_CLIENT_STATE")
	l.stringVar(&cfg.Webhook.SubscriptionResource, "WEBHOOK_SUBSCRIPTION_RESOURCE")
	l.intVar(&cfg.Webhook.RenewalMarginMs, "WEBHOOK_RENEWAL_MARGIN_MS")

	l.stringVar(&cfg.Server.APIKey, "API_KEY")
	l.stringVar(&cfg.Server.HealthAPIKey, "HEALTH_API_KEY")
	l.stringVar(&cfg.Server.MetricsAPIKey, "METRICS_API_KEY")
	l.intVar(&cfg.Server.Port, "PORT")
	l.stringVar(&cfg.Server.Environment, "NODE_ENV")
	l.int64Var(&cfg.Server.BodyLimitBytes, "HTTP_BODY_LIMIT")
	l.boolVar(&cfg.Server.HelmetEnabled, "HELMET_ENABLED")
	l.intVar(&cfg.Server.HealthTTLMs, "HEALTH_CACHE_TTL_MS")
	l.listVar(&cfg.Server.CORSOrigins, "CORS_ORIGINS")

	l.stringVar(&cfg.Graph.TenantID, "GRAPH_TENANT_ID")
	l.stringVar(&cfg.Graph.ClientID, "GRAPH_CLIENT_ID")
	l.stringVar(&cfg.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	l.stringVar(&cfg.Graph.BaseURL, "GRAPH_BASE_URL")
	l.intVar(&cfg.Graph.TimeoutMs, "GRAPH_TIMEOUT_MS")

	l.listVar(&cfg.Analysis.BrandDomains, "ANALYSIS_BRAND_DOMAINS")
	l.stringVar(&cfg.Log.Level, "LOG_LEVEL")

	if err := l.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate enforces the startup schema, plus the cross-field rules the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Server.Production() {
		if len(c.Mailbox.AllowedEmails) == 0 && len(c.Mailbox.AllowedDomains) == 0 {
			return errors.New("production requires ALLOWED_SENDER_EMAILS or ALLOWED_SENDER_DOMAINS")
		}
	}
	if c.Webhook.NotificationURL != "" && c.Webhook.ClientState == "" {
		return errors.New("WEBHOOK_NOTIFICATION_URL requires WEBHOOK_CLIENT_STATE")
	}
	return nil
}

// envLoader applies environment overrides, collecting parse failures so a
// typo in a numeric variable fails startup instead of silently running the
// default.
type envLoader struct {
	problems []string
}

func (l *envLoader) stringVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (l *envLoader) boolVar(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (l *envLoader) intVar(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (l *envLoader) int64Var(dst *int64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (l *envLoader) listVar(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func (l *envLoader) err() error {
	if len(l.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment configuration: %s", strings.Join(l.problems, "; "))
}
