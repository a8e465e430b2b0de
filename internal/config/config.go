// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor (FastSpring-style REST API)
	ProcessorAPIURL  string
	ProcessorAPIUser string
	ProcessorAPIPass string

	// Stripe (used for refunds when an order was paid through Stripe)
	StripeSecretKey string

	// Email collaborator
	EmailAPIURL     string
	EmailAPIKey     string
	EmailFrom       string
	AlertRecipients []string // operator distribution list

	// Inbound webhook verification
	WebhookSecret string

	// Admin API key for the operator endpoints (empty disables them)
	AdminAPIKey string

	// Scheduler
	DisputeCheckInterval int // hours between dispute checks
	UserScanInterval     int // hours between high-risk user scans
	DailyReportHourUTC   int // UTC hour for the daily dispute report

	// Observability
	OTLPEndpoint string

	// Risk thresholds, passed explicitly into every component
	Thresholds Thresholds
}

// Thresholds centralizes every numeric cutoff used by the detection and
// mitigation logic. Constructed once at process start; components never read
// the environment themselves.
type Thresholds struct {
	// Dispute ratio bands, in percent of orders
	WarningRatio      float64
	DangerRatio       float64
	CriticalRatio     float64
	DisputePeriodDays int

	// Test integrity
	MinCompletionSeconds  int
	MaxCompletionSeconds  int
	TooManyCorrect        int
	TooManyWrongQuestions int
	SameAnswerRate        float64

	// Account usage
	NoUsageDays int

	// Executor caps
	MaxAutoRefundsPerDay int
	MaxAutoRefundAmount  float64

	// Email checks
	BlockedEmailDomains []string
	ComplaintKeywords   []string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultWarningRatio  = 0.5
	DefaultDangerRatio   = 0.75
	DefaultCriticalRatio = 1.0
	DefaultDisputePeriod = 30

	DefaultMinCompletionSeconds = 120
	DefaultMaxCompletionSeconds = 3600
	DefaultTooManyCorrect       = 17
	DefaultTooManyWrong         = 15
	DefaultSameAnswerRate       = 0.8
	DefaultNoUsageDays          = 40

	DefaultMaxAutoRefundsPerDay = 5
	DefaultMaxAutoRefundAmount  = 50.0

	DefaultDisputeCheckInterval = 1
	DefaultUserScanInterval     = 6
	DefaultDailyReportHourUTC   = 8
)

// DefaultBlockedDomains are well-known disposable email providers.
var DefaultBlockedDomains = []string{
	"tempmail.com", "temp-mail.org", "guerrillamail.com", "10minutemail.com",
	"mailinator.com", "throwawaymail.com", "yopmail.com", "getnada.com",
	"maildrop.cc", "trashmail.com",
}

// DefaultComplaintKeywords flag support emails that tend to precede chargebacks.
var DefaultComplaintKeywords = []string{
	"chargeback", "dispute", "fraud", "unauthorized", "not authorized",
	"didn't sign up", "did not sign up", "never subscribed", "scam",
	"refund immediately", "cancel my subscription", "report to my bank",
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ProcessorAPIURL:  getEnv("PROCESSOR_API_URL", "https://api.fastspring.com"),
		ProcessorAPIUser: os.Getenv("PROCESSOR_API_USER"),
		ProcessorAPIPass: os.Getenv("PROCESSOR_API_PASS"),
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		EmailAPIURL:      os.Getenv("EMAIL_API_URL"),
		EmailAPIKey:      os.Getenv("EMAIL_API_KEY"),
		EmailFrom:        getEnv("EMAIL_FROM", "alerts@iqmind.io"),
		AlertRecipients:  getEnvList("ALERT_RECIPIENTS", nil),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),

		DisputeCheckInterval: getEnvInt("DISPUTE_CHECK_INTERVAL_HOURS", DefaultDisputeCheckInterval),
		UserScanInterval:     getEnvInt("USER_SCAN_INTERVAL_HOURS", DefaultUserScanInterval),
		DailyReportHourUTC:   getEnvInt("DAILY_REPORT_HOUR_UTC", DefaultDailyReportHourUTC),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		Thresholds: LoadThresholds(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadThresholds builds the Thresholds struct from the environment,
// falling back to safe defaults for every absent key.
func LoadThresholds() Thresholds {
	return Thresholds{
		WarningRatio:      getEnvFloat("DISPUTE_WARNING_RATIO", DefaultWarningRatio),
		DangerRatio:       getEnvFloat("DISPUTE_DANGER_RATIO", DefaultDangerRatio),
		CriticalRatio:     getEnvFloat("DISPUTE_CRITICAL_RATIO", DefaultCriticalRatio),
		DisputePeriodDays: getEnvInt("DISPUTE_PERIOD_DAYS", DefaultDisputePeriod),

		MinCompletionSeconds:  getEnvInt("MIN_COMPLETION_SECONDS", DefaultMinCompletionSeconds),
		MaxCompletionSeconds:  getEnvInt("MAX_COMPLETION_SECONDS", DefaultMaxCompletionSeconds),
		TooManyCorrect:        getEnvInt("TOO_MANY_CORRECT", DefaultTooManyCorrect),
		TooManyWrongQuestions: getEnvInt("TOO_MANY_WRONG_QUESTIONS", DefaultTooManyWrong),
		SameAnswerRate:        getEnvFloat("SAME_ANSWER_RATE", DefaultSameAnswerRate),
		NoUsageDays:           getEnvInt("NO_USAGE_DAYS", DefaultNoUsageDays),

		MaxAutoRefundsPerDay: getEnvInt("MAX_AUTO_REFUNDS_PER_DAY", DefaultMaxAutoRefundsPerDay),
		MaxAutoRefundAmount:  getEnvFloat("MAX_AUTO_REFUND_AMOUNT", DefaultMaxAutoRefundAmount),

		BlockedEmailDomains: getEnvList("BLOCKED_EMAIL_DOMAINS", DefaultBlockedDomains),
		ComplaintKeywords:   getEnvList("COMPLAINT_KEYWORDS", DefaultComplaintKeywords),
	}
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.Thresholds.WarningRatio <= 0 {
		return fmt.Errorf("DISPUTE_WARNING_RATIO must be positive")
	}
	if c.Thresholds.DangerRatio < c.Thresholds.WarningRatio {
		return fmt.Errorf("DISPUTE_DANGER_RATIO must be >= warning ratio")
	}
	if c.Thresholds.CriticalRatio < c.Thresholds.DangerRatio {
		return fmt.Errorf("DISPUTE_CRITICAL_RATIO must be >= danger ratio")
	}
	if c.Thresholds.MaxAutoRefundsPerDay < 0 {
		return fmt.Errorf("MAX_AUTO_REFUNDS_PER_DAY must not be negative")
	}
	if c.Thresholds.MinCompletionSeconds >= c.Thresholds.MaxCompletionSeconds {
		return fmt.Errorf("MIN_COMPLETION_SECONDS must be below MAX_COMPLETION_SECONDS")
	}
	if c.DailyReportHourUTC < 0 || c.DailyReportHourUTC > 23 {
		return fmt.Errorf("DAILY_REPORT_HOUR_UTC must be between 0 and 23")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
