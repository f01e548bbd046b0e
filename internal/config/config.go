// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory if not set)
	DatabaseURL string

	// Sale instance. Invalid values do not fail Load: the sale is created
	// aborted with the reason recorded.
	SaleID                  string
	SalePrincipal           string
	NetworkGovernanceID     string
	SaleGovernanceID        string
	SaleTokenLedgerID       string
	BaseTokenLedgerID       string
	TargetBaseE8s           uint64
	SaleEndTimestampSeconds int64
	MinParticipants         uint32
	MinParticipantBaseE8s   uint64

	// Collaborators. Empty URLs select the in-memory simulators.
	BaseLedgerURL string
	SaleLedgerURL string
	GovernanceURL string

	// Operations
	AdminSecret   string
	TimerInterval time.Duration
	// AuditInterval is how often escrow balances are checked against the
	// ledgers. StuckLegAfter is the in-flight age the audit reports.
	AuditInterval time.Duration
	StuckLegAfter time.Duration
	// SweepCallTimeout bounds each transfer or registration issued by the
	// sweep. Zero leaves calls unbounded.
	SweepCallTimeout time.Duration
	RateLimitRPM     int
	OTLPEndpoint     string
	// WebhookURLs receive every sale event, signed with WebhookSecret.
	WebhookURLs   []string
	WebhookSecret string
	// CORSOrigins lists browser origins allowed to call the API. "*" allows
	// any origin.
	CORSOrigins []string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultSaleID           = "sale-1"
	DefaultSalePrincipal    = "sale"
	DefaultTimerInterval    = 30 * time.Second
	DefaultAuditInterval    = 5 * time.Minute
	DefaultStuckLegAfter    = 15 * time.Minute
	DefaultRateLimitRPM     = 30
	DefaultDevSaleDuration  = 7 * 24 * time.Hour
	DefaultTargetBaseE8s    = 100_000_000_000 // 1,000 tokens
	DefaultMinParticipants  = 1
	DefaultMinParticipantE8 = 100_000_000 // 1 token
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(time.Now)
}

func load(now func() time.Time) (*Config, error) {
	var errs []error
	env := getEnv("ENV", DefaultEnv)
	dev := env == "development"

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           env,
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SaleID:        getEnv("SALE_ID", DefaultSaleID),
		SalePrincipal: getEnv("SALE_PRINCIPAL", DefaultSalePrincipal),
		BaseLedgerURL: os.Getenv("BASE_LEDGER_URL"),
		SaleLedgerURL: os.Getenv("SALE_LEDGER_URL"),
		GovernanceURL: os.Getenv("GOVERNANCE_URL"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	corsDefault := ""
	if dev {
		corsDefault = "*"
	}
	cfg.CORSOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", corsDefault))
	cfg.WebhookURLs = splitList(os.Getenv("WEBHOOK_URLS"))
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	// Development gets a runnable sale out of the box; elsewhere the sale
	// parameters must be configured explicitly.
	idDefault := func(v string) string {
		if dev {
			return v
		}
		return ""
	}
	cfg.NetworkGovernanceID = getEnv("NETWORK_GOVERNANCE_ID", idDefault("network-governance"))
	cfg.SaleGovernanceID = getEnv("SALE_GOVERNANCE_ID", idDefault("sale-governance"))
	cfg.SaleTokenLedgerID = getEnv("SALE_TOKEN_LEDGER_ID", idDefault("sale-ledger"))
	cfg.BaseTokenLedgerID = getEnv("BASE_TOKEN_LEDGER_ID", idDefault("base-ledger"))

	var devTarget, devMinAmount uint64
	var devMinParticipants uint64
	var devEnd int64
	if dev {
		devTarget = DefaultTargetBaseE8s
		devMinAmount = DefaultMinParticipantE8
		devMinParticipants = DefaultMinParticipants
		devEnd = now().Add(DefaultDevSaleDuration).Unix()
	}

	var err error
	if cfg.TargetBaseE8s, err = getEnvUint64("TARGET_BASE_E8S", devTarget, 64); err != nil {
		errs = append(errs, err)
	}
	if cfg.MinParticipantBaseE8s, err = getEnvUint64("MIN_PARTICIPANT_BASE_E8S", devMinAmount, 64); err != nil {
		errs = append(errs, err)
	}
	minParticipants, err := getEnvUint64("MIN_PARTICIPANTS", devMinParticipants, 32)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MinParticipants = uint32(minParticipants) // #nosec G115 -- parsed with bitSize 32
	if cfg.SaleEndTimestampSeconds, err = getEnvInt64("SALE_END_TIMESTAMP_SECONDS", devEnd); err != nil {
		errs = append(errs, err)
	}
	if cfg.TimerInterval, err = getEnvDuration("TIMER_INTERVAL", DefaultTimerInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.AuditInterval, err = getEnvDuration("AUDIT_INTERVAL", DefaultAuditInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.StuckLegAfter, err = getEnvDuration("STUCK_LEG_AFTER", DefaultStuckLegAfter); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepCallTimeout, err = getEnvDuration("SWEEP_CALL_TIMEOUT", 0); err != nil {
		errs = append(errs, err)
	}
	rpm, err := getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateLimitRPM = int(rpm)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.SaleID == "" {
		return errors.New("SALE_ID is required")
	}
	if c.SalePrincipal == "" {
		return errors.New("SALE_PRINCIPAL is required")
	}
	if c.TimerInterval <= 0 {
		return errors.New("TIMER_INTERVAL must be positive")
	}
	if c.AuditInterval <= 0 || c.StuckLegAfter <= 0 {
		return errors.New("AUDIT_INTERVAL and STUCK_LEG_AFTER must be positive")
	}
	if c.SweepCallTimeout < 0 {
		return errors.New("SWEEP_CALL_TIMEOUT must not be negative")
	}
	if c.RateLimitRPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}

	if c.IsProduction() {
		// In-memory collaborators and storage would hold real funds in RAM.
		for name, v := range map[string]string{
			"DATABASE_URL":    c.DatabaseURL,
			"BASE_LEDGER_URL": c.BaseLedgerURL,
			"SALE_LEDGER_URL": c.SaleLedgerURL,
			"GOVERNANCE_URL":  c.GovernanceURL,
		} {
			if v == "" {
				return fmt.Errorf("%s is required in production", name)
			}
		}
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

// UsesSimulators reports whether any collaborator runs in memory.
func (c *Config) UsesSimulators() bool {
	return c.BaseLedgerURL == "" || c.SaleLedgerURL == "" || c.GovernanceURL == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return i, nil
}

func getEnvUint64(key string, defaultValue uint64, bitSize int) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	u, err := strconv.ParseUint(value, 10, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, err)
	}
	return u, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
