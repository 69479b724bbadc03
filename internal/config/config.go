package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Monzo API
	MonzoAPIURL       string
	MonzoAuthURL      string
	MonzoClientID     string
	MonzoClientSecret string
	MonzoRedirectURI  string
	MonzoAccountID    string

	// Bootstrap credentials (environment-level fallback when the vault
	// holds no session, e.g. headless deployments)
	MonzoAccessToken  string
	MonzoRefreshToken string

	// Token vault
	TokenEncryptionKey string // 64 hex chars -> 32-byte key
	TokenVaultPath     string
	StateSigningSecret string

	// Baseline CSV
	CSVPath string

	// Archive
	ArchiveDir  string
	ArchivePath string

	// Sync
	SyncWindowDays    int
	PageSize          int
	MaxPageIterations int

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience (OAuth token endpoint)
	MaxRetries     int
	InitialBackoff time.Duration

	// Rate-limit backoff (429 handling in the fetcher)
	RateLimitBase time.Duration
	RateLimitCap  time.Duration

	// Response cache
	CacheTTL time.Duration

	// Baseline buckets: "name=from..to" entries, comma-separated
	BaselineBuckets []BucketSpec

	// Classifier
	HomeRegion string

	// Observability
	OTLPEndpoint string
}

// BucketSpec names a baseline date-range bucket.
type BucketSpec struct {
	Name string
	From string
	To   string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MonzoAPIURL:       getEnv("MONZO_API_URL", "https://api.monzo.com"),
		MonzoAuthURL:      getEnv("MONZO_AUTH_URL", "https://auth.monzo.com"),
		MonzoClientID:     getEnv("MONZO_CLIENT_ID", ""),
		MonzoClientSecret: getEnv("MONZO_CLIENT_SECRET", ""),
		MonzoRedirectURI:  getEnv("MONZO_REDIRECT_URI", ""),
		MonzoAccountID:    getEnv("MONZO_ACCOUNT_ID", ""),

		MonzoAccessToken:  getEnv("MONZO_ACCESS_TOKEN", ""),
		MonzoRefreshToken: getEnv("MONZO_REFRESH_TOKEN", ""),

		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),
		TokenVaultPath:     getEnv("TOKEN_VAULT_PATH", "data/tokens.vault"),
		StateSigningSecret: getEnv("STATE_SIGNING_SECRET", ""),

		CSVPath: getEnv("CSV_PATH", "data/expenses.csv"),

		ArchiveDir:  getEnv("ARCHIVE_DIR", "data/archive"),
		ArchivePath: getEnv("ARCHIVE_PATH", "transactions/monzo-expenses.json"),

		SyncWindowDays:    getEnvInt("SYNC_WINDOW_DAYS", 90),
		PageSize:          getEnvInt("PAGE_SIZE", 100),
		MaxPageIterations: getEnvInt("MAX_PAGE_ITERATIONS", 10),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),

		RateLimitBase: getEnvDuration("RATE_LIMIT_BASE", 2*time.Second),
		RateLimitCap:  getEnvDuration("RATE_LIMIT_CAP", 30*time.Second),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		BaselineBuckets: getEnvBuckets("BASELINE_BUCKETS",
			"work_lunches=2025-12-01..2026-01-22,trip=2026-02-01..2026-02-28"),

		HomeRegion: getEnv("HOME_REGION", "London"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvBuckets parses "name=from..to" entries, comma-separated.
// Malformed entries are skipped.
func getEnvBuckets(key, fallback string) []BucketSpec {
	raw := getEnv(key, fallback)
	var specs []BucketSpec
	for _, entry := range strings.Split(raw, ",") {
		name, rng, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		from, to, ok := strings.Cut(rng, "..")
		if !ok {
			continue
		}
		specs = append(specs, BucketSpec{Name: name, From: from, To: to})
	}
	return specs
}
