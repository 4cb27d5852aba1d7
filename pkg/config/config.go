// Package config loads broker configuration from environment variables,
// following the teacher's convention of plain os.Getenv reads with typed
// defaults rather than an external configuration framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the broker's process-wide configuration, loaded once at
// startup and passed explicitly through the composition root.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	DatabaseURL string // empty => Lite Mode (embedded SQLite)
	RedisURL    string // empty => in-process anti-abuse fallback
	NATSURL     string // empty => in-memory stream broker fallback

	EmbeddingServiceURL string // empty => deterministic local fallback embedder

	SignatureVerificationEnabled bool
	TestBypassSentinel           string // accepted signature value in SIGNATURE_VERIFICATION_ENABLED=false test profiles

	CreditLedgerEnabled bool
	InitialCredits      int64

	NegotiationMaxRounds           int
	NegotiationTTL                 time.Duration
	NegotiationConvergenceThresh   float64

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	DiscoverySimilarityWeight  float64
	DiscoveryTrustWeight       float64
	DiscoveryUsefulnessWeight  float64
	DiscoveryUsefulnessGated   bool
	VectorSimilarityThreshold  float64
	VectorSearchLimit          int

	UsefulnessAggregationInterval time.Duration

	PoUK             int
	PoUM             int
	PoUFinalizerTick time.Duration

	EmailGreylistEnabled      bool
	EmailPostageEnabled       bool
	EmailContentDedupeEnabled bool
	EmailPostageAmountAtomic  int64
	EmailGreylistDelay        time.Duration
	EmailDedupeTTL            time.Duration

	JWTSigningSecret      string
	PaymentsWebhookSecret string
}

// Load reads the environment and applies the defaults given in spec §6.
func Load() *Config {
	return &Config{
		Port:       getenv("PORT", "8080"),
		HealthPort: getenv("HEALTH_PORT", "8081"),
		LogLevel:   getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),

		EmbeddingServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),

		SignatureVerificationEnabled: getbool("SIGNATURE_VERIFICATION_ENABLED", true),
		TestBypassSentinel:           getenv("SIGNATURE_TEST_BYPASS_SENTINEL", "TEST_BYPASS_SIGNATURE"),

		CreditLedgerEnabled: getbool("CREDIT_LEDGER_ENABLED", true),
		InitialCredits:      getint64("INITIAL_CREDITS", 1_000_000),

		NegotiationMaxRounds:         getint("NEGOTIATION_MAX_ROUNDS", 10),
		NegotiationTTL:               getms("NEGOTIATION_TTL_MS", 300_000),
		NegotiationConvergenceThresh: getfloat("NEGOTIATION_CONVERGENCE_THRESHOLD", 0.9),

		RateLimitWindow:      getms("RATE_LIMIT_WINDOW_MS", 60_000),
		RateLimitMaxRequests: getint("RATE_LIMIT_MAX_REQUESTS", 120),

		DiscoverySimilarityWeight: getfloat("DISCOVERY_SIMILARITY_WEIGHT", 0.6),
		DiscoveryTrustWeight:      getfloat("DISCOVERY_TRUST_WEIGHT", 0.3),
		DiscoveryUsefulnessWeight: getfloat("DISCOVERY_USEFULNESS_WEIGHT", 0.1),
		DiscoveryUsefulnessGated:  getbool("DISCOVERY_USEFULNESS_GATED", false),
		VectorSimilarityThreshold: getfloat("VECTOR_SIMILARITY_THRESHOLD", 0.7),
		VectorSearchLimit:         getint("VECTOR_SEARCH_LIMIT", 10),

		UsefulnessAggregationInterval: getduration("USEFULNESS_AGGREGATION_INTERVAL_HOURS", time.Hour, time.Hour),

		PoUK:             getint("POU_K", 3),
		PoUM:             getint("POU_M", 5),
		PoUFinalizerTick: getms("POU_FINALIZER_TICK_MS", 60_000),

		EmailGreylistEnabled:      getbool("EMAIL_GREYLIST_ENABLED", true),
		EmailPostageEnabled:       getbool("EMAIL_POSTAGE_ENABLED", false),
		EmailContentDedupeEnabled: getbool("EMAIL_CONTENT_DEDUPE_ENABLED", true),
		EmailPostageAmountAtomic:  getint64("EMAIL_POSTAGE_AMOUNT_ATOMIC", 100),
		EmailGreylistDelay:        getduration("EMAIL_GREYLIST_DELAY_SECONDS", time.Second, 60*time.Second),
		EmailDedupeTTL:            getduration("EMAIL_DEDUPE_TTL_SECONDS", time.Second, 300*time.Second),

		JWTSigningSecret:      getenv("ADMIN_JWT_SECRET", ""),
		PaymentsWebhookSecret: os.Getenv("PAYMENTS_WEBHOOK_SECRET"),
	}
}

// LiteMode reports whether the broker should fall back to the embedded
// SQLite database, mirroring the teacher's setupLiteMode gate.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getint64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getms(key string, defMs int) time.Duration {
	n := getint(key, defMs)
	return time.Duration(n) * time.Millisecond
}

func getduration(key string, unit time.Duration, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * unit
}
