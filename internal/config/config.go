// Package config loads the RAG core's runtime configuration from the
// environment, following the defaults enumerated in the system
// specification. A .env file is loaded first if present, mirroring the way
// the rest of this codebase bootstraps local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	PGHost string
	PGPort string
	PGUser string
	PGPass string
	PGDB   string

	PrimaryChatURL       string
	PrimaryChatModel     string
	SecondaryChatURL     string
	SecondaryChatModel   string
	EmbeddingURL         string
	EmbeddingModel       string
	EmbeddingDimension   int
	TranscriptionURL     string
	TranscriptionModel   string

	MaxContextTokens int
	ChunkSize        int
	ChunkOverlap     int
	KRetrieve        int
	KContext         int

	TauKeep      float64
	TauNoContext float64
	TauReview    float64
	TauCache     float64
	TauCacheable float64
	TTLCache     time.Duration

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerOpenTimeout      time.Duration

	RetryBase       time.Duration
	RetryCap        time.Duration
	RetryMaxAttempts int

	RateLimitPerTenantPerMin int
	RateLimitPerIPPerMin     int

	StageDeadlineRetrieve time.Duration
	StageDeadlineGenerate time.Duration
	StageDeadlineEvaluate time.Duration

	SkipGenerationOnEmptyContext bool
	IngestOnBreakerOpen          string // "block" | "enqueue"
	AllowAnonymousTenant         bool

	PDFCropTopPoints float64
	PDFCropBotPoints float64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),

		PGHost: getenv("PG_HOST", "localhost"),
		PGPort: getenv("PG_PORT", "5432"),
		PGUser: getenv("PG_USER", "postgres"),
		PGPass: getenv("PG_PASS", ""),
		PGDB:   getenv("PG_DB_NAME", "ragcore"),

		PrimaryChatURL:     getenv("PRIMARY_CHAT_URL", "http://localhost:11434/api/generate"),
		PrimaryChatModel:   getenv("PRIMARY_CHAT_MODEL", "llama3"),
		SecondaryChatURL:   getenv("SECONDARY_CHAT_URL", ""),
		SecondaryChatModel: getenv("SECONDARY_CHAT_MODEL", ""),
		EmbeddingURL:       getenv("EMBEDDING_URL", "http://localhost:11434/api/embeddings"),
		EmbeddingModel:     getenv("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDimension: getint("EMBEDDING_DIMENSION", 768),
		TranscriptionURL:   getenv("TRANSCRIPTION_URL", ""),
		TranscriptionModel: getenv("TRANSCRIPTION_MODEL", "whisper"),

		MaxContextTokens: getint("MAX_CONTEXT_TOKENS", 4000),
		ChunkSize:        getint("CHUNK_SIZE", 800),
		ChunkOverlap:     getint("CHUNK_OVERLAP", 150),
		KRetrieve:        getint("K_RETRIEVE", 8),
		KContext:         getint("K_CONTEXT", 4),

		TauKeep:      getfloat("TAU_KEEP", 0.5),
		TauNoContext: getfloat("TAU_NO_CONTEXT", 0.35),
		TauReview:    getfloat("TAU_REVIEW", 0.5),
		TauCache:     getfloat("TAU_CACHE", 0.93),
		TauCacheable: getfloat("TAU_CACHEABLE", 0.7),
		TTLCache:     getduration("TTL_CACHE", time.Hour),

		BreakerFailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindow:           getduration("BREAKER_WINDOW", 60*time.Second),
		BreakerOpenTimeout:      getduration("BREAKER_OPEN_TIMEOUT", 30*time.Second),

		RetryBase:        getduration("RETRY_BASE", 500*time.Millisecond),
		RetryCap:         getduration("RETRY_CAP", 8*time.Second),
		RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 4),

		RateLimitPerTenantPerMin: getint("RATE_LIMIT_TENANT_PER_MIN", 60),
		RateLimitPerIPPerMin:     getint("RATE_LIMIT_IP_PER_MIN", 120),

		StageDeadlineRetrieve: getduration("STAGE_DEADLINE_RETRIEVE", 2*time.Second),
		StageDeadlineGenerate: getduration("STAGE_DEADLINE_GENERATE", 20*time.Second),
		StageDeadlineEvaluate: getduration("STAGE_DEADLINE_EVALUATE", 1*time.Second),

		SkipGenerationOnEmptyContext: getbool("SKIP_GENERATION_ON_EMPTY_CONTEXT", false),
		IngestOnBreakerOpen:          getenv("INGEST_ON_BREAKER_OPEN", "block"),
		AllowAnonymousTenant:         getbool("ALLOW_ANONYMOUS_TENANT", true),

		PDFCropTopPoints: getfloat("PDF_CROP_TOP_POINTS", 0),
		PDFCropBotPoints: getfloat("PDF_CROP_BOT_POINTS", 0),
	}
	return cfg, nil
}

func (c *Config) PostgresDSN() string {
	return "postgres://" + c.PGUser + ":" + c.PGPass + "@" + c.PGHost + ":" + c.PGPort + "/" + c.PGDB
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
