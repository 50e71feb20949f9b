// Package config assembles runtime configuration from the environment,
// in the same nested-struct-plus-defaults shape the rest of this family
// of services uses.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log-forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// RedisConfig describes the KV cache / queue transport.
type RedisConfig struct {
	URL          string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// StorageConfig describes the durable metadata store and blob store.
type StorageConfig struct {
	MongoURI    string
	MongoDB     string
	S3Bucket    string
	FinalPrefix string
	PrintPrefix string
}

// RenderConfig mirrors the VECTOR_* knobs from spec.md §6.
type RenderConfig struct {
	MaxPages         int
	MaxSeriesEnd     int64
	BatchSize        int
	BatchAttempts    int
	BatchBackoffBase time.Duration
	LockTTL          time.Duration
	MaxActiveJobs    int
	MergeMaxMs       time.Duration
	FinalPDFTTL      time.Duration
}

// QuotaConfig controls the idempotency window for print-quota consumption.
type QuotaConfig struct {
	IdempotencyTTL time.Duration
}

// ReaperConfig controls the periodic sweep.
type ReaperConfig struct {
	Interval     time.Duration
	StaleMs      time.Duration
	ArchiveAfter time.Duration
}

// SVGConvertConfig configures the external SVG->PDF converter process.
type SVGConvertConfig struct {
	Binary        string
	Timeout       time.Duration
	MaxConcurrent int
}

// Config is the top-level configuration for the render service.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Render    RenderConfig
	Quota     QuotaConfig
	Reaper    ReaperConfig
	SVG       SVGConvertConfig
	Port      string
	MACSecret []byte
}

// FromEnv loads configuration from the environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/renderd.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_renderd",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Redis = RedisConfig{
		URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:render"),
		Group:        getEnv("QUEUE_GROUP", "workers:render"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.Storage = StorageConfig{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnv("MONGO_DB", "vectorprint"),
		S3Bucket:    getEnv("AWS_S3_BUCKET", ""),
		FinalPrefix: getEnv("FINAL_PREFIX", "documents/final/"),
		PrintPrefix: getEnv("PRINT_PREFIX", "documents/print/"),
	}

	cfg.Render = RenderConfig{
		MaxPages:         parseInt(getEnv("VECTOR_MAX_PAGES", "700"), 700),
		MaxSeriesEnd:     parseInt64(getEnv("VECTOR_MAX_SERIES_END", "1000000000"), 1_000_000_000),
		BatchSize:        clampInt(parseInt(getEnv("VECTOR_BATCH_SIZE", "10"), 10), 1, 50),
		BatchAttempts:    parseInt(getEnv("VECTOR_BATCH_ATTEMPTS", "3"), 3),
		BatchBackoffBase: parseDuration(getEnv("VECTOR_BATCH_BACKOFF_BASE", "2s"), 2*time.Second),
		LockTTL:          maxDuration(parseDuration(getEnv("VECTOR_RENDER_LOCK_TTL_SECONDS", "1800s"), 1800*time.Second), 60*time.Second),
		MaxActiveJobs:    parseInt(getEnv("VECTOR_MAX_ACTIVE_JOBS", "0"), 0),
		MergeMaxMs:       parseDuration(getEnv("VECTOR_MERGE_MAX_MS", "0ms"), 0),
		FinalPDFTTL:      parseDuration(getEnv("FINAL_PDF_TTL_HOURS", "24h"), 24*time.Hour),
	}

	cfg.Quota = QuotaConfig{
		IdempotencyTTL: parseDuration(getEnv("QUOTA_IDEMPOTENCY_TTL", "300s"), 300*time.Second),
	}

	cfg.Reaper = ReaperConfig{
		Interval:     parseDuration(getEnv("JOB_CLEANUP_INTERVAL_MS", "5m"), 5*time.Minute),
		StaleMs:      parseDuration(getEnv("PRINT_JOB_STALE_MS", "15m"), 15*time.Minute),
		ArchiveAfter: parseDuration(getEnv("PRINT_JOB_ARCHIVE_AFTER", "168h"), 7*24*time.Hour),
	}

	cfg.SVG = SVGConvertConfig{
		Binary:        getEnv("SVG_CONVERTER_BIN", "rsvg-convert"),
		Timeout:       parseDuration(getEnv("SVG_CONVERTER_TIMEOUT", "30s"), 30*time.Second),
		MaxConcurrent: parseInt(getEnv("SVG_CONVERTER_MAX_CONCURRENT", "4"), 4),
	}

	cfg.Port = getEnv("PORT", "8080")
	cfg.MACSecret = []byte(getEnv("VECTOR_MAC_SECRET", ""))

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxDuration(v, floor time.Duration) time.Duration {
	if v < floor {
		return floor
	}
	return v
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
