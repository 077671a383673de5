package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	LogMode     string

	LeaseDuration      time.Duration
	RetryBackoff       time.Duration
	Workers            int
	BatchSize          int
	TickInterval       time.Duration
	ReorderTimeout     time.Duration
	CreateConcurrency  int
	ShopifyAPIVersion  string
	ShopifyBaseURL     string
	ShopTokens         map[string]string
	InternalMediaHosts []string
	BackingBucket      string
	PresignTTL         time.Duration

	KafkaBrokers   []string
	KafkaTopic     string
	ArchiveBucket  string
	ArchivePrefix  string
	StreamerPoll   time.Duration
	StreamerBatch  int
	AdminJWTSecret string
	AdminKeysFile  string
	AdminScope     string

	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr              = ":8070"
	defaultLeaseMinutes      = 60
	defaultRetryMinutes      = 5
	defaultWorkers           = 3
	defaultBatchSize         = 100
	defaultReorderSeconds    = 60
	defaultCreateConcurrency = 3
	defaultAPIVersion        = "2024-10"
	defaultPresignMinutes    = 15
	defaultKafkaTopic        = "rotation.history"
	defaultAdminScope        = "rotation:write"
)

func Load() (Config, error) {
	tokens, err := parseShopTokens(os.Getenv("SHOPIFY_SHOPS"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:               getEnv("ROTATION_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("ROTATION_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LogMode:            getEnv("LOG_MODE", "development"),
		LeaseDuration:      time.Duration(getInt("ROTATION_LEASE_MINUTES", defaultLeaseMinutes)) * time.Minute,
		RetryBackoff:       time.Duration(getInt("ROTATION_RETRY_BACKOFF_MINUTES", defaultRetryMinutes)) * time.Minute,
		Workers:            getInt("ROTATION_WORKERS", defaultWorkers),
		BatchSize:          getInt("ROTATION_BATCH_SIZE", defaultBatchSize),
		TickInterval:       time.Duration(getInt("ROTATION_TICK_SECONDS", 0)) * time.Second,
		ReorderTimeout:     time.Duration(getInt("ROTATION_REORDER_TIMEOUT_SECONDS", defaultReorderSeconds)) * time.Second,
		CreateConcurrency:  getInt("ROTATION_CREATE_CONCURRENCY", defaultCreateConcurrency),
		ShopifyAPIVersion:  getEnv("SHOPIFY_API_VERSION", defaultAPIVersion),
		ShopifyBaseURL:     os.Getenv("SHOPIFY_ADMIN_BASE_URL"),
		ShopTokens:         tokens,
		InternalMediaHosts: parseCSV(os.Getenv("ROTATION_INTERNAL_MEDIA_HOSTS")),
		BackingBucket:      os.Getenv("ROTATION_S3_BUCKET"),
		PresignTTL:         time.Duration(getInt("ROTATION_PRESIGN_TTL_MINUTES", defaultPresignMinutes)) * time.Minute,
		KafkaBrokers:       parseCSV(os.Getenv("ROTATION_KAFKA_BROKERS")),
		KafkaTopic:         getEnv("ROTATION_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:      os.Getenv("ROTATION_ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("ROTATION_ARCHIVE_PREFIX"),
		StreamerPoll:       getDuration("ROTATION_STREAMER_POLL", 3*time.Second),
		StreamerBatch:      getInt("ROTATION_STREAMER_BATCH", 20),
		AdminJWTSecret:     os.Getenv("ROTATION_ADMIN_JWT_SECRET"),
		AdminKeysFile:      os.Getenv("ROTATION_ADMIN_KEYS_FILE"),
		AdminScope:         getEnv("ROTATION_ADMIN_SCOPE", defaultAdminScope),
		AllowDebugToken:    getBool("ROTATION_ALLOW_DEBUG_TOKEN", false),
		DebugToken:         os.Getenv("ROTATION_DEBUG_TOKEN"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or ROTATION_DATABASE_URL required")
	}
	if len(cfg.ShopTokens) == 0 {
		return Config{}, fmt.Errorf("SHOPIFY_SHOPS required (shop=token,...)")
	}
	if cfg.LeaseDuration <= 0 {
		return Config{}, fmt.Errorf("ROTATION_LEASE_MINUTES must be positive")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.CreateConcurrency <= 0 {
		cfg.CreateConcurrency = defaultCreateConcurrency
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("ROTATION_DEBUG_TOKEN required when ROTATION_ALLOW_DEBUG_TOKEN=true")
	}
	if os.Getenv("NODE_ENV") == "production" && cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("ROTATION_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	return cfg, nil
}

// parseShopTokens reads "shop=token" pairs separated by commas.
func parseShopTokens(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range parseCSV(raw) {
		shop, token, ok := strings.Cut(part, "=")
		shop = strings.ToLower(strings.TrimSpace(shop))
		token = strings.TrimSpace(token)
		if !ok || shop == "" || token == "" {
			return nil, fmt.Errorf("invalid SHOPIFY_SHOPS entry %q", part)
		}
		out[shop] = token
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
