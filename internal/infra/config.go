package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Task store backends.
const (
	TaskStoreFile  = "file"
	TaskStoreRedis = "redis"
)

// ProviderConfig describes one chat completions back end.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	Port             string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	CORSOrigins      []string
	DefaultLocale    string
	GeoIPDBPath      string

	TaskStore      string
	TasksDir       string
	RedisURL       string
	RedisKeyPrefix string

	DatabaseURL  string
	GalleryTable string

	Primary          ProviderConfig
	Secondary        ProviderConfig
	SecondaryReferer string
	SecondaryTitle   string
	ProviderTimeout  time.Duration

	MaxRetries          int
	RetryBackoff        time.Duration
	ProgressInterval    time.Duration
	PlaceholderFallback bool
	PlaceholderBaseURL  string
	ModuleCatalogPath   string

	// SubmitRateLimit is requests per minute per client IP on submit; 0 disables.
	SubmitRateLimit int

	MetricsNamespace string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Port:             getEnv("PORT", "8080"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		CORSOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		DefaultLocale:    getEnv("DEFAULT_LOCALE", "en"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),

		TaskStore:      strings.ToLower(getEnv("TASK_STORE", TaskStoreFile)),
		TasksDir:       getEnv("TASKS_DIR", ".tasks"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "genstudio:"),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		GalleryTable: getEnv("GALLERY_TABLE", "images"),

		Primary: ProviderConfig{
			APIKey:  strings.TrimSpace(os.Getenv("PRIMARY_API_KEY")),
			BaseURL: getEnv("PRIMARY_BASE_URL", "https://api.nananobanana.com/v1"),
			Model:   getEnv("PRIMARY_MODEL", "nano-banana"),
		},
		Secondary: ProviderConfig{
			APIKey:  strings.TrimSpace(os.Getenv("SECONDARY_API_KEY")),
			BaseURL: getEnv("SECONDARY_BASE_URL", "https://openrouter.ai/api/v1"),
			Model:   getEnv("SECONDARY_MODEL", "google/gemini-2.5-flash-image-preview"),
		},
		SecondaryReferer: getEnv("SECONDARY_REFERER", "http://localhost:3000"),
		SecondaryTitle:   getEnv("SECONDARY_TITLE", "Image Studio"),
		ProviderTimeout:  time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60)),

		MaxRetries:          getEnvInt("MAX_RETRIES", 2),
		RetryBackoff:        time.Millisecond * time.Duration(getEnvInt("RETRY_BACKOFF_MS", 2000)),
		ProgressInterval:    time.Millisecond * time.Duration(getEnvInt("PROGRESS_INTERVAL_MS", 1500)),
		PlaceholderFallback: getEnvBool("PLACEHOLDER_FALLBACK", false),
		PlaceholderBaseURL:  getEnv("PLACEHOLDER_BASE_URL", "https://picsum.photos/seed"),
		ModuleCatalogPath:   os.Getenv("MODULE_CATALOG_PATH"),

		SubmitRateLimit: getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 0),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "genstudio"),
	}

	switch cfg.TaskStore {
	case TaskStoreFile:
	case TaskStoreRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("REDIS_URL is required when TASK_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported TASK_STORE %q", cfg.TaskStore)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if cfg.ProgressInterval <= 0 {
		return nil, fmt.Errorf("PROGRESS_INTERVAL_MS must be positive")
	}
	if cfg.ProviderTimeout <= 0 {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// HasDatabase reports whether the relational collaborator is configured.
func (c *Config) HasDatabase() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
