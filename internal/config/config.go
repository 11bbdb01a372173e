package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Conductor control plane.
type Config struct {
	Port    int
	Version string

	Database   DatabaseConfig
	Telemetry  TelemetryConfig
	Resolver   ResolverConfig
	Factory    FactoryConfig
	Intent     IntentConfig
	Vector     VectorConfig
	Embeddings EmbeddingsConfig
	Completion CompletionConfig
	Notify     NotifyConfig
	Templates  TemplatesConfig
}

type DatabaseConfig struct {
	// URL is the Postgres connection string. Empty selects the in-memory
	// store (local dev, tests).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type ResolverConfig struct {
	// CacheTTL bounds how long a deactivated account can still resolve.
	CacheTTL  time.Duration
	CacheSize int
}

type FactoryConfig struct {
	// Capacity bounds the instance cache; eviction is LRU over unpinned
	// entries only.
	Capacity int
	// BuildTimeout bounds a single instance construction.
	BuildTimeout time.Duration
}

type IntentConfig struct {
	// ClassifyTimeout bounds a classification decision; overruns
	// short-circuit to the fallback type.
	ClassifyTimeout time.Duration
}

type VectorConfig struct {
	// PgvectorURL is the Postgres (pgvector) connection string for
	// budget-tier bindings.
	PgvectorURL string
	// IndexEndpoint and IndexAPIKey reach the managed index service used
	// for shared and dedicated bindings.
	IndexEndpoint string
	IndexAPIKey   string
	Dimensions    int

	// AllowEmbedded lets tiers whose backend driver is not configured
	// degrade to the embedded in-memory backend instead of failing with
	// BackendUnavailableError. For single-process dev deployments only.
	AllowEmbedded bool

	// MigrationBatchSize is the number of vectors copied per checkpoint.
	MigrationBatchSize int
}

type EmbeddingsConfig struct {
	Provider string // "openai" or "none"
	APIKey   string
	Model    string
	Endpoint string
}

type CompletionConfig struct {
	APIKey      string
	Model       string
	Endpoint    string
	MaxTokens   int
	Temperature float64
}

type NotifyConfig struct {
	// WebhookURL receives routing decisions fire-and-forget. Empty
	// disables the sink.
	WebhookURL string
	// WebhookSecret, when set, signs webhook payloads with HMAC-SHA256.
	WebhookSecret string
}

type TemplatesConfig struct {
	// Path is a JSON file or directory of JSON files holding agent
	// template definitions.
	Path            string
	RefreshInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("CONDUCTOR_PORT", 8080),
		Version: envStr("CONDUCTOR_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "conductor-control-plane"),
		},
		Resolver: ResolverConfig{
			CacheTTL:  envDur("CONDUCTOR_RESOLVER_CACHE_TTL", 30*time.Second),
			CacheSize: envInt("CONDUCTOR_RESOLVER_CACHE_SIZE", 4096),
		},
		Factory: FactoryConfig{
			Capacity:     envInt("CONDUCTOR_INSTANCE_CACHE_CAPACITY", 256),
			BuildTimeout: envDur("CONDUCTOR_INSTANCE_BUILD_TIMEOUT", 15*time.Second),
		},
		Intent: IntentConfig{
			ClassifyTimeout: envDur("CONDUCTOR_CLASSIFY_TIMEOUT", 2*time.Second),
		},
		Vector: VectorConfig{
			PgvectorURL:        envStr("CONDUCTOR_PGVECTOR_URL", ""),
			IndexEndpoint:      envStr("CONDUCTOR_VECTOR_INDEX_ENDPOINT", ""),
			IndexAPIKey:        envStr("CONDUCTOR_VECTOR_INDEX_API_KEY", ""),
			Dimensions:         envInt("CONDUCTOR_VECTOR_DIMENSIONS", 1536),
			AllowEmbedded:      envBool("CONDUCTOR_VECTOR_ALLOW_EMBEDDED", false),
			MigrationBatchSize: envInt("CONDUCTOR_MIGRATION_BATCH_SIZE", 500),
		},
		Embeddings: EmbeddingsConfig{
			Provider: envStr("CONDUCTOR_EMBEDDINGS_PROVIDER", "none"),
			APIKey:   envStr("CONDUCTOR_EMBEDDINGS_API_KEY", ""),
			Model:    envStr("CONDUCTOR_EMBEDDINGS_MODEL", "text-embedding-3-small"),
			Endpoint: envStr("CONDUCTOR_EMBEDDINGS_ENDPOINT", ""),
		},
		Completion: CompletionConfig{
			APIKey:      envStr("CONDUCTOR_COMPLETION_API_KEY", ""),
			Model:       envStr("CONDUCTOR_COMPLETION_MODEL", "gpt-4o-mini"),
			Endpoint:    envStr("CONDUCTOR_COMPLETION_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
			MaxTokens:   envInt("CONDUCTOR_COMPLETION_MAX_TOKENS", 1024),
			Temperature: envFloat("CONDUCTOR_COMPLETION_TEMPERATURE", 0.2),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("CONDUCTOR_NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("CONDUCTOR_NOTIFY_WEBHOOK_SECRET", ""),
		},
		Templates: TemplatesConfig{
			Path:            envStr("CONDUCTOR_TEMPLATES_PATH", ""),
			RefreshInterval: envDur("CONDUCTOR_TEMPLATES_REFRESH_INTERVAL", 5*time.Minute),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
