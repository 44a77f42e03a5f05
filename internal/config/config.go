package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Generator GeneratorConfig
	Renderer  RendererConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver      string // redis or postgres
	DatabaseURL string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerMin int
	RenderPerHour  int
}

type GeneratorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type RendererConfig struct {
	URL     string
	Timeout time.Duration
}

// QueueConfig holds the retry, admission and retention policy of the render queue
type QueueConfig struct {
	Name              string
	Concurrency       int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	CompletedMaxCount int
	CompletedMaxAge   time.Duration
	FailedMaxCount    int
	FailedMaxAge      time.Duration
	JanitorInterval   time.Duration
	LeaseTimeout      time.Duration
}

type WorkerConfig struct {
	Embedded bool
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("GENERATOR_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_format", "LOG_FORMAT")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("store.driver", "STORE_DRIVER")
	_ = viper.BindEnv("store.database_url", "DATABASE_URL")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.generate_per_min", "RATELIMIT_GENERATE_PER_MIN")
	_ = viper.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")
	_ = viper.BindEnv("generator.api_key", "GENERATOR_API_KEY")
	_ = viper.BindEnv("generator.base_url", "GENERATOR_BASE_URL")
	_ = viper.BindEnv("generator.model", "GENERATOR_MODEL")
	_ = viper.BindEnv("generator.timeout", "GENERATOR_TIMEOUT")
	_ = viper.BindEnv("renderer.url", "RENDERER_URL")
	_ = viper.BindEnv("renderer.timeout", "RENDERER_TIMEOUT")
	_ = viper.BindEnv("queue.name", "QUEUE_NAME")
	_ = viper.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	_ = viper.BindEnv("queue.base_delay", "QUEUE_BASE_DELAY")
	_ = viper.BindEnv("queue.max_delay", "QUEUE_MAX_DELAY")
	_ = viper.BindEnv("queue.completed_max_count", "QUEUE_COMPLETED_MAX_COUNT")
	_ = viper.BindEnv("queue.completed_max_age", "QUEUE_COMPLETED_MAX_AGE")
	_ = viper.BindEnv("queue.failed_max_count", "QUEUE_FAILED_MAX_COUNT")
	_ = viper.BindEnv("queue.failed_max_age", "QUEUE_FAILED_MAX_AGE")
	_ = viper.BindEnv("queue.janitor_interval", "QUEUE_JANITOR_INTERVAL")
	_ = viper.BindEnv("queue.lease_timeout", "QUEUE_LEASE_TIMEOUT")
	_ = viper.BindEnv("worker.embedded", "WORKER_EMBEDDED")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.log_format", "json")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("store.driver", "redis")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_min", 10)
	viper.SetDefault("ratelimit.render_per_hour", 20)

	// Generator defaults (OpenAI-compatible chat completions)
	viper.SetDefault("generator.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("generator.model", "llama-3.3-70b-versatile")
	viper.SetDefault("generator.timeout", "60s")

	// Renderer defaults; the URL has no default so an unset value fails fast
	viper.SetDefault("renderer.timeout", "30m")

	// Queue defaults
	viper.SetDefault("queue.name", "render")
	viper.SetDefault("queue.concurrency", 5)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.base_delay", "2s")
	viper.SetDefault("queue.max_delay", "5m")
	viper.SetDefault("queue.completed_max_count", 100)
	viper.SetDefault("queue.completed_max_age", "24h")
	viper.SetDefault("queue.failed_max_count", 200)
	viper.SetDefault("queue.failed_max_age", "168h")
	viper.SetDefault("queue.janitor_interval", "10m")
	// must exceed renderer.timeout or a slow render is handed to another worker
	viper.SetDefault("queue.lease_timeout", "35m")

	viper.SetDefault("worker.embedded", true)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			LogFormat: viper.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:      viper.GetString("store.driver"),
			DatabaseURL: viper.GetString("store.database_url"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerMin: viper.GetInt("ratelimit.generate_per_min"),
			RenderPerHour:  viper.GetInt("ratelimit.render_per_hour"),
		},
		Generator: GeneratorConfig{
			APIKey:  viper.GetString("generator.api_key"),
			BaseURL: viper.GetString("generator.base_url"),
			Model:   viper.GetString("generator.model"),
			Timeout: viper.GetDuration("generator.timeout"),
		},
		Renderer: RendererConfig{
			URL:     viper.GetString("renderer.url"),
			Timeout: viper.GetDuration("renderer.timeout"),
		},
		Queue: QueueConfig{
			Name:              viper.GetString("queue.name"),
			Concurrency:       viper.GetInt("queue.concurrency"),
			MaxAttempts:       viper.GetInt("queue.max_attempts"),
			BaseDelay:         viper.GetDuration("queue.base_delay"),
			MaxDelay:          viper.GetDuration("queue.max_delay"),
			CompletedMaxCount: viper.GetInt("queue.completed_max_count"),
			CompletedMaxAge:   viper.GetDuration("queue.completed_max_age"),
			FailedMaxCount:    viper.GetInt("queue.failed_max_count"),
			FailedMaxAge:      viper.GetDuration("queue.failed_max_age"),
			JanitorInterval:   viper.GetDuration("queue.janitor_interval"),
			LeaseTimeout:      viper.GetDuration("queue.lease_timeout"),
		},
		Worker: WorkerConfig{
			Embedded: viper.GetBool("worker.embedded"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
