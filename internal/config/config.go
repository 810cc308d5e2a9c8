package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the promptbatch server, worker and CLI.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Batch         BatchConfig
	AI            AIConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Prompts       PromptsConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Name string
}

type WorkerConfig struct {
	Concurrency    int
	ID             string
	DequeueTimeout time.Duration
}

type BatchConfig struct {
	TokenMarginPercent int
	StaleJobThreshold  time.Duration
	WebhookTimeout     time.Duration
}

type AIConfig struct {
	RequestTimeout       time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	OpenAI               ProviderConfig
	DeepSeek             ProviderConfig
	Anthropic            AnthropicConfig
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
}

type RateLimitConfig struct {
	PerMinute int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type PromptsConfig struct {
	File string
}

type ObservabilityConfig struct {
	TracesExporter string
	ServiceName    string
}

var validExporters = map[string]bool{
	"none":   true,
	"stdout": true,
	"otlp":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PROMPTBATCH_PORT", 8080),
			Env:  envString("PROMPTBATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Name: envString("QUEUE_NAME", "to_aimodel"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", 1),
			ID:             envString("WORKER_ID", defaultWorkerID()),
			DequeueTimeout: envDuration("WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
		},
		Batch: BatchConfig{
			TokenMarginPercent: envInt("TOKEN_MARGIN_PERCENT", 10),
			StaleJobThreshold:  envDuration("STALE_JOB_THRESHOLD", 10*time.Minute),
			WebhookTimeout:     envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		AI: AIConfig{
			RequestTimeout:       envDurationSecs("AI_REQUEST_TIMEOUT_SECS", 120*time.Second),
			MaxRetries:           envInt("AI_MAX_RETRIES", 3),
			RetryInitialInterval: envDuration("AI_RETRY_INITIAL_INTERVAL", time.Second),
			RetryMaxInterval:     envDuration("AI_RETRY_MAX_INTERVAL", 30*time.Second),
			OpenAI: ProviderConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			DeepSeek: ProviderConfig{
				APIKey:  os.Getenv("DEEPSEEK_API_KEY"),
				BaseURL: envString("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
			},
			Anthropic: AnthropicConfig{
				APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL:   envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				MaxTokens: envInt("ANTHROPIC_MAX_TOKENS", 4096),
			},
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		CORS: CORSConfig{
			AllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Prompts: PromptsConfig{
			File: os.Getenv("PROMPTS_FILE"),
		},
		Observability: ObservabilityConfig{
			TracesExporter: envString("OTEL_TRACES_EXPORTER", "none"),
			ServiceName:    envString("OTEL_SERVICE_NAME", "promptbatch"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if c.Batch.TokenMarginPercent < 0 || c.Batch.TokenMarginPercent > 90 {
		return fmt.Errorf("TOKEN_MARGIN_PERCENT must be between 0 and 90, got %d", c.Batch.TokenMarginPercent)
	}

	if c.AI.MaxRetries < 0 {
		return fmt.Errorf("AI_MAX_RETRIES must not be negative, got %d", c.AI.MaxRetries)
	}

	if c.AI.OpenAI.APIKey == "" && c.AI.DeepSeek.APIKey == "" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("at least one of OPENAI_API_KEY, DEEPSEEK_API_KEY, ANTHROPIC_API_KEY is required")
	}

	for name, u := range map[string]string{
		"OPENAI_BASE_URL":    c.AI.OpenAI.BaseURL,
		"DEEPSEEK_BASE_URL":  c.AI.DeepSeek.BaseURL,
		"ANTHROPIC_BASE_URL": c.AI.Anthropic.BaseURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if !validExporters[c.Observability.TracesExporter] {
		return fmt.Errorf("OTEL_TRACES_EXPORTER must be one of none, stdout, otlp; got %q", c.Observability.TracesExporter)
	}

	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
