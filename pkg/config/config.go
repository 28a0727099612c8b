package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Gemini    GeminiConfig
	Uploads   UploadsConfig
	Batch     BatchConfig
	Selection SelectionConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// LLMConfig configures the OpenAI model that scores patients against trials.
type LLMConfig struct {
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

// GeminiConfig configures the model that reads uploaded medical documents.
type GeminiConfig struct {
	APIKey              string
	Model               string
	TimeoutSec          int
	ValidationThreshold float64
	MaxLogLength        int
}

type UploadsConfig struct {
	Dir               string
	AllowedExtensions []string
	MaxFileSize       int
}

type BatchConfig struct {
	MaxFiles    int
	Concurrency int
	Store       string
	JobTTL      time.Duration
	JanitorTick time.Duration
}

type SelectionConfig struct {
	BatchSize             int
	EligibilityThreshold  float64
	DefaultRequired       int
	Multiplier            float64
	EvaluationConcurrency int
	PatientLimit          int
}

type CacheConfig struct {
	EvaluationTTL time.Duration
}

type RateLimitConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pharmatrace")

	v.SetEnvPrefix("PHARMATRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Batch.MaxFiles <= 0 {
		return fmt.Errorf("batch.maxFiles must be positive, got %d", c.Batch.MaxFiles)
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be positive, got %d", c.Batch.Concurrency)
	}
	switch c.Batch.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("batch.store must be memory or redis, got %q", c.Batch.Store)
	}
	if c.Batch.Store == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("batch.store=redis requires redis.enabled")
	}
	if c.Selection.BatchSize <= 0 {
		return fmt.Errorf("selection.batchSize must be positive, got %d", c.Selection.BatchSize)
	}
	if c.Selection.Multiplier <= 0 {
		return fmt.Errorf("selection.multiplier must be positive, got %v", c.Selection.Multiplier)
	}
	if len(c.Uploads.AllowedExtensions) == 0 {
		return fmt.Errorf("uploads.allowedExtensions must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 512*1024*1024)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/pharmatrace.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.timeoutSec", 60)

	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.timeoutSec", 90)
	v.SetDefault("gemini.validationThreshold", 0.7)
	v.SetDefault("gemini.maxLogLength", 200)

	v.SetDefault("uploads.dir", "./uploads")
	v.SetDefault("uploads.allowedExtensions", []string{"pdf", "txt", "html", "htm"})
	v.SetDefault("uploads.maxFileSize", 25*1024*1024)

	v.SetDefault("batch.maxFiles", 500)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.store", "memory")
	v.SetDefault("batch.jobTTL", 24*time.Hour)
	v.SetDefault("batch.janitorTick", 5*time.Minute)

	v.SetDefault("selection.batchSize", 10)
	v.SetDefault("selection.eligibilityThreshold", 50)
	v.SetDefault("selection.defaultRequired", 10)
	v.SetDefault("selection.multiplier", 1.5)
	v.SetDefault("selection.evaluationConcurrency", 2)
	v.SetDefault("selection.patientLimit", 500)

	v.SetDefault("cache.evaluationTTL", 6*time.Hour)

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.maxRequestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
