package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Neo4j     Neo4jConfig
	Zilliz    ZillizConfig
	LLM       LLMConfig
	Engine    EngineConfig
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

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Enabled        bool
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	MinSimilarity  float64
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	MaxRetries     int
	EmbeddingModel string
}

type EngineConfig struct {
	FreshnessWindow  time.Duration
	MaxPerUser       int
	SweepInterval    time.Duration
	DefaultDepth     string
	BatchConcurrency int
	SubscriberBuffer int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads config.yaml (if present) and INSIGHT_ENGINE_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/insight-engine")

	v.SetEnvPrefix("INSIGHT_ENGINE")
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
	if c.Engine.FreshnessWindow <= 0 {
		return fmt.Errorf("engine.freshnessWindow must be positive")
	}
	if c.Engine.MaxPerUser < 1 {
		return fmt.Errorf("engine.maxPerUser must be at least 1")
	}
	if c.LLM.TimeoutSec < 1 {
		return fmt.Errorf("llm.timeoutSec must be at least 1")
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 1 {
		return fmt.Errorf("llm.maxRetries must be 0 or 1")
	}
	switch c.Engine.DefaultDepth {
	case "minimal", "balanced", "detailed":
	default:
		return fmt.Errorf("engine.defaultDepth %q is not one of minimal, balanced, detailed", c.Engine.DefaultDepth)
	}
	return nil
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/insights.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.enabled", false)
	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "insight_summaries")
	v.SetDefault("zilliz.vectorDim", 1536)
	v.SetDefault("zilliz.minSimilarity", 0.85)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.maxTokens", 1200)
	v.SetDefault("llm.timeoutSec", 8)
	v.SetDefault("llm.maxRetries", 1)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("engine.freshnessWindow", 6*time.Hour)
	v.SetDefault("engine.maxPerUser", 1)
	v.SetDefault("engine.sweepInterval", time.Hour)
	v.SetDefault("engine.defaultDepth", "balanced")
	v.SetDefault("engine.batchConcurrency", 4)
	v.SetDefault("engine.subscriberBuffer", 32)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
