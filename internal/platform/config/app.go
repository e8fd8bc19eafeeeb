package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"hybridrag/internal/domain/rag"
	"hybridrag/internal/platform/resilience"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string        `json:"log_level"`
	LogFormat string        `json:"log_format"`
	Server    ServerConfig  `json:"server"`
	Store     StoreConfig   `json:"store"`
	Redis     RedisConfig   `json:"redis"`
	Auth      AuthConfig    `json:"auth"`
	OpenAI    OpenAIConfig  `json:"openai"`
	Breaker   BreakerConfig `json:"breaker"`
	RAG       rag.Config    `json:"rag"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type StoreConfig struct {
	Driver                 string `json:"driver"` // postgres | sqlite | memory
	URL                    string `json:"url"`    // sqlite 为空时使用 ./data/hybridrag.db
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"` // 为空时不启用向量二级缓存
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"` // 为空时不鉴权
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	ChatModel   string  `json:"chat_model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type BreakerConfig struct {
	FailureRatio   float64 `json:"failure_ratio"`
	MinRequests    uint32  `json:"min_requests"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Resilience 转换为熔断器配置
func (b BreakerConfig) Resilience() resilience.Config {
	return resilience.Config{
		FailureRatio: b.FailureRatio,
		MinRequests:  b.MinRequests,
		OpenTimeout:  time.Duration(b.TimeoutSeconds) * time.Second,
	}
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 300,
		},
		Store: StoreConfig{
			Driver:                 "sqlite",
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL:     "https://api.openai.com/v1",
			ChatModel:   "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   1024,
		},
		Breaker: BreakerConfig{
			FailureRatio:   0.5,
			MinRequests:    5,
			TimeoutSeconds: 30,
		},
		RAG: *ragCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("STORE_DRIVER", &c.Store.Driver)
	applyString("DATABASE_URL", &c.Store.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Store.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Store.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Store.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyString("OPENAI_CHAT_MODEL", &c.OpenAI.ChatModel)
	applyFloat64("OPENAI_TEMPERATURE", &c.OpenAI.Temperature)
	applyInt("OPENAI_MAX_TOKENS", &c.OpenAI.MaxTokens)

	applyFloat64("BREAKER_FAILURE_RATIO", &c.Breaker.FailureRatio)
	applyInt("BREAKER_TIMEOUT_SECONDS", &c.Breaker.TimeoutSeconds)

	// RAG 环境变量
	if v := os.Getenv("RAG_DEFAULT_MODE"); v != "" {
		c.RAG.DefaultMode = rag.SearchMode(v)
	}
	applyInt("RAG_DEFAULT_TOP_K", &c.RAG.DefaultTopK)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyInt("RAG_MAX_FILE_SIZE", &c.RAG.MaxFileSize)
	applyFloat64("RAG_MIN_RELEVANCE", &c.RAG.MinRelevance)
	applyInt("RAG_EMBEDDING_CACHE_CAPACITY", &c.RAG.EmbeddingCacheCapacity)
	applyInt("RAG_EMBEDDING_STORE_TTL", &c.RAG.EmbeddingStoreTTL)
	applyFloat64("RAG_SEMANTIC_THRESHOLD", &c.RAG.SemanticThreshold)
	applyInt("RAG_QUERY_CACHE_TTL", &c.RAG.QueryCacheTTL)
	applyInt("RAG_QUERY_CACHE_MAX_ENTRIES", &c.RAG.QueryCacheMaxEntries)
	applyInt("RAG_SWEEP_INTERVAL", &c.RAG.SweepIntervalSeconds)
	applyString("RAG_INVALIDATION_POLICY", &c.RAG.InvalidationPolicy)
	applyInt("RAG_PENDING_WAIT", &c.RAG.PendingWaitSeconds)
	applyInt("RAG_FILL_TIMEOUT", &c.RAG.FillTimeoutSeconds)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	c.RAG.Normalize()
}

func (c *AppConfig) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Store.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.RAG.SemanticThreshold <= 0 || c.RAG.SemanticThreshold > 1 {
		return fmt.Errorf("semantic_threshold must be in (0, 1], got %v", c.RAG.SemanticThreshold)
	}
	if c.RAG.EmbeddingDims <= 0 {
		return fmt.Errorf("embedding_dims must be positive")
	}
	if _, err := rag.ParseSearchMode(string(c.RAG.DefaultMode), rag.ModeVector); err != nil {
		return err
	}
	switch c.RAG.InvalidationPolicy {
	case "full", "sources":
	default:
		return fmt.Errorf("unknown invalidation_policy %q", c.RAG.InvalidationPolicy)
	}
	return nil
}

// Addr 服务监听地址
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
