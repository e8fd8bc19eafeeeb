package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hybridrag/internal/adapter/provider/llm/openai"
	"hybridrag/internal/api"
	"hybridrag/internal/db/memstore"
	redisdb "hybridrag/internal/db/redis"
	"hybridrag/internal/db/sqlstore"
	"hybridrag/internal/domain/cache"
	"hybridrag/internal/domain/rag"
	"hybridrag/internal/platform/config"
	applog "hybridrag/internal/platform/log"
	"hybridrag/internal/platform/metrics"
	"hybridrag/internal/platform/resilience"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		applog.Fatal("Failed to load config", "error", err)
	}

	// 2. 初始化日志
	applog.Init(applog.Config{Service: "hybridrag", Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer applog.Sync()

	ctx := context.Background()

	// 3. 文档存储
	store, err := openStore(ctx, cfg)
	if err != nil {
		applog.Fatal("Failed to open document store", "driver", cfg.Store.Driver, "error", err)
	}
	defer store.Close()
	applog.Info("Document store ready", "driver", cfg.Store.Driver)

	// 4. Redis 向量二级缓存（可选）
	var embStore cache.EmbeddingStore
	if cfg.Redis.URL != "" {
		rdb, err := redisdb.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			applog.Warn("Redis unavailable, embedding L2 cache disabled", "error", err)
		} else {
			defer rdb.Close()
			embStore = redisdb.NewEmbeddingStore(rdb, cfg.RAG.EmbeddingModel, cfg.RAG.EmbeddingStoreTTL)
			applog.Info("Redis connected", "ttl_seconds", cfg.RAG.EmbeddingStoreTTL)
		}
	}

	// 5. 模型服务，外层套熔断器
	llm := openai.New(openai.Config{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL})
	breakerCfg := cfg.Breaker.Resilience()
	embedder := rag.WithEmbedderBreaker(
		rag.NewProviderEmbedder(llm, rag.EmbedderConfig{
			Model: cfg.RAG.EmbeddingModel,
			Dims:  cfg.RAG.EmbeddingDims,
		}),
		resilience.NewBreaker("embedding", breakerCfg),
	)
	generator := rag.WithGeneratorBreaker(
		rag.NewLLMGenerator(llm, rag.GeneratorConfig{
			Model:       cfg.OpenAI.ChatModel,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		}),
		resilience.NewBreaker("generation", breakerCfg),
	)

	// 6. 引擎 + 指标
	m := metrics.New(prometheus.DefaultRegisterer)
	engine, err := rag.NewEngine(cfg.RAG, rag.Deps{
		Store:          store,
		Embedder:       embedder,
		Generator:      generator,
		EmbeddingStore: embStore,
		Observer:       m,
	})
	if err != nil {
		applog.Fatal("Failed to create engine", "error", err)
	}
	if err := engine.Start(ctx); err != nil {
		applog.Fatal("Failed to start engine", "error", err)
	}
	m.WatchCache(engine.CacheStats)

	// 7. HTTP 服务
	server := api.NewServer(&api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		JWTSecret:    cfg.Auth.JWTSecret,
		JWTIssuer:    cfg.Auth.JWTIssuer,
	}, engine, promhttp.Handler())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			applog.Error("Server shutdown error", "error", err)
		}
	}()

	applog.Info("Server listening", "addr", cfg.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		applog.Warn("Engine shutdown incomplete", "error", err)
	}
	applog.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.AppConfig) (rag.DocumentStore, error) {
	if cfg.Store.Driver == "memory" {
		return memstore.New(), nil
	}
	return sqlstore.Open(ctx, cfg.Store.Driver, cfg.Store.URL, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetimeSeconds) * time.Second,
	})
}
