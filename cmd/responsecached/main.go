// responsecached serves the multi-tier response cache: an in-process LRU in
// front of Redis in front of a Postgres semantic store, plus an HTTP surface
// for invalidation, stats, and health.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/estateflow/responsecache/internal/api"
	"github.com/estateflow/responsecache/pkg/cache"
	"github.com/estateflow/responsecache/pkg/cache/migrations"
	"github.com/estateflow/responsecache/pkg/embedding"
	"github.com/estateflow/responsecache/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "responsecached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("RESPONSECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger := observability.NewLogger("responsecached")
	if v.GetBool("log.debug") {
		logger = observability.NewLoggerWithLevel("responsecached", observability.LogLevelDebug)
	}
	metrics := observability.NewNoopMetricsClient()

	cacheConfig, err := cache.LoadConfigFromViper(v)
	if err != nil {
		return fmt.Errorf("load cache config: %w", err)
	}

	// L2: Redis.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         v.GetString("redis.address"),
		Password:     v.GetString("redis.password"),
		DB:           v.GetInt("redis.db"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, continuing degraded", map[string]interface{}{
			"address": v.GetString("redis.address"),
			"error":   err.Error(),
		})
	}
	cancel()

	shared := cache.NewSharedCache(redisClient, logger, metrics)

	// L3: Postgres with pgvector.
	var semantic *cache.SemanticStore
	if dsn := v.GetString("database.dsn"); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		db.SetMaxOpenConns(v.GetInt("database.max_open_conns"))
		db.SetMaxIdleConns(v.GetInt("database.max_idle_conns"))

		if err := migrations.Up(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		semantic = cache.NewSemanticStore(db, logger, metrics)
		defer semantic.Close()
	} else {
		logger.Warn("No database configured, semantic tier disabled", nil)
	}

	// Embedding provider for semantic lookups.
	var embedder cache.Embedder
	if semantic != nil {
		if apiKey := v.GetString("embedding.api_key"); apiKey != "" {
			provider, err := embedding.NewOpenAIProvider(embedding.Config{
				APIKey:            apiKey,
				Endpoint:          v.GetString("embedding.endpoint"),
				Model:             v.GetString("embedding.model"),
				Dimensions:        cacheConfig.EmbeddingDimensions,
				RequestsPerSecond: v.GetFloat64("embedding.requests_per_second"),
			})
			if err != nil {
				return fmt.Errorf("create embedding provider: %w", err)
			}
			defer provider.Close()
			embedder = provider
		} else {
			logger.Warn("No embedding API key, semantic tier disabled", nil)
			semantic = nil
		}
	}

	local := cache.NewProcessCache(cacheConfig.L1Capacity, cacheConfig.L1TTL, logger)
	recorder := cache.NewLookupRecorder(cacheConfig, metrics)

	coordinator, err := cache.NewCoordinator(cacheConfig, local, shared, semantic, embedder, logger,
		cache.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	bus := cache.NewInvalidationBus(coordinator, shared, cacheConfig, logger, metrics)
	health := cache.NewHealthChecker(shared, semantic)

	serverConfig := api.DefaultConfig()
	if addr := v.GetString("api.listen_address"); addr != "" {
		serverConfig.ListenAddress = addr
	}
	server := api.NewServer(serverConfig, coordinator, bus, health, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
