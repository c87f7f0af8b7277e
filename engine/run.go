// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"archpilot/platform/cachestore"
	"archpilot/platform/engine/llm"
	"archpilot/platform/engine/llm/azure"
	"archpilot/platform/engine/llm/bedrock"
	"archpilot/platform/history"
	"archpilot/platform/shared/logger"
)

// Run is the process entry point: load configuration, wire every
// component explicitly, serve HTTP, and drain gracefully on SIGINT or
// SIGTERM.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New("pipeline")
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	factory, err := providerFactory(ctx, cfg)
	if err != nil {
		return err
	}

	pool, err := NewPool(cfg.PoolConfig(), factory, logger.New("pool"))
	if err != nil {
		return err
	}
	pool.SetMetrics(metrics)
	defer pool.Shutdown()

	orch, err := NewOrchestrator(DefaultGraph(), pool, OrchestratorConfig{
		MaxRevisions: cfg.MaxRevisions,
		NodeTimeout:  cfg.NodeTimeout,
		Retry:        llm.DefaultRetryConfig(),
	}, logger.New("orchestrator"), metrics)
	if err != nil {
		return err
	}

	var store cachestore.Store
	if cfg.Cache.RedisAddr != "" {
		redisStore, err := cachestore.NewRedisStore(ctx, cachestore.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			// Cache is best-effort: run without it rather than fail.
			log.Warn("", "redis unavailable, caching disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			store = redisStore
			defer func() { _ = redisStore.Close() }()
		}
	} else {
		store = cachestore.NewMemoryStore()
	}
	cache := NewResultCache(store, cfg.Cache.TTL, logger.New("cache"), metrics)

	var lessons LessonsProvider
	if cfg.History.MongoURI != "" {
		feedbackStore, err := history.NewMongoFeedbackStore(ctx, history.MongoConfig{URI: cfg.History.MongoURI})
		if err != nil {
			log.Warn("", "mongodb unavailable, historical learning disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			lessons = history.NewLearningService(feedbackStore, logger.New("history"))
			defer func() { _ = feedbackStore.Close(context.Background()) }()
		}
	}

	var recorder RunRecorder
	if cfg.History.PostgresDSN != "" {
		writer, err := history.NewRunWriter(ctx, cfg.History.PostgresDSN, logger.New("history"))
		if err != nil {
			log.Warn("", "postgres unavailable, run history disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			recorder = writer
			defer func() { _ = writer.Close() }()
		}
	}

	service := NewService(orch, cache, lessons, recorder, logger.New("engine"), metrics)
	server := NewServer(service, logger.New("http"), registry)

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "pipeline listening", map[string]interface{}{
			"addr":     cfg.ListenAddr,
			"provider": cfg.Provider,
		})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// providerFactory builds the pool's client factory for the configured
// backend, mapping each role to its deployment or model.
func providerFactory(ctx context.Context, cfg *Config) (ClientFactory, error) {
	switch cfg.Provider {
	case "azure-openai":
		deployments := map[Role]string{
			RoleCapable:  cfg.Azure.CapableDeployment,
			RoleCreative: cfg.Azure.CreativeDeployment,
			RoleMini:     cfg.Azure.MiniDeployment,
		}
		return func(role Role) (llm.Provider, error) {
			temperature := 0.7
			if role == RoleCreative {
				temperature = 0.9
			}
			return azure.NewProvider(fmt.Sprintf("azure-%s", role), azure.Config{
				Endpoint:    cfg.Azure.Endpoint,
				APIKey:      cfg.Azure.APIKey,
				Deployment:  deployments[role],
				Temperature: temperature,
			})
		}, nil

	case "bedrock":
		models := map[Role]string{
			RoleCapable:  cfg.Bedrock.CapableModel,
			RoleCreative: cfg.Bedrock.CreativeModel,
			RoleMini:     cfg.Bedrock.MiniModel,
		}
		return func(role Role) (llm.Provider, error) {
			temperature := 0.7
			if role == RoleCreative {
				temperature = 0.9
			}
			return bedrock.NewProvider(ctx, fmt.Sprintf("bedrock-%s", role), bedrock.Config{
				Region:          cfg.Bedrock.Region,
				ModelID:         models[role],
				AccessKeyID:     cfg.Bedrock.AccessKeyID,
				SecretAccessKey: cfg.Bedrock.SecretAccessKey,
				Temperature:     temperature,
			})
		}, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
