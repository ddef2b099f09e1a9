// Package app is the composition root: it turns a validated Config into
// the wired set of services the process runs. All construction happens
// here so the binary's main stays a thin shell.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/ragmesh/ragmesh/internal/config"
	"github.com/ragmesh/ragmesh/internal/extraction"
	"github.com/ragmesh/ragmesh/internal/ingest"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/merge"
	"github.com/ragmesh/ragmesh/internal/project"
	"github.com/ragmesh/ragmesh/internal/query"
	"github.com/ragmesh/ragmesh/internal/rerank"
	"github.com/ragmesh/ragmesh/internal/resolver"
	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/internal/storage/postgres"
	"github.com/ragmesh/ragmesh/internal/storage/sqlite"
	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// App bundles the wired services and the resources they own.
type App struct {
	Store    storage.Store
	Tracker  *llm.TokenTracker
	Pipeline *ingest.Pipeline
	Engine   *query.Engine
	Projects *project.Service
	Merger   *merge.Service
	Metrics  *observability.PrometheusMetrics

	backend interface{ Close() error }
	redis   *redis.Client
}

// New wires the application from configuration. The caller owns the
// returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger observability.Logger) (*App, error) {
	metrics := observability.NewPrometheusMetrics("ragmesh")
	emitter := observability.NewLogEmitter(logger, metrics)

	store, backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// every storage path runs under the retry fabric
	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Multiplier:   cfg.Retry.BackoffMultiplier,
		Jitter:       cfg.Retry.Jitter,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxDuration:  cfg.Retry.MaxDuration,
	}, logger, emitter)
	store = storage.WithRetry(store, retryer)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, extraction cache degrades to LRU+store", map[string]interface{}{
				"address": cfg.Redis.Address,
				"error":   err.Error(),
			})
		}
	}

	tracker := llm.NewTokenTracker()
	client := llm.NewHTTPClient(llm.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.Timeouts.LLM,
	}, tracker, logger)
	embedder := llm.NewHTTPEmbedder(llm.EmbedderConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Timeouts.Embedding,
	}, tracker, logger)

	cache, err := extraction.NewCache(store.ExtractionCache, redisClient, logger, emitter)
	if err != nil {
		closeQuiet(backend, redisClient)
		return nil, fmt.Errorf("failed to create extraction cache: %w", err)
	}
	extractor := extraction.NewService(client, cache, extraction.Config{
		EntityTypes: cfg.KG.EntityTypes,
		Language:    cfg.KG.Language,
		Concurrency: cfg.KG.ExtractionBatchSize,
	}, logger)

	var entityResolver ingest.Resolver
	if cfg.Resolution.Enabled {
		entityResolver = resolver.New(resolver.Config{
			Threshold: cfg.Resolution.Threshold,
			Weights: resolver.Weights{
				Jaccard:     cfg.Resolution.Weights.Jaccard,
				Containment: cfg.Resolution.Weights.Containment,
				Edit:        cfg.Resolution.Weights.Edit,
				Acronym:     cfg.Resolution.Weights.Acronym,
			},
			Workers:    cfg.Resolution.Threads,
			BatchSize:  cfg.Resolution.BatchSize,
			MaxAliases: cfg.Resolution.MaxAliases,
		}, logger)
	}

	reranker, err := rerank.NewService(rerank.Config{
		Provider: cfg.Reranker.Provider,
		BaseURL:  cfg.Reranker.BaseURL,
		APIKey:   cfg.Reranker.APIKey,
		Model:    cfg.Reranker.Model,
		MinScore: cfg.Reranker.MinScore,
		Timeout:  cfg.Reranker.Timeout,
	}, logger)
	if err != nil {
		closeQuiet(backend, redisClient)
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}

	pipeline := ingest.New(store, embedder, extractor, entityResolver, ingest.Config{
		ChunkSize:      cfg.Chunk.Size,
		ChunkOverlap:   cfg.Chunk.Overlap,
		EmbeddingModel: cfg.Embedding.Model,
	}, logger, emitter)

	engine := query.New(store, embedder, client, reranker, extractor, query.Config{
		TopK:        cfg.Query.TopK,
		ChunkTopK:   cfg.Query.ChunkTopK,
		MixMaxDepth: cfg.Query.MixMaxDepth,
		MixMaxNodes: cfg.Query.MixMaxNodes,
		Timeout:     cfg.Timeouts.Query,
	}, logger, emitter)

	merger := merge.NewService(store.Graph, store.Vectors, client, merge.StrategyConcatenate, logger, emitter)
	projects := project.NewService(store, cache, logger)

	return &App{
		Store:    store,
		Tracker:  tracker,
		Pipeline: pipeline,
		Engine:   engine,
		Projects: projects,
		Merger:   merger,
		Metrics:  metrics,
		backend:  backend,
		redis:    redisClient,
	}, nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger observability.Logger) (storage.Store, interface{ Close() error }, error) {
	switch cfg.Storage.Backend {
	case config.BackendDistributed:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:                cfg.Database.DSN(),
			Dimension:          cfg.Embedding.Dimension,
			MaxConns:           cfg.Database.MaxConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			IndexType:          postgres.IndexType(cfg.VectorIdx.IndexType),
			HNSWM:              cfg.VectorIdx.HNSWM,
			HNSWEfConstruction: cfg.VectorIdx.HNSWEfConstruction,
			IVFFlatLists:       cfg.VectorIdx.IVFFlatLists,
			BFSLevelTimeout:    cfg.Timeouts.BFSLevel,
		}, logger)
		if err != nil {
			return storage.Store{}, nil, fmt.Errorf("failed to open distributed backend: %w", err)
		}
		return store.Contracts(), store, nil

	case config.BackendEmbedded:
		store, err := sqlite.New(sqlite.Config{
			Path:            cfg.Sqlite.Path,
			Dimension:       cfg.Embedding.Dimension,
			BusyTimeout:     cfg.Sqlite.BusyTimeout,
			CacheSizeMB:     cfg.Sqlite.CacheSizeMB,
			BFSLevelTimeout: cfg.Timeouts.BFSLevel,
		}, logger)
		if err != nil {
			return storage.Store{}, nil, fmt.Errorf("failed to open embedded backend: %w", err)
		}
		return store.Contracts(), store, nil

	default:
		return storage.Store{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func closeQuiet(backend interface{ Close() error }, redisClient *redis.Client) {
	if backend != nil {
		_ = backend.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// Close releases the backend pool and the redis connection.
func (a *App) Close() error {
	var firstErr error
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			firstErr = err
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
