// Package config loads and validates configuration for the RAG core.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the storage implementation. Exactly one is active per
// process.
type Backend string

const (
	BackendDistributed Backend = "distributed"
	BackendEmbedded    Backend = "embedded"
)

// Config is the complete configuration for the RAG core.
type Config struct {
	Service    ServiceConfig     `mapstructure:"service"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Sqlite     SqliteConfig      `mapstructure:"sqlite"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Chunk      ChunkConfig       `mapstructure:"chunk"`
	Embedding  EmbeddingConfig   `mapstructure:"embedding"`
	LLM        LLMConfig         `mapstructure:"llm"`
	KG         KGConfig          `mapstructure:"kg"`
	Query      QueryConfig       `mapstructure:"query"`
	Resolution ResolutionConfig  `mapstructure:"entity_resolution"`
	Retry      RetryConfig       `mapstructure:"retry"`
	Reranker   RerankerConfig    `mapstructure:"reranker"`
	VectorIdx  VectorIndexConfig `mapstructure:"vector_index"`
	Timeouts   TimeoutConfig     `mapstructure:"timeouts"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	LogLevel        string        `mapstructure:"log_level"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Backend Backend `mapstructure:"backend"`
}

// DatabaseConfig contains distributed-backend connection settings.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode)
}

// SqliteConfig contains embedded-backend settings.
type SqliteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	CacheSizeMB int           `mapstructure:"cache_size_mb"`
}

// RedisConfig configures the optional read-through extraction cache layer.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// ChunkConfig configures the chunkers.
type ChunkConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	BatchSize int    `mapstructure:"batch_size"`
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// KGConfig configures knowledge-graph extraction.
type KGConfig struct {
	ExtractionBatchSize int      `mapstructure:"extraction_batch_size"`
	EntityTypes         []string `mapstructure:"entity_types"`
	Language            string   `mapstructure:"language"`
}

// QueryConfig configures retrieval.
type QueryConfig struct {
	TopK      int `mapstructure:"top_k"`
	ChunkTopK int `mapstructure:"chunk_top_k"`
	// MixMaxDepth and MixMaxNodes bound the MIX-mode BFS expansion.
	MixMaxDepth int `mapstructure:"mix_max_depth"`
	MixMaxNodes int `mapstructure:"mix_max_nodes"`
}

// ResolutionWeights is the similarity metric mix; must sum to 1.0.
type ResolutionWeights struct {
	Jaccard     float64 `mapstructure:"jaccard"`
	Containment float64 `mapstructure:"containment"`
	Edit        float64 `mapstructure:"edit"`
	Acronym     float64 `mapstructure:"acronym"`
}

// Sum returns the total weight.
func (w ResolutionWeights) Sum() float64 {
	return w.Jaccard + w.Containment + w.Edit + w.Acronym
}

// ResolutionConfig configures entity deduplication.
type ResolutionConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Threshold  float64           `mapstructure:"threshold"`
	Weights    ResolutionWeights `mapstructure:"weights"`
	MaxAliases int               `mapstructure:"max_aliases"`
	Threads    int               `mapstructure:"threads"`
	BatchSize  int               `mapstructure:"batch_size"`
}

// RetryConfig configures the resilience layer.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            time.Duration `mapstructure:"jitter"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
}

// RerankerConfig configures the reranker.
type RerankerConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	MinScore float64       `mapstructure:"min_score"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// VectorIndexConfig configures the distributed backend's ANN index.
type VectorIndexConfig struct {
	IndexType          string `mapstructure:"index_type"`
	HNSWM              int    `mapstructure:"hnsw_m"`
	HNSWEfConstruction int    `mapstructure:"hnsw_ef_construction"`
	IVFFlatLists       int    `mapstructure:"ivf_flat_lists"`
}

// TimeoutConfig bounds external and storage calls.
type TimeoutConfig struct {
	LLM       time.Duration `mapstructure:"llm"`
	Embedding time.Duration `mapstructure:"embedding"`
	Rerank    time.Duration `mapstructure:"rerank"`
	Storage   time.Duration `mapstructure:"storage"`
	BFSLevel  time.Duration `mapstructure:"bfs_level"`
	Query     time.Duration `mapstructure:"query"`
}

// Load reads configuration from ragmesh.yaml plus environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("ragmesh")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.metrics_addr", ":2112")
	v.SetDefault("service.shutdown_timeout", "30s")

	v.SetDefault("storage.backend", string(BackendDistributed))

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ragmesh")
	v.SetDefault("database.username", "ragmesh")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("sqlite.path", "ragmesh.db")
	v.SetDefault("sqlite.busy_timeout", "30s")
	v.SetDefault("sqlite.cache_size_mb", 64)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)

	v.SetDefault("chunk.size", 1200)
	v.SetDefault("chunk.overlap", 100)

	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.model", "text-embedding-3-small")

	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("kg.extraction_batch_size", 20)
	v.SetDefault("kg.entity_types", []string{
		"PERSON", "ORGANIZATION", "LOCATION", "EVENT", "CONCEPT", "PRODUCT", "TECHNOLOGY",
	})
	v.SetDefault("kg.language", "English")

	v.SetDefault("query.top_k", 10)
	v.SetDefault("query.chunk_top_k", 5)
	v.SetDefault("query.mix_max_depth", 2)
	v.SetDefault("query.mix_max_nodes", 50)

	v.SetDefault("entity_resolution.enabled", true)
	v.SetDefault("entity_resolution.threshold", 0.75)
	v.SetDefault("entity_resolution.weights.jaccard", 0.35)
	v.SetDefault("entity_resolution.weights.containment", 0.25)
	v.SetDefault("entity_resolution.weights.edit", 0.30)
	v.SetDefault("entity_resolution.weights.acronym", 0.10)
	v.SetDefault("entity_resolution.max_aliases", 5)
	v.SetDefault("entity_resolution.threads", 4)
	v.SetDefault("entity_resolution.batch_size", 200)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "500ms")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter", "100ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.max_duration", "30s")

	v.SetDefault("reranker.provider", "none")
	v.SetDefault("reranker.min_score", 0.1)
	v.SetDefault("reranker.timeout", "2s")

	v.SetDefault("vector_index.index_type", "HNSW")
	v.SetDefault("vector_index.hnsw_m", 16)
	v.SetDefault("vector_index.hnsw_ef_construction", 64)
	v.SetDefault("vector_index.ivf_flat_lists", 100)

	v.SetDefault("timeouts.llm", "60s")
	v.SetDefault("timeouts.embedding", "30s")
	v.SetDefault("timeouts.rerank", "3s")
	v.SetDefault("timeouts.storage", "30s")
	v.SetDefault("timeouts.bfs_level", "10s")
	v.SetDefault("timeouts.query", "120s")
}

func bindEnvVars(v *viper.Viper) {
	v.AutomaticEnv()

	_ = v.BindEnv("service.log_level", "LOG_LEVEL")
	_ = v.BindEnv("storage.backend", "RAGMESH_STORAGE_BACKEND")
	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "DATABASE_PORT")
	_ = v.BindEnv("database.database", "DATABASE_NAME")
	_ = v.BindEnv("database.username", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	_ = v.BindEnv("sqlite.path", "RAGMESH_SQLITE_PATH")
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	_ = v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("reranker.api_key", "RERANKER_API_KEY")
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendDistributed, BackendEmbedded:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Chunk.Size <= 0 {
		return fmt.Errorf("chunk.size must be positive, got %d", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("chunk.overlap must be in [0, chunk.size), got %d", c.Chunk.Overlap)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.KG.ExtractionBatchSize <= 0 {
		return fmt.Errorf("kg.extraction_batch_size must be positive, got %d", c.KG.ExtractionBatchSize)
	}
	if c.Query.TopK <= 0 || c.Query.ChunkTopK <= 0 {
		return fmt.Errorf("query.top_k and query.chunk_top_k must be positive")
	}

	if sum := c.Resolution.Weights.Sum(); math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("entity_resolution.weights must sum to 1.0, got %.4f", sum)
	}
	if c.Resolution.Threshold <= 0 || c.Resolution.Threshold > 1 {
		return fmt.Errorf("entity_resolution.threshold must be in (0, 1], got %.2f", c.Resolution.Threshold)
	}

	switch c.Reranker.Provider {
	case "none", "cohere", "jina":
	default:
		return fmt.Errorf("unknown reranker provider %q", c.Reranker.Provider)
	}

	switch c.VectorIdx.IndexType {
	case "HNSW", "IVF_FLAT":
	default:
		return fmt.Errorf("unknown vector index type %q", c.VectorIdx.IndexType)
	}

	return nil
}
