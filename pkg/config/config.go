// Package config loads rag-core settings from an optional YAML file and
// environment variables. Precedence, lowest to highest: built-in defaults,
// config file, environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvConfigFile names the environment variable that points at an
	// explicit config file. When set, the file must exist.
	EnvConfigFile = "RAG_CONFIG_FILE"

	envPrefix  = "RAG"
	configName = "rag-core"
)

// Config is the complete rag-core configuration.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Chunking    ChunkingConfig    `mapstructure:"chunking"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
}

// ChunkingConfig selects and tunes the chunking strategy. Setting Tier
// replaces the size fields with the recommended configuration for that
// tier; leave it empty to use the explicit values.
type ChunkingConfig struct {
	Strategy           string   `mapstructure:"strategy"`
	Tier               string   `mapstructure:"tier"`
	ChunkSize          int      `mapstructure:"chunk_size"`
	ChunkOverlap       int      `mapstructure:"chunk_overlap"`
	MinChunkSize       int      `mapstructure:"min_chunk_size"`
	MaxChunkSize       int      `mapstructure:"max_chunk_size"`
	RespectParagraphs  bool     `mapstructure:"respect_paragraphs"`
	RespectHeaders     bool     `mapstructure:"respect_headers"`
	PreserveCodeBlocks bool     `mapstructure:"preserve_code_blocks"`
	Separators         []string `mapstructure:"separators"`
}

// EmbeddingConfig selects the embedding provider and model. An empty Model
// with a non-empty Tier resolves to the provider's recommended model for
// that tier; both empty means the provider default.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	Tier     string `mapstructure:"tier"`

	// Bedrock. Region falls back to AWS_REGION; static credentials are
	// optional and default to the AWS credential chain.
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// OpenAI and local servers.
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// VectorStoreConfig selects the vector store backend. Endpoint serves the
// OpenSearch and Qdrant backends; DSN serves PGVector.
type VectorStoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	Endpoint       string        `mapstructure:"endpoint"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	APIKey         string        `mapstructure:"api_key"`
	DSN            string        `mapstructure:"dsn"`
	DistanceMetric string        `mapstructure:"distance_metric"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig tunes the embedding cache. Disabled means embed calls go
// straight to the provider; RedisAddr empty means memory-only.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	L1Size        int           `mapstructure:"l1_size"`
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// RetrievalConfig tunes query decomposition and search fusion.
type RetrievalConfig struct {
	MaxSubqueries  int       `mapstructure:"max_subqueries"`
	Limit          int       `mapstructure:"limit"`
	Threshold      float64   `mapstructure:"threshold"`
	CacheSize      int       `mapstructure:"cache_size"`
	MaxConcurrency int64     `mapstructure:"max_concurrency"`
	LLM            LLMConfig `mapstructure:"llm"`
}

// LLMConfig selects the completion model used for query decomposition.
// Region falls back to AWS_REGION; an empty region disables decomposition
// rather than failing startup.
type LLMConfig struct {
	Model          string        `mapstructure:"model"`
	Region         string        `mapstructure:"region"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PipelineConfig tunes document ingestion.
type PipelineConfig struct {
	IndexName      string `mapstructure:"index_name"`
	EmbedBatchSize int    `mapstructure:"embed_batch_size"`
	IndexBatchSize int    `mapstructure:"index_batch_size"`
}

// Load reads configuration from the file named by RAG_CONFIG_FILE, or from
// rag-core.yaml in . or ./configs when the variable is unset. A missing
// default file is fine; defaults and environment variables still apply.
func Load() (*Config, error) {
	v := viper.New()

	if file := os.Getenv(EnvConfigFile); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

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

// setDefaults registers every key with its default. Registration matters
// beyond the values: viper only surfaces environment overrides for keys it
// knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")

	// Chunking defaults mirror chunking.DefaultConfig.
	v.SetDefault("chunking.strategy", "semantic")
	v.SetDefault("chunking.tier", "")
	v.SetDefault("chunking.chunk_size", 800)
	v.SetDefault("chunking.chunk_overlap", 150)
	v.SetDefault("chunking.min_chunk_size", 100)
	v.SetDefault("chunking.max_chunk_size", 1600)
	v.SetDefault("chunking.respect_paragraphs", true)
	v.SetDefault("chunking.respect_headers", true)
	v.SetDefault("chunking.preserve_code_blocks", true)
	v.SetDefault("chunking.separators", []string{})

	v.SetDefault("embedding.provider", "bedrock")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.tier", "")
	v.SetDefault("embedding.region", "")
	v.SetDefault("embedding.access_key_id", "")
	v.SetDefault("embedding.secret_access_key", "")
	v.SetDefault("embedding.session_token", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.request_timeout", "30s")
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.max_concurrency", 4)
	v.SetDefault("embedding.batch_size", 0)

	v.SetDefault("vector_store.backend", "pgvector")
	v.SetDefault("vector_store.endpoint", "")
	v.SetDefault("vector_store.username", "")
	v.SetDefault("vector_store.password", "")
	v.SetDefault("vector_store.api_key", "")
	v.SetDefault("vector_store.dsn", "")
	v.SetDefault("vector_store.distance_metric", "cosine")
	v.SetDefault("vector_store.request_timeout", "30s")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.l1_size", 2048)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("retrieval.max_subqueries", 4)
	v.SetDefault("retrieval.limit", 10)
	v.SetDefault("retrieval.threshold", 0.0)
	v.SetDefault("retrieval.cache_size", 256)
	v.SetDefault("retrieval.max_concurrency", 4)
	v.SetDefault("retrieval.llm.model", "anthropic.claude-v2")
	v.SetDefault("retrieval.llm.region", "")
	v.SetDefault("retrieval.llm.request_timeout", "30s")

	v.SetDefault("pipeline.index_name", "rag_chunks")
	v.SetDefault("pipeline.embed_batch_size", 0)
	v.SetDefault("pipeline.index_batch_size", 0)
}

// bindEnvVars wires environment variables. Any key is reachable as
// RAG_<KEY> with dots replaced by underscores (RAG_EMBEDDING_PROVIDER,
// RAG_VECTOR_STORE_BACKEND); the explicit bindings below accept the
// conventional unprefixed names as fallbacks.
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("embedding.region", "AWS_REGION")
	_ = v.BindEnv("embedding.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("embedding.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("embedding.session_token", "AWS_SESSION_TOKEN")
	_ = v.BindEnv("embedding.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("vector_store.dsn", "DATABASE_URL")
	_ = v.BindEnv("cache.redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("cache.redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("retrieval.llm.region", "AWS_REGION")
}

var (
	logLevels  = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	strategies = []string{"semantic", "fixed", "fixed_size", "recursive"}
	providers  = []string{"bedrock", "openai", "local"}
	backends   = []string{"opensearch", "pgvector", "qdrant"}
	metrics    = []string{"cosine", "euclidean", "l2", "dot_product", "inner_product", "manhattan", "l1"}
	tiers      = []string{"", "economy", "standard", "premium"}
)

// Validate checks enumerated fields and cross-field constraints. Settings
// whose validity depends on runtime state (credentials, reachability) are
// left to the component constructors.
func (c *Config) Validate() error {
	if !contains(logLevels, strings.ToUpper(c.LogLevel)) {
		return fmt.Errorf("invalid log level: %q (supported: %s)",
			c.LogLevel, strings.Join(logLevels, ", "))
	}

	if !contains(strategies, normalize(c.Chunking.Strategy)) {
		return fmt.Errorf("invalid chunking strategy: %q (supported: %s)",
			c.Chunking.Strategy, strings.Join(strategies, ", "))
	}
	if !contains(tiers, normalize(c.Chunking.Tier)) {
		return fmt.Errorf("invalid chunking tier: %q", c.Chunking.Tier)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be non-negative and smaller than chunk size %d",
			c.Chunking.ChunkOverlap, c.Chunking.ChunkSize)
	}

	if !contains(providers, normalize(c.Embedding.Provider)) {
		return fmt.Errorf("invalid embedding provider: %q (supported: %s)",
			c.Embedding.Provider, strings.Join(providers, ", "))
	}
	if !contains(tiers, normalize(c.Embedding.Tier)) {
		return fmt.Errorf("invalid embedding tier: %q", c.Embedding.Tier)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.Embedding.MaxRetries)
	}

	if !contains(backends, normalize(c.VectorStore.Backend)) {
		return fmt.Errorf("invalid vector store backend: %q (supported: %s)",
			c.VectorStore.Backend, strings.Join(backends, ", "))
	}
	if !contains(metrics, normalize(c.VectorStore.DistanceMetric)) {
		return fmt.Errorf("invalid distance metric: %q (supported: %s)",
			c.VectorStore.DistanceMetric, strings.Join(metrics, ", "))
	}

	if c.Retrieval.MaxSubqueries < 1 {
		return fmt.Errorf("max subqueries must be at least 1, got %d", c.Retrieval.MaxSubqueries)
	}
	if c.Retrieval.Limit < 1 {
		return fmt.Errorf("retrieval limit must be at least 1, got %d", c.Retrieval.Limit)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval threshold must be in [0, 1], got %g", c.Retrieval.Threshold)
	}

	if strings.TrimSpace(c.Pipeline.IndexName) == "" {
		return fmt.Errorf("pipeline index name is required")
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func contains(set []string, value string) bool {
	for _, entry := range set {
		if entry == value {
			return true
		}
	}
	return false
}
