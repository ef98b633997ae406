// ragctl ingests documents into a vector index and queries them back.
//
// Configuration comes from rag-core.yaml and RAG_* environment variables;
// flags override the handful of settings that vary per invocation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/developer-mesh/rag-core/pkg/chunking"
	"github.com/developer-mesh/rag-core/pkg/config"
	"github.com/developer-mesh/rag-core/pkg/embedding"
	"github.com/developer-mesh/rag-core/pkg/embedding/cache"
	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
	"github.com/developer-mesh/rag-core/pkg/pipeline"
	"github.com/developer-mesh/rag-core/pkg/retrieval"
	"github.com/developer-mesh/rag-core/pkg/vectorstore"
)

const previewLength = 100

var (
	command     = flag.String("command", "", "Command to execute (ingest, search, decompose, health, delete, count)")
	file        = flag.String("file", "", "Path of the document to ingest")
	documentID  = flag.String("id", "", "Document ID (generated on ingest when empty)")
	contentType = flag.String("content-type", "", "Content type override (text, markdown, code)")
	metadata    = flag.String("metadata", "", "Comma-separated key=value pairs attached to the document")
	query       = flag.String("query", "", "Question for the search and decompose commands")
	limit       = flag.Int("limit", 0, "Maximum results for the search command")
	threshold   = flag.Float64("threshold", -1, "Minimum normalized score for the search command")
	indexName   = flag.String("index", "", "Index name override")
	timeout     = flag.Duration("timeout", 5*time.Minute, "Overall command timeout")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *indexName != "" {
		cfg.Pipeline.IndexName = *indexName
	}
	if *limit > 0 {
		cfg.Retrieval.Limit = *limit
	}
	if *threshold >= 0 {
		cfg.Retrieval.Threshold = *threshold
	}

	logger := observability.NewStandardLoggerWithLevel("ragctl",
		observability.LogLevel(strings.ToUpper(cfg.LogLevel)))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *command {
	case "ingest":
		err = runIngest(ctx, cfg, logger)
	case "search":
		err = runSearch(ctx, cfg, logger)
	case "decompose":
		err = runDecompose(ctx, cfg, logger)
	case "health":
		err = runHealth(ctx, cfg, logger)
	case "delete":
		err = runDelete(ctx, cfg, logger)
	case "count":
		err = runCount(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown command: %q (supported: ingest, search, decompose, health, delete, count)", *command)
	}

	if err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runIngest(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if *file == "" {
		return fmt.Errorf("-file is required for the ingest command")
	}
	content, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	meta, err := parseMetadata(*metadata)
	if err != nil {
		return err
	}
	if _, ok := meta["source"]; !ok {
		meta["source"] = filepath.Base(*file)
	}

	ctype := *contentType
	if ctype == "" {
		ctype = detectContentType(*file)
	}

	chunker, err := newChunker(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create chunker: %w", err)
	}
	embedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding service: %w", err)
	}
	defer embedder.Close()
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer store.Close()

	metric, err := vectorstore.NormalizeMetric(cfg.VectorStore.DistanceMetric)
	if err != nil {
		return err
	}
	p, err := pipeline.NewPipeline(chunker, embedder, store, pipeline.Config{
		IndexName:      cfg.Pipeline.IndexName,
		Metric:         metric,
		EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
		IndexBatchSize: cfg.Pipeline.IndexBatchSize,
		Metrics:        observability.NewMetricsClient(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	result, err := p.IngestDocument(ctx, &models.Document{
		ID:          *documentID,
		Content:     string(content),
		ContentType: ctype,
		Metadata:    meta,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Ingested document %s: %d chunks, %d indexed, %d failed in %s\n",
		result.DocumentID, result.ChunkCount, result.IndexedCount, result.FailedCount,
		result.Duration.Round(time.Millisecond))
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}

func runSearch(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if *query == "" {
		return fmt.Errorf("-query is required for the search command")
	}

	embedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create embedding service: %w", err)
	}
	defer embedder.Close()
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer store.Close()

	retriever, err := newRetriever(cfg, embedder, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}

	result, err := retriever.Retrieve(ctx, *query, retrieval.RetrieveOptions{
		IndexName:     cfg.Pipeline.IndexName,
		Limit:         cfg.Retrieval.Limit,
		Threshold:     cfg.Retrieval.Threshold,
		MaxSubqueries: cfg.Retrieval.MaxSubqueries,
	})
	if err != nil {
		return err
	}

	if len(result.SubQueries) > 1 {
		fmt.Printf("Decomposed into %d sub-queries:\n", len(result.SubQueries))
		for _, sq := range result.SubQueries {
			fmt.Printf("  - %s\n", sq)
		}
		fmt.Println()
	}

	fmt.Printf("Found %d results in %s:\n\n", len(result.Results), result.SearchTime.Round(time.Millisecond))
	for i, r := range result.Results {
		fmt.Printf("%d. %s (score %.4f)\n", i+1, r.ChunkID, r.Score)
		preview := r.Content
		if len(preview) > previewLength {
			preview = preview[:previewLength] + "..."
		}
		fmt.Printf("   %s\n\n", preview)
	}
	return nil
}

func runDecompose(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if *query == "" {
		return fmt.Errorf("-query is required for the decompose command")
	}

	decomposer, err := newDecomposer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create decomposer: %w", err)
	}

	subQueries := decomposer.Decompose(ctx, *query, cfg.Retrieval.MaxSubqueries)
	fmt.Printf("Decomposed into %d sub-queries:\n", len(subQueries))
	for i, sq := range subQueries {
		fmt.Printf("%d. %s\n", i+1, sq)
	}
	return nil
}

func runHealth(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	failed := 0

	embedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("embedding: failed: %v\n", err)
		failed++
	} else {
		defer embedder.Close()
		if err := embedder.HealthCheck(ctx); err != nil {
			fmt.Printf("embedding: failed: %v\n", err)
			failed++
		} else {
			info := embedder.ModelInfo()
			fmt.Printf("embedding: ok (provider %s, model %s, %d dimensions)\n",
				info.Provider, info.ModelID, info.Dimension)
		}
	}

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("vector store: failed: %v\n", err)
		failed++
	} else {
		defer store.Close()
		if err := store.HealthCheck(ctx); err != nil {
			fmt.Printf("vector store: failed: %v\n", err)
			failed++
		} else {
			fmt.Printf("vector store: ok (backend %s)\n", cfg.VectorStore.Backend)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d health checks failed", failed)
	}
	return nil
}

func runDelete(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if *documentID == "" {
		return fmt.Errorf("-id is required for the delete command")
	}
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer store.Close()

	deleted, err := store.DeleteByDocumentID(ctx, cfg.Pipeline.IndexName, *documentID)
	if err != nil {
		return err
	}
	if deleted {
		fmt.Printf("Deleted document %s from %s\n", *documentID, cfg.Pipeline.IndexName)
	} else {
		fmt.Printf("Document %s not found in %s\n", *documentID, cfg.Pipeline.IndexName)
	}
	return nil
}

func runCount(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if *documentID == "" {
		return fmt.Errorf("-id is required for the count command")
	}
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer store.Close()

	count, err := store.DocumentCount(ctx, cfg.Pipeline.IndexName, *documentID)
	if err != nil {
		return err
	}
	fmt.Printf("Document %s has %d chunks in %s\n", *documentID, count, cfg.Pipeline.IndexName)
	return nil
}

func newChunker(cfg *config.Config, logger observability.Logger) (chunking.Chunker, error) {
	ccfg := chunking.Config{
		ChunkSize:          cfg.Chunking.ChunkSize,
		ChunkOverlap:       cfg.Chunking.ChunkOverlap,
		MinChunkSize:       cfg.Chunking.MinChunkSize,
		MaxChunkSize:       cfg.Chunking.MaxChunkSize,
		RespectParagraphs:  cfg.Chunking.RespectParagraphs,
		RespectHeaders:     cfg.Chunking.RespectHeaders,
		PreserveCodeBlocks: cfg.Chunking.PreserveCodeBlocks,
		Separators:         cfg.Chunking.Separators,
	}
	if cfg.Chunking.Tier != "" {
		tiered, err := chunking.TierConfig(cfg.Chunking.Strategy, cfg.Chunking.Tier)
		if err != nil {
			return nil, err
		}
		ccfg = tiered
	}
	return chunking.New(cfg.Chunking.Strategy, ccfg, logger)
}

// newEmbedder builds the provider, initializes it, and wraps it in the
// tiered cache when caching is enabled.
func newEmbedder(ctx context.Context, cfg *config.Config, logger observability.Logger) (embedding.Service, error) {
	model := cfg.Embedding.Model
	if model == "" && cfg.Embedding.Tier != "" {
		resolved, err := embedding.TierModel(cfg.Embedding.Provider, cfg.Embedding.Tier)
		if err != nil {
			return nil, err
		}
		model = resolved
	}

	svc, err := embedding.New(cfg.Embedding.Provider, embedding.Config{
		Provider:        cfg.Embedding.Provider,
		Model:           model,
		Region:          cfg.Embedding.Region,
		AccessKeyID:     cfg.Embedding.AccessKeyID,
		SecretAccessKey: cfg.Embedding.SecretAccessKey,
		SessionToken:    cfg.Embedding.SessionToken,
		APIKey:          cfg.Embedding.APIKey,
		Endpoint:        cfg.Embedding.Endpoint,
		RequestTimeout:  cfg.Embedding.RequestTimeout,
		MaxRetries:      cfg.Embedding.MaxRetries,
		MaxConcurrency:  cfg.Embedding.MaxConcurrency,
		BatchSize:       cfg.Embedding.BatchSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := svc.Initialize(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}

	if !cfg.Cache.Enabled {
		return svc, nil
	}
	tiered, err := cache.NewTieredCache(cache.Config{
		L1Size:        cfg.Cache.L1Size,
		TTL:           cfg.Cache.TTL,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
	}, logger)
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	return cache.NewCachedService(svc, tiered, logger), nil
}

func newStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (vectorstore.Store, error) {
	metric, err := vectorstore.NormalizeMetric(cfg.VectorStore.DistanceMetric)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(cfg.VectorStore.Backend, vectorstore.Config{
		Backend:        cfg.VectorStore.Backend,
		Endpoint:       cfg.VectorStore.Endpoint,
		Username:       cfg.VectorStore.Username,
		Password:       cfg.VectorStore.Password,
		APIKey:         cfg.VectorStore.APIKey,
		DSN:            cfg.VectorStore.DSN,
		Metric:         metric,
		RequestTimeout: cfg.VectorStore.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newRetriever wires query decomposition when a completion region is
// configured; without one, questions run as-is.
func newRetriever(cfg *config.Config, embedder embedding.Service, store vectorstore.Store, logger observability.Logger) (*retrieval.Retriever, error) {
	decomposer, err := newDecomposer(cfg, logger)
	if err != nil {
		return nil, err
	}

	return retrieval.NewRetriever(embedder, store, decomposer, retrieval.RetrieverConfig{
		MaxConcurrency: cfg.Retrieval.MaxConcurrency,
		CacheSize:      cfg.Retrieval.CacheSize,
		Metrics:        observability.NewMetricsClient(),
	}, logger)
}

func newDecomposer(cfg *config.Config, logger observability.Logger) (*retrieval.Decomposer, error) {
	if cfg.Retrieval.LLM.Region == "" {
		logger.Info("no completion region configured, query decomposition disabled", nil)
		return retrieval.NewDecomposer(nil, logger), nil
	}

	llm, err := retrieval.NewBedrockLLMClient(retrieval.BedrockLLMConfig{
		Region:          cfg.Retrieval.LLM.Region,
		Model:           cfg.Retrieval.LLM.Model,
		AccessKeyID:     cfg.Embedding.AccessKeyID,
		SecretAccessKey: cfg.Embedding.SecretAccessKey,
		SessionToken:    cfg.Embedding.SessionToken,
		RequestTimeout:  cfg.Retrieval.LLM.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return retrieval.NewDecomposer(llm, logger), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return models.ContentTypeMarkdown
	case ".go", ".py", ".js", ".ts", ".java", ".rb", ".rs", ".c", ".cpp", ".h", ".sh", ".sql":
		return models.ContentTypeCode
	default:
		return models.ContentTypeText
	}
}

func parseMetadata(input string) (map[string]interface{}, error) {
	meta := map[string]interface{}{}
	if input == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid metadata pair: %q (expected key=value)", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid metadata pair: %q (empty key)", pair)
		}
		meta[key] = strings.TrimSpace(value)
	}
	return meta, nil
}
