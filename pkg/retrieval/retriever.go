package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/rag-core/pkg/embedding"
	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
	"github.com/developer-mesh/rag-core/pkg/vectorstore"
)

const (
	defaultRetrieveConcurrency = 4

	// defaultDecompositionCacheSize bounds the in-memory cache of question ->
	// sub-queries. Decomposition is the slowest step of a retrieval, and
	// repeated questions are common in chat sessions.
	defaultDecompositionCacheSize = 256

	// candidateMultiplier widens each sub-query search so rank fusion has
	// enough overlapping candidates to merge.
	candidateMultiplier = 3
)

// RetrieveOptions carries one retrieval call's parameters.
type RetrieveOptions struct {
	// IndexName is the vector store index to search. Required.
	IndexName string

	// Limit caps the fused result count. Defaults to
	// vectorstore.DefaultSearchLimit.
	Limit int

	// Threshold drops fused results scoring below it. Applied after fusion
	// re-normalizes scores to [0,1]; zero keeps everything.
	Threshold float64

	// Filters are exact-match metadata filters ANDed into every sub-query
	// search.
	Filters map[string]interface{}

	// MaxSubqueries caps decomposition. Non-positive means
	// DefaultMaxSubqueries.
	MaxSubqueries int
}

func (o RetrieveOptions) withDefaults() RetrieveOptions {
	if o.Limit <= 0 {
		o.Limit = vectorstore.DefaultSearchLimit
	}
	return o
}

// RetrievalResult is one retrieval call's outcome: the sub-queries actually
// searched and the fused, ranked results.
type RetrievalResult struct {
	Question   string                 `json:"question"`
	SubQueries []string               `json:"sub_queries"`
	Results    []*models.SearchResult `json:"results"`
	SearchTime time.Duration          `json:"search_time"`
}

// RetrieverConfig carries the retriever's operational knobs.
type RetrieverConfig struct {
	// MaxConcurrency bounds concurrent sub-query embed+search calls.
	MaxConcurrency int64 `mapstructure:"max_concurrency"`

	// CacheSize bounds the decomposition cache entry count.
	CacheSize int `mapstructure:"cache_size"`

	// Metrics records per-sub-query embed and search outcomes. Nil
	// disables recording.
	Metrics observability.MetricsClient `mapstructure:"-"`
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultRetrieveConcurrency
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultDecompositionCacheSize
	}
	return c
}

// Retriever answers questions against a vector index: decompose into
// sub-queries, embed and search each concurrently, then fuse the ranked sets
// into one list. Safe for concurrent use.
type Retriever struct {
	embedder   embedding.Service
	store      vectorstore.Store
	decomposer *Decomposer
	sem        *semaphore.Weighted
	cache      *lru.Cache[string, []string]
	metrics    observability.MetricsClient
	logger     observability.Logger
}

// NewRetriever wires a retriever. A nil decomposer still works: questions
// are searched as-is without LLM decomposition.
func NewRetriever(embedder embedding.Service, store vectorstore.Store, decomposer *Decomposer, cfg RetrieverConfig, logger observability.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("embedding service is required")
	}
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if logger == nil {
		logger = observability.NewStandardLogger("retrieval")
	}
	if decomposer == nil {
		decomposer = NewDecomposer(nil, logger)
	}
	cfg = cfg.withDefaults()

	cache, err := lru.New[string, []string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decomposition cache: %w", err)
	}

	return &Retriever{
		embedder:   embedder,
		store:      store,
		decomposer: decomposer,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		cache:      cache,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// Retrieve runs the full retrieval pipeline for question. Individual
// sub-query failures degrade the result and are logged; the call errors only
// on invalid input, cancellation, or when every sub-query search failed.
func (r *Retriever) Retrieve(ctx context.Context, question string, opts RetrieveOptions) (*RetrievalResult, error) {
	if err := ValidateQuestion(question); err != nil {
		return nil, err
	}
	if opts.IndexName == "" {
		return nil, errors.New("index name is required")
	}
	opts = opts.withDefaults()

	start := time.Now()
	subQueries := r.decompose(ctx, question, opts.MaxSubqueries)
	weights := subQueryWeights(len(subQueries))

	sets, failed, err := r.searchAll(ctx, subQueries, opts)
	if err != nil {
		return nil, err
	}
	if failed == len(subQueries) {
		return nil, fmt.Errorf("all %d sub-query searches failed", len(subQueries))
	}

	results := fuseResults(sets, weights)
	results = filterByScore(results, opts.Threshold)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	r.logger.Info("retrieval complete", map[string]interface{}{
		"index":       opts.IndexName,
		"sub_queries": len(subQueries),
		"results":     len(results),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &RetrievalResult{
		Question:   question,
		SubQueries: subQueries,
		Results:    results,
		SearchTime: time.Since(start),
	}, nil
}

// decompose returns the sub-queries for question, consulting the cache
// first. Cached values are copied so callers cannot mutate cache entries.
func (r *Retriever) decompose(ctx context.Context, question string, maxSubqueries int) []string {
	if maxSubqueries <= 0 {
		maxSubqueries = DefaultMaxSubqueries
	}
	key := fmt.Sprintf("%d:%s", maxSubqueries, strings.ToLower(strings.TrimSpace(question)))
	if cached, ok := r.cache.Get(key); ok {
		return append([]string(nil), cached...)
	}

	subQueries := r.decomposer.Decompose(ctx, question, maxSubqueries)
	r.cache.Add(key, append([]string(nil), subQueries...))
	return subQueries
}

// searchAll embeds and searches every sub-query under the concurrency bound,
// collecting result sets positionally. Failed sub-queries leave a nil set
// and are counted; only cancellation aborts the batch.
func (r *Retriever) searchAll(ctx context.Context, subQueries []string, opts RetrieveOptions) ([][]*models.SearchResult, int, error) {
	sets := make([][]*models.SearchResult, len(subQueries))
	var failed atomic.Int32

	searchOpts := vectorstore.SearchOptions{
		Limit:   opts.Limit * candidateMultiplier,
		Filters: opts.Filters,
	}

	var wg sync.WaitGroup
	for i, subQuery := range subQueries {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, 0, err
		}
		wg.Add(1)
		go func(i int, subQuery string) {
			defer wg.Done()
			defer r.sem.Release(1)

			results, err := r.searchOne(ctx, subQuery, opts.IndexName, searchOpts)
			if err != nil {
				r.logger.Warn("sub-query search failed, continuing without it", map[string]interface{}{
					"sub_query": subQuery,
					"error":     err.Error(),
				})
				failed.Add(1)
				return
			}
			sets[i] = results
		}(i, subQuery)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return sets, int(failed.Load()), nil
}

func (r *Retriever) searchOne(ctx context.Context, subQuery, indexName string, opts vectorstore.SearchOptions) ([]*models.SearchResult, error) {
	doneEmbed := observability.Timed(r.metrics, "retrieval", "embed_query", time.Now())
	vector, err := r.embedder.EmbedText(ctx, subQuery)
	doneEmbed(err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed sub-query: %w", err)
	}

	doneSearch := observability.Timed(r.metrics, "retrieval", "search", time.Now())
	results, err := r.store.Search(ctx, indexName, vector, opts)
	doneSearch(err == nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return results, nil
}
