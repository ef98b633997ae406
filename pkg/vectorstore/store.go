// Package vectorstore provides a backend-agnostic interface for persisting
// and searching embedded chunks, with OpenSearch, PGVector, and Qdrant
// implementations. Backends normalize the interface, not the storage format:
// an index created by one backend is not readable by another.
package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/developer-mesh/rag-core/pkg/models"
)

// DistanceMetric identifies the similarity function an index is built with.
type DistanceMetric string

// Canonical distance metrics. NormalizeMetric folds the accepted aliases
// (l2, inner_product, l1) onto these.
const (
	MetricCosine     DistanceMetric = "cosine"
	MetricEuclidean  DistanceMetric = "euclidean"
	MetricDotProduct DistanceMetric = "dot_product"
	MetricManhattan  DistanceMetric = "manhattan"
)

// DefaultSearchLimit is applied when SearchOptions.Limit is unset.
const DefaultSearchLimit = 10

const (
	defaultIndexBatchSize = 100
	maxIndexBatchSize     = 1000

	defaultRequestTimeout = 30 * time.Second
)

// NormalizeMetric maps a metric name or alias onto its canonical form.
// An empty name defaults to cosine.
func NormalizeMetric(metric string) (DistanceMetric, error) {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "", string(MetricCosine):
		return MetricCosine, nil
	case string(MetricEuclidean), "l2":
		return MetricEuclidean, nil
	case string(MetricDotProduct), "inner_product", "dot":
		return MetricDotProduct, nil
	case string(MetricManhattan), "l1":
		return MetricManhattan, nil
	default:
		return "", fmt.Errorf("unsupported distance metric: %q", metric)
	}
}

// SearchOptions controls a similarity search. Filters is an exact-match AND
// conjunction over metadata fields; values are compared as strings, matching
// the JSONB text-extraction semantics of the PGVector backend.
type SearchOptions struct {
	Limit     int
	Threshold float64
	Filters   map[string]interface{}
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	return o
}

// Config carries connection settings for all backends. Each backend reads
// the fields it needs and ignores the rest.
type Config struct {
	// Backend selects the implementation: opensearch, pgvector, or qdrant.
	Backend string

	// Endpoint is the base URL for the OpenSearch and Qdrant backends.
	Endpoint string
	Username string
	Password string
	APIKey   string

	// DSN is the PostgreSQL connection string for the PGVector backend.
	DSN string

	// Metric is the fallback distance metric for indexes this process did
	// not create. CreateIndex records the metric per index.
	Metric DistanceMetric

	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Store is the common contract over vector database backends.
//
// Indexing always upserts by chunk ID, in sequential batches with per-item
// error isolation: a failed batch is recorded in the BatchIndexResult and
// the remaining batches still run. Search scores are normalized to [0,1]
// where 1.0 is a perfect match, and searching a missing index returns an
// empty slice rather than an error.
type Store interface {
	// Initialize verifies connectivity and prepares backend-level state
	// (extensions, plugins). Safe to call more than once.
	Initialize(ctx context.Context) error

	// CreateIndex creates the named index idempotently. It returns true
	// when the index already existed and false when it was created.
	CreateIndex(ctx context.Context, name string, dimension int, metric DistanceMetric, opts map[string]interface{}) (bool, error)

	// IndexExists reports whether the named index exists.
	IndexExists(ctx context.Context, name string) (bool, error)

	// IndexChunks upserts chunks by chunk ID in batches of batchSize
	// (default 100). Failures never abort the call: per-item errors
	// accumulate in the result and Success is true only when none failed.
	IndexChunks(ctx context.Context, name string, chunks []*models.ChunkWithEmbedding, batchSize int) (*models.BatchIndexResult, error)

	// Search returns the chunks nearest to vector, best first.
	Search(ctx context.Context, name string, vector []float32, opts SearchOptions) ([]*models.SearchResult, error)

	// DeleteByDocumentID removes every chunk belonging to the document.
	// It returns true when at least one chunk was deleted.
	DeleteByDocumentID(ctx context.Context, name, documentID string) (bool, error)

	// DocumentCount returns the number of chunks stored for the document,
	// or the total chunk count when documentID is empty.
	DocumentCount(ctx context.Context, name, documentID string) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases connections. The store is unusable afterwards.
	Close() error
}

// indexNameRe matches identifiers that are safe to interpolate into SQL and
// URL paths. Backends share one rule so index names stay portable.
var indexNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func validateIndexName(name string) error {
	if !indexNameRe.MatchString(name) {
		return fmt.Errorf("invalid index name: %q", name)
	}
	return nil
}

// filterKeyRe constrains metadata filter keys for the same reason; dots and
// dashes are allowed because metadata keys commonly carry them.
var filterKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

func validateFilterKeys(filters map[string]interface{}) error {
	for key := range filters {
		if !filterKeyRe.MatchString(key) {
			return fmt.Errorf("invalid filter key: %q", key)
		}
	}
	return nil
}

func clampBatchSize(requested int) int {
	if requested <= 0 {
		return defaultIndexBatchSize
	}
	if requested > maxIndexBatchSize {
		return maxIndexBatchSize
	}
	return requested
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// matchesFilters reports whether metadata satisfies every equality
// predicate. Values compare as strings so JSON numeric widening (int vs
// float64) does not break equality.
func matchesFilters(metadata, filters map[string]interface{}) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// opContext applies the store's per-request timeout when one is configured.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
