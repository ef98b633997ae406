package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

func newTestQdrantStore(t *testing.T, handler http.Handler) *QdrantStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := NewQdrantStore(Config{Endpoint: srv.URL}, observability.NewNoopLogger())
	require.NoError(t, err)
	return store
}

// serveCollectionInfo responds to GET /collections/docs with a Cosine
// collection config.
func serveCollectionInfo(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, `{"result":{"status":"green","points_count":5,"config":{"params":{"vectors":{"size":3,"distance":"Cosine"}}}},"status":"ok"}`)
}

func TestNewQdrantStore_DefaultEndpoint(t *testing.T) {
	store, err := NewQdrantStore(Config{}, observability.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, defaultQdrantEndpoint, store.endpoint)
}

func TestQdrant_CreateIndex(t *testing.T) {
	var collectionBody map[string]interface{}
	payloadIndexes := map[string]string{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			writeJSON(w, http.StatusNotFound, `{"status":{"error":"collection docs not found"}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&collectionBody))
			writeJSON(w, http.StatusOK, `{"result":true,"status":"ok"}`)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/index":
			var body struct {
				FieldName   string `json:"field_name"`
				FieldSchema string `json:"field_schema"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			payloadIndexes[body.FieldName] = body.FieldSchema
			writeJSON(w, http.StatusOK, `{"result":{"status":"acknowledged"},"status":"ok"}`)
		default:
			http.NotFound(w, r)
		}
	})
	store := newTestQdrantStore(t, handler)

	existed, err := store.CreateIndex(context.Background(), "docs", 3, MetricCosine, nil)
	require.NoError(t, err)
	assert.False(t, existed)

	vectors := collectionBody["vectors"].(map[string]interface{})
	assert.Equal(t, float64(3), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	assert.NotContains(t, vectors, "on_disk")

	assert.Equal(t, map[string]string{"document_id": "keyword", "chunk_index": "integer"}, payloadIndexes)
}

func TestQdrant_CreateIndex_AlreadyExists(t *testing.T) {
	var createCalls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			serveCollectionInfo(w)
		case r.Method == http.MethodPut:
			createCalls.Add(1)
			writeJSON(w, http.StatusOK, `{"result":true,"status":"ok"}`)
		default:
			http.NotFound(w, r)
		}
	})
	store := newTestQdrantStore(t, handler)

	existed, err := store.CreateIndex(context.Background(), "docs", 3, MetricCosine, nil)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Zero(t, createCalls.Load())
}

func TestQdrant_CreateIndex_OnDisk(t *testing.T) {
	var collectionBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			writeJSON(w, http.StatusNotFound, `{"status":{"error":"not found"}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&collectionBody))
			writeJSON(w, http.StatusOK, `{"result":true,"status":"ok"}`)
		default:
			writeJSON(w, http.StatusOK, `{"result":{},"status":"ok"}`)
		}
	})
	store := newTestQdrantStore(t, handler)

	_, err := store.CreateIndex(context.Background(), "docs", 768, DistanceMetric("l2"), map[string]interface{}{"on_disk": true})
	require.NoError(t, err)

	vectors := collectionBody["vectors"].(map[string]interface{})
	assert.Equal(t, "Euclid", vectors["distance"])
	assert.Equal(t, true, vectors["on_disk"])
}

func TestQdrant_DistanceMapping(t *testing.T) {
	assert.Equal(t, "Cosine", qdrantDistance(MetricCosine))
	assert.Equal(t, "Euclid", qdrantDistance(MetricEuclidean))
	assert.Equal(t, "Dot", qdrantDistance(MetricDotProduct))
	assert.Equal(t, "Manhattan", qdrantDistance(MetricManhattan))

	assert.Equal(t, MetricCosine, metricFromQdrantDistance("Cosine"))
	assert.Equal(t, MetricEuclidean, metricFromQdrantDistance("Euclid"))
	assert.Equal(t, MetricDotProduct, metricFromQdrantDistance("Dot"))
	assert.Equal(t, MetricManhattan, metricFromQdrantDistance("Manhattan"))
}

func TestQdrantPointID_Deterministic(t *testing.T) {
	id := qdrantPointID("doc-1:chunk:0")
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceURL, []byte("doc-1:chunk:0")).String(), id)
	assert.Equal(t, id, qdrantPointID("doc-1:chunk:0"))
	assert.NotEqual(t, id, qdrantPointID("doc-1:chunk:1"))

	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestQdrant_IndexChunks(t *testing.T) {
	var upsertBody struct {
		Points []struct {
			ID      string                 `json:"id"`
			Vector  []float32              `json:"vector"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"points"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/docs/points", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&upsertBody))
		writeJSON(w, http.StatusOK, `{"result":{"operation_id":1,"status":"completed"},"status":"ok"}`)
	})
	store := newTestQdrantStore(t, handler)

	chunks := []*models.ChunkWithEmbedding{
		{
			Chunk: models.Chunk{
				ChunkID:    "doc-1:chunk:0",
				DocumentID: "doc-1",
				ChunkIndex: 0,
				Content:    "alpha",
				Metadata:   map[string]interface{}{"lang": "en"},
			},
			Embedding: []float32{0.1, 0.2, 0.3},
		},
	}
	result, err := store.IndexChunks(context.Background(), "docs", chunks, 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.IndexedCount)

	require.Len(t, upsertBody.Points, 1)
	point := upsertBody.Points[0]
	assert.Equal(t, qdrantPointID("doc-1:chunk:0"), point.ID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, point.Vector)
	assert.Equal(t, "doc-1:chunk:0", point.Payload["chunk_id"])
	assert.Equal(t, "doc-1", point.Payload["document_id"])
	assert.Equal(t, float64(0), point.Payload["chunk_index"])
	assert.Equal(t, "alpha", point.Payload["content"])
	assert.Equal(t, map[string]interface{}{"lang": "en"}, point.Payload["metadata"])
}

func TestQdrant_IndexChunks_FailedBatchContinues(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusInternalServerError, `{"status":{"error":"wal full"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"result":{"status":"completed"},"status":"ok"}`)
	})
	store := newTestQdrantStore(t, handler)

	chunks := []*models.ChunkWithEmbedding{
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:0", DocumentID: "doc-1"}, Embedding: []float32{1}},
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:1", DocumentID: "doc-1"}, Embedding: []float32{2}},
	}
	result, err := store.IndexChunks(context.Background(), "docs", chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.IndexedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.Contains(t, result.Errors[0], "doc-1:chunk:0")
	assert.Contains(t, result.Errors[0], "wal full")
}

func TestQdrant_Search(t *testing.T) {
	var searchBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			serveCollectionInfo(w)
		case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/search":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
			writeJSON(w, http.StatusOK, `{"result":[
				{"id":"11111111-1111-1111-1111-111111111111","score":0.8,"payload":{"chunk_id":"doc-1:chunk:2","document_id":"doc-1","chunk_index":2,"content":"alpha","metadata":{"lang":"en"}}}
			],"status":"ok"}`)
		default:
			http.NotFound(w, r)
		}
	})
	store := newTestQdrantStore(t, handler)

	results, err := store.Search(context.Background(), "docs", []float32{0.1, 0.2, 0.3}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "doc-1:chunk:2", results[0].ChunkID)
	assert.Equal(t, "doc-1", results[0].DocumentID)
	assert.Equal(t, "alpha", results[0].Content)
	assert.Equal(t, 2, results[0].ChunkIndex)
	// Cosine similarity 0.8 lands at (0.8+1)/2.
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.Equal(t, map[string]interface{}{"lang": "en"}, results[0].Metadata)

	assert.Equal(t, float64(10), searchBody["limit"])
	assert.Equal(t, true, searchBody["with_payload"])
	assert.NotContains(t, searchBody, "score_threshold")
	assert.NotContains(t, searchBody, "filter")
}

func TestQdrant_Search_ThresholdTranslatedToRawScore(t *testing.T) {
	var searchBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			serveCollectionInfo(w)
		default:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
			writeJSON(w, http.StatusOK, `{"result":[],"status":"ok"}`)
		}
	})
	store := newTestQdrantStore(t, handler)

	_, err := store.Search(context.Background(), "docs", []float32{0.1}, SearchOptions{Threshold: 0.75})
	require.NoError(t, err)
	// Normalized 0.75 maps back to raw cosine similarity 0.5.
	assert.InDelta(t, 0.5, searchBody["score_threshold"].(float64), 1e-9)
}

func TestQdrant_Search_EuclideanNormalization(t *testing.T) {
	var searchBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/docs/points/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
		writeJSON(w, http.StatusOK, `{"result":[
			{"id":1,"score":1.0,"payload":{"chunk_id":"doc-1:chunk:0","document_id":"doc-1"}}
		],"status":"ok"}`)
	})
	store := newTestQdrantStore(t, handler)
	store.rememberMetric("docs", MetricEuclidean)

	results, err := store.Search(context.Background(), "docs", []float32{0.1}, SearchOptions{Threshold: 0.5})
	require.NoError(t, err)

	// 1/(1+t_raw) >= 0.5 holds up to distance 1.0.
	assert.InDelta(t, 1.0, searchBody["score_threshold"].(float64), 1e-9)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)
}

func TestQdrant_Search_Filters(t *testing.T) {
	var searchBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
		writeJSON(w, http.StatusOK, `{"result":[],"status":"ok"}`)
	})
	store := newTestQdrantStore(t, handler)
	store.rememberMetric("docs", MetricCosine)

	_, err := store.Search(context.Background(), "docs", []float32{0.1}, SearchOptions{
		Filters: map[string]interface{}{"lang": "en"},
	})
	require.NoError(t, err)

	filter := searchBody["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	require.Len(t, must, 1)
	clause := must[0].(map[string]interface{})
	assert.Equal(t, "metadata.lang", clause["key"])
	assert.Equal(t, "en", clause["match"].(map[string]interface{})["value"])
}

func TestQdrant_Search_MissingCollectionReturnsEmpty(t *testing.T) {
	var searchCalls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			writeJSON(w, http.StatusNotFound, `{"status":{"error":"not found"}}`)
		default:
			searchCalls.Add(1)
			writeJSON(w, http.StatusOK, `{"result":[],"status":"ok"}`)
		}
	})
	store := newTestQdrantStore(t, handler)

	results, err := store.Search(context.Background(), "docs", []float32{0.1}, SearchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, searchCalls.Load())
}

func TestQdrant_DeleteByDocumentID(t *testing.T) {
	var deleteBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/docs/points/count":
			writeJSON(w, http.StatusOK, `{"result":{"count":2},"status":"ok"}`)
		case "/collections/docs/points/delete":
			require.Equal(t, "true", r.URL.Query().Get("wait"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deleteBody))
			writeJSON(w, http.StatusOK, `{"result":{"status":"acknowledged"},"status":"ok"}`)
		default:
			http.NotFound(w, r)
		}
	})
	store := newTestQdrantStore(t, handler)

	deleted, err := store.DeleteByDocumentID(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	must := deleteBody["filter"].(map[string]interface{})["must"].([]interface{})
	clause := must[0].(map[string]interface{})
	assert.Equal(t, "document_id", clause["key"])
	assert.Equal(t, "doc-1", clause["match"].(map[string]interface{})["value"])
}

func TestQdrant_DeleteByDocumentID_NothingToDelete(t *testing.T) {
	var deleteCalls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/docs/points/count":
			writeJSON(w, http.StatusOK, `{"result":{"count":0},"status":"ok"}`)
		default:
			deleteCalls.Add(1)
			writeJSON(w, http.StatusOK, `{"result":{},"status":"ok"}`)
		}
	})
	store := newTestQdrantStore(t, handler)

	deleted, err := store.DeleteByDocumentID(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Zero(t, deleteCalls.Load())
}

func TestQdrant_DocumentCount(t *testing.T) {
	var countBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/docs/points/count", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		countBody = body
		writeJSON(w, http.StatusOK, `{"result":{"count":9},"status":"ok"}`)
	})
	store := newTestQdrantStore(t, handler)

	count, err := store.DocumentCount(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 9, count)
	assert.Equal(t, true, countBody["exact"])
	require.Contains(t, countBody, "filter")

	count, err = store.DocumentCount(context.Background(), "docs", "")
	require.NoError(t, err)
	assert.Equal(t, 9, count)
	assert.NotContains(t, countBody, "filter")
}

func TestQdrant_DocumentCount_MissingCollection(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"status":{"error":"not found"}}`)
	})
	store := newTestQdrantStore(t, handler)

	count, err := store.DocumentCount(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQdrant_HealthCheck(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"title":"qdrant - vector search engine","version":"1.7.4"}`)
	})
	store := newTestQdrantStore(t, handler)
	require.NoError(t, store.HealthCheck(context.Background()))
}

func TestQdrant_SendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		writeJSON(w, http.StatusOK, `{"title":"qdrant"}`)
	}))
	t.Cleanup(srv.Close)

	store, err := NewQdrantStore(Config{Endpoint: srv.URL, APIKey: "secret"}, observability.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(context.Background()))
	assert.Equal(t, "secret", gotKey)
}
