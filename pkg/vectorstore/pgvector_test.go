package vectorstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/rag-core/pkg/models"
	"github.com/developer-mesh/rag-core/pkg/observability"
)

func newMockPGStore(t *testing.T) (*PGVectorStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPGVectorStoreWithDB(sqlx.NewDb(db, "sqlmock"), Config{}, observability.NewNoopLogger())
	return store, mock
}

func expectTableCheck(mock sqlmock.Sqlmock, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1) IS NOT NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestNewPGVectorStore_RequiresDSN(t *testing.T) {
	_, err := NewPGVectorStore(Config{}, observability.NewNoopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres DSN is required")
}

func TestPGVector_Initialize(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectPing()
	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS vector")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_CreateIndex(t *testing.T) {
	store, mock := newMockPGStore(t)
	expectTableCheck(mock, false)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS docs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS docs_document_id_idx ON docs (document_id)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	existed, err := store.CreateIndex(context.Background(), "docs", 1536, MetricCosine, nil)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_CreateIndex_AlreadyExists(t *testing.T) {
	store, mock := newMockPGStore(t)
	expectTableCheck(mock, true)

	existed, err := store.CreateIndex(context.Background(), "docs", 1536, MetricCosine, nil)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_CreateIndex_IVFFlat(t *testing.T) {
	store, mock := newMockPGStore(t)
	expectTableCheck(mock, false)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS docs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("docs_document_id_idx")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("USING ivfflat (embedding vector_l2_ops) WITH (lists = 200)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	opts := map[string]interface{}{"index_type": "ivfflat", "lists": 200}
	existed, err := store.CreateIndex(context.Background(), "docs", 768, DistanceMetric("l2"), opts)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_CreateIndex_Validation(t *testing.T) {
	store, _ := newMockPGStore(t)
	ctx := context.Background()

	_, err := store.CreateIndex(ctx, "drop table; --", 3, MetricCosine, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid index name")

	_, err = store.CreateIndex(ctx, "docs", 0, MetricCosine, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension must be positive")

	_, err = store.CreateIndex(ctx, "docs", 3, MetricManhattan, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support metric")
}

func TestPGVector_IndexExists(t *testing.T) {
	store, mock := newMockPGStore(t)
	expectTableCheck(mock, true)

	exists, err := store.IndexExists(context.Background(), "docs")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPGVector_IndexChunks_Upsert(t *testing.T) {
	store, mock := newMockPGStore(t)
	upsertRe := regexp.QuoteMeta("ON CONFLICT (chunk_id) DO UPDATE")

	mock.ExpectExec(upsertRe).
		WithArgs("doc-1:chunk:0", "doc-1", 0, "alpha", []byte(`{"lang":"en"}`), "[1,2]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertRe).
		WithArgs("doc-1:chunk:1", "doc-1", 1, "beta", []byte("{}"), "[3,4]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	chunks := []*models.ChunkWithEmbedding{
		{
			Chunk: models.Chunk{
				ChunkID:    "doc-1:chunk:0",
				DocumentID: "doc-1",
				ChunkIndex: 0,
				Content:    "alpha",
				Metadata:   map[string]interface{}{"lang": "en"},
			},
			Embedding: []float32{1, 2},
		},
		{
			Chunk: models.Chunk{
				ChunkID:    "doc-1:chunk:1",
				DocumentID: "doc-1",
				ChunkIndex: 1,
				Content:    "beta",
			},
			Embedding: []float32{3, 4},
		},
	}

	result, err := store.IndexChunks(context.Background(), "docs", chunks, 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.IndexedCount)
	assert.Zero(t, result.FailedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_IndexChunks_FailedItemContinues(t *testing.T) {
	store, mock := newMockPGStore(t)
	upsertRe := regexp.QuoteMeta("ON CONFLICT (chunk_id) DO UPDATE")

	mock.ExpectExec(upsertRe).
		WillReturnError(&pq.Error{Code: "22000", Message: "vector dimension mismatch"})
	mock.ExpectExec(upsertRe).
		WillReturnResult(sqlmock.NewResult(0, 1))

	chunks := []*models.ChunkWithEmbedding{
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:0", DocumentID: "doc-1"}, Embedding: []float32{1}},
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:1", DocumentID: "doc-1"}, Embedding: []float32{2}},
	}

	result, err := store.IndexChunks(context.Background(), "docs", chunks, 0)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.IndexedCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "doc-1:chunk:0")
}

func TestPGVector_IndexChunks_SkipsInvalidChunks(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (chunk_id) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	chunks := []*models.ChunkWithEmbedding{
		{Chunk: models.Chunk{ChunkID: ""}, Embedding: []float32{1}},
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:1"}},
		{Chunk: models.Chunk{ChunkID: "doc-1:chunk:2", DocumentID: "doc-1"}, Embedding: []float32{2}},
	}

	result, err := store.IndexChunks(context.Background(), "docs", chunks, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.IndexedCount)
	assert.Equal(t, 2, result.FailedCount)
	assert.Contains(t, result.Errors[0], "missing chunk_id")
	assert.Contains(t, result.Errors[1], "missing embedding")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_IndexChunks_Empty(t *testing.T) {
	store, mock := newMockPGStore(t)

	result, err := store.IndexChunks(context.Background(), "docs", nil, 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.IndexedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Search(t *testing.T) {
	store, mock := newMockPGStore(t)

	rows := sqlmock.NewRows([]string{"chunk_id", "document_id", "chunk_index", "content", "metadata", "score"}).
		AddRow("doc-1:chunk:0", "doc-1", 0, "alpha", []byte(`{"lang":"en"}`), 0.92).
		AddRow("doc-2:chunk:3", "doc-2", 3, "beta", []byte("{}"), 0.47)
	mock.ExpectQuery(regexp.QuoteMeta("1 - (embedding <=> $1::vector) / 2 AS score FROM docs")).
		WithArgs("[1,2,3]", 10).
		WillReturnRows(rows)

	results, err := store.Search(context.Background(), "docs", []float32{1, 2, 3}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "doc-1:chunk:0", results[0].ChunkID)
	assert.Equal(t, "doc-1", results[0].DocumentID)
	assert.Equal(t, "alpha", results[0].Content)
	assert.InDelta(t, 0.92, results[0].Score, 1e-9)
	assert.Equal(t, map[string]interface{}{"lang": "en"}, results[0].Metadata)
	assert.Equal(t, 3, results[1].ChunkIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Search_FiltersAndThreshold(t *testing.T) {
	store, mock := newMockPGStore(t)

	query := regexp.QuoteMeta("WHERE metadata->>'lang' = $2 AND 1 - (embedding <=> $1::vector) / 2 >= $3 ORDER BY score DESC LIMIT $4")
	mock.ExpectQuery(query).
		WithArgs("[0.5]", "en", 0.7, 5).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id", "document_id", "chunk_index", "content", "metadata", "score"}))

	results, err := store.Search(context.Background(), "docs", []float32{0.5}, SearchOptions{
		Limit:     5,
		Threshold: 0.7,
		Filters:   map[string]interface{}{"lang": "en"},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Search_MetricOperator(t *testing.T) {
	store, mock := newMockPGStore(t)
	store.rememberMetric("docs", MetricEuclidean)

	mock.ExpectQuery(regexp.QuoteMeta("1 / (1 + (embedding <-> $1::vector)) AS score FROM docs")).
		WithArgs("[1]", 10).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id", "document_id", "chunk_index", "content", "metadata", "score"}))

	_, err := store.Search(context.Background(), "docs", []float32{1}, SearchOptions{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Search_MissingTableReturnsEmpty(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("SELECT chunk_id").
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "docs" does not exist`})

	results, err := store.Search(context.Background(), "docs", []float32{1}, SearchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestPGVector_Search_EmptyVector(t *testing.T) {
	store, _ := newMockPGStore(t)
	_, err := store.Search(context.Background(), "docs", nil, SearchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query vector is empty")
}

func TestPGVector_DeleteByDocumentID(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM docs WHERE document_id = $1")).
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.DeleteByDocumentID(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_DeleteByDocumentID_NoRows(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM docs WHERE document_id = $1")).
		WithArgs("doc-9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := store.DeleteByDocumentID(context.Background(), "docs", "doc-9")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPGVector_DeleteByDocumentID_MissingTable(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectExec("DELETE FROM docs").
		WillReturnError(&pq.Error{Code: "42P01"})

	deleted, err := store.DeleteByDocumentID(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPGVector_DeleteByDocumentID_RequiresDocumentID(t *testing.T) {
	store, _ := newMockPGStore(t)
	_, err := store.DeleteByDocumentID(context.Background(), "docs", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document ID is required")
}

func TestPGVector_DocumentCount(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM docs WHERE document_id = $1")).
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.DocumentCount(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestPGVector_DocumentCount_AllDocuments(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM docs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := store.DocumentCount(context.Background(), "docs", "")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestPGVector_DocumentCount_MissingTable(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnError(&pq.Error{Code: "42P01"})

	count, err := store.DocumentCount(context.Background(), "docs", "doc-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPGVector_HealthCheck(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectPing()
	require.NoError(t, store.HealthCheck(context.Background()))
}

func TestPGVector_Close(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectClose()
	require.NoError(t, store.Close())
}
