package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresVectorQueueStore_EnqueueTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresVectorQueueStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO memory_vectors")).
		WithArgs("vec-1", "node-1", "openai", "default", "text-embedding-3", 1536, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	err = s.EnqueueTx(context.Background(), tx, VectorQueueItem{
		ID:             "vec-1",
		MemoryNodeID:   "node-1",
		Provider:       "openai",
		Namespace:      "default",
		EmbeddingModel: "text-embedding-3",
		Dimension:      1536,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVectorQueueStore_DrainBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresVectorQueueStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, memory_node_id, provider, namespace, embedding_model, dimension, status, vector_data, metadata, created_at")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "memory_node_id", "provider", "namespace", "embedding_model", "dimension", "status", "vector_data", "metadata", "created_at"}).
			AddRow("vec-1", "node-1", "openai", "default", "text-embedding-3", 1536, "pending", []byte(`[0.1,0.2]`), []byte(`{}`), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_vectors SET status = 'in_progress' WHERE id = $1")).
		WithArgs("vec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	items, err := s.DrainBatch(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "in_progress", items[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVectorQueueStore_MarkCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresVectorQueueStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_vectors SET status = 'completed'")).
		WithArgs("vec-1", "ext-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.MarkCompleted(context.Background(), "vec-1", "ext-123")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVectorQueueStore_MarkError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresVectorQueueStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE memory_vectors SET status = 'error'")).
		WithArgs("vec-1", "missing or invalid vector_data").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.MarkError(context.Background(), "vec-1", "missing or invalid vector_data")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
