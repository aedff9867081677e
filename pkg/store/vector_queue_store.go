package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// VectorQueueItem is one row of the memory_vectors table the vector worker
// (C7) drains: a deferred embedding-upsert job for a memory node, unique on
// (memoryNodeId, namespace).
type VectorQueueItem struct {
	ID               string
	MemoryNodeID     string
	Provider         string
	Namespace        string
	EmbeddingModel   string
	Dimension        int
	ExternalVectorID string
	Status           string
	Error            string
	VectorData       json.RawMessage
	Metadata         json.RawMessage
	CreatedAt        time.Time
}

// PostgresVectorQueueStore implements the deferred vector-write queue
// backing C7: enqueue within the same transaction as the memory node
// insert, drain with FOR UPDATE SKIP LOCKED so multiple worker replicas
// never double-process the same row.
type PostgresVectorQueueStore struct {
	db *sql.DB
}

func NewPostgresVectorQueueStore(db *sql.DB) *PostgresVectorQueueStore {
	return &PostgresVectorQueueStore{db: db}
}

// EnqueueTx upserts a pending embedding job for (memoryNodeId, namespace)
// within the caller's transaction, so it is atomic with the memory node
// insert it accompanies (C6 §4.6 step 2).
func (s *PostgresVectorQueueStore) EnqueueTx(ctx context.Context, tx *sql.Tx, item VectorQueueItem) error {
	query := `
		INSERT INTO memory_vectors (id, memory_node_id, provider, namespace, embedding_model, dimension, status, vector_data, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)
		ON CONFLICT (memory_node_id, namespace) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query, item.ID, item.MemoryNodeID, item.Provider, item.Namespace, item.EmbeddingModel, item.Dimension, item.VectorData, item.Metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("vectorqueue: enqueue failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vectorqueue: enqueue rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateVector
	}
	return nil
}

// ErrDuplicateVector is returned when (memoryNodeId, namespace) already has
// a queued vector row — the invariant that pair is unique (§4.6 step 2).
var ErrDuplicateVector = fmt.Errorf("vectorqueue: a vector is already queued for this (memoryNodeId, namespace)")

// DrainBatch locks and returns up to limit rows with status not completed or error,
// skipping rows already locked by another worker, and marks them
// in_progress within the same transaction so a crash leaves them
// recoverable rather than lost.
func (s *PostgresVectorQueueStore) DrainBatch(ctx context.Context, limit int) ([]VectorQueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorqueue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, memory_node_id, provider, namespace, embedding_model, dimension, status, vector_data, metadata, created_at
		FROM memory_vectors
		WHERE status != 'completed' AND status != 'error'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorqueue: select pending: %w", err)
	}

	var items []VectorQueueItem
	var ids []string
	for rows.Next() {
		var it VectorQueueItem
		if err := rows.Scan(&it.ID, &it.MemoryNodeID, &it.Provider, &it.Namespace, &it.EmbeddingModel, &it.Dimension, &it.Status, &it.VectorData, &it.Metadata, &it.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("vectorqueue: scan: %w", err)
		}
		items = append(items, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE memory_vectors SET status = 'in_progress' WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("vectorqueue: mark in_progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("vectorqueue: commit: %w", err)
	}

	for i := range items {
		items[i].Status = "in_progress"
	}
	return items, nil
}

// MarkCompleted transitions a row to completed after its embedding has
// been written to the vector index.
func (s *PostgresVectorQueueStore) MarkCompleted(ctx context.Context, id, externalVectorID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_vectors SET status = 'completed', external_vector_id = $2, error = NULL WHERE id = $1`, id, externalVectorID)
	if err != nil {
		return fmt.Errorf("vectorqueue: mark completed: %w", err)
	}
	return nil
}

// MarkError transitions a row to error permanently; the spec requires no
// retry within the same pass for adapter errors or invalid vector data.
func (s *PostgresVectorQueueStore) MarkError(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_vectors SET status = 'error', error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("vectorqueue: mark error: %w", err)
	}
	return nil
}

// QueueDepth returns the count of non-terminal rows for namespace, recomputed
// once per worker pass per namespace (§4.7).
func (s *PostgresVectorQueueStore) QueueDepth(ctx context.Context, namespace string) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_vectors WHERE namespace = $1 AND status NOT IN ('completed', 'error')`, namespace).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("vectorqueue: queue depth: %w", err)
	}
	return depth, nil
}

// SearchCompleted loads up to limit completed embeddings in namespace, newest first, so a caller
// can rank them against a query vector. The vector-backed POST /memory/search
// path is read-light and low-volume enough (governance metadata, not a bulk
// content index) that scoring in Go beats standing up a second index just
// for this table.
func (s *PostgresVectorQueueStore) SearchCompleted(ctx context.Context, namespace string, limit int) ([]VectorQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_node_id, provider, namespace, embedding_model, dimension, status, vector_data, metadata, created_at
		FROM memory_vectors
		WHERE namespace = $1 AND status = 'completed'
		ORDER BY created_at DESC
		LIMIT $2
	`, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorqueue: search completed: %w", err)
	}
	defer rows.Close()

	var items []VectorQueueItem
	for rows.Next() {
		var it VectorQueueItem
		if err := rows.Scan(&it.ID, &it.MemoryNodeID, &it.Provider, &it.Namespace, &it.EmbeddingModel, &it.Dimension, &it.Status, &it.VectorData, &it.Metadata, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("vectorqueue: scan search row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
