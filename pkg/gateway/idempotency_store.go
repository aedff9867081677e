package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord is one row of the idempotency_keys table: the prior
// response for a given Idempotency-Key plus the hash of the request body
// that produced it, so a key reused with a different body is detected as
// a conflict rather than silently replayed.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	Response     interface{}
	AuditEventID string
	CreatedAt    time.Time
}

// IdempotencyStore is consulted by Coordinator.Execute.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	Put(ctx context.Context, rec IdempotencyRecord) error
}

// PostgresIdempotencyStore is the durable backend for C5's idempotency
// surface, distinct from pkg/api's HTTP-response-cache store: this one
// tracks the request-body hash so a reused key with a different body
// surfaces as ErrIdempotencyKeyConflict instead of a silent replay.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key, request_hash, response, audit_event_id, created_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.RequestHash, &responseJSON, &rec.AuditEventID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: idempotency get: %w", err)
	}

	if time.Since(rec.CreatedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, nil
	}

	if err := json.Unmarshal(responseJSON, &rec.Response); err != nil {
		return nil, fmt.Errorf("gateway: idempotency decode response: %w", err)
	}
	return &rec, nil
}

func (s *PostgresIdempotencyStore) Put(ctx context.Context, rec IdempotencyRecord) error {
	responseJSON, err := json.Marshal(rec.Response)
	if err != nil {
		return fmt.Errorf("gateway: idempotency encode response: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, response, audit_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.RequestHash, responseJSON, rec.AuditEventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("gateway: idempotency put: %w", err)
	}
	return nil
}

// CleanupExpired removes rows past their TTL; intended to be driven by
// the same ticker-loop idiom pkg/api/idempotency.go and pkg/vectorworker
// use for their own background sweeps.
func (s *PostgresIdempotencyStore) CleanupExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-s.ttl).UTC())
	if err != nil {
		return fmt.Errorf("gateway: idempotency cleanup: %w", err)
	}
	return nil
}
