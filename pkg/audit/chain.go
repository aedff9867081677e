package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sentinelnet/governor/pkg/canonicalize"
	"github.com/sentinelnet/governor/pkg/crypto"
	"github.com/sentinelnet/governor/pkg/observability"
)

// ChainEntry is one row of the audit_events table.
type ChainEntry struct {
	EventID           string          `json:"eventId"`
	EventType         string          `json:"eventType"`
	Payload           json.RawMessage `json:"payload"`
	PrevHash          string          `json:"prevHash"`
	Hash              string          `json:"hash"`
	Signature         string          `json:"signature"`
	SignerKid         string          `json:"signerKid"`
	Timestamp         time.Time       `json:"ts"`
	RetentionExpiresAt *time.Time     `json:"retentionExpiresAt,omitempty"`
}

// AuditSigningFailure is returned when a signer is required but unavailable;
// the caller must roll back the enclosing mutation (C5 §4.5 contract).
type AuditSigningFailure struct {
	Err error
}

func (e *AuditSigningFailure) Error() string {
	return fmt.Sprintf("audit: signing failure: %v", e.Err)
}

func (e *AuditSigningFailure) Unwrap() error { return e.Err }

// ChainIntegrityError is raised by Verify when a stored hash or signature
// does not match what is recomputed from the stored payload.
type ChainIntegrityError struct {
	EventID string
	Reason  string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit: chain integrity violation at event %s: %s", e.EventID, e.Reason)
}

// Chain is the production audit chain engine (C3): every append happens
// inside a transaction that locks the current head row, computes the
// canonical hash, signs it, and inserts the new row, so the whole
// operation is atomic with respect to whatever mutation it accompanies.
type Chain struct {
	db      *sql.DB
	signer  *crypto.ChainSigner
	clock   func() time.Time
	metrics *observability.Provider

	maxRetries  int
	baseBackoff time.Duration
}

// NewChain wires the audit engine to a DB handle and a signer. Use AppendTx
// to append within a caller's existing transaction (C5's gated write
// coordinator does this so the domain write and the audit event commit
// together).
func NewChain(db *sql.DB, signer *crypto.ChainSigner) *Chain {
	return &Chain{
		db:          db,
		signer:      signer,
		clock:       time.Now,
		maxRetries:  3,
		baseBackoff: 200 * time.Millisecond,
	}
}

func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithObservability attaches the provider audit_write_success_total /
// audit_write_failure_total are recorded against (§4.3). Left nil, Append
// and AppendTx still work, they just don't emit metrics.
func (c *Chain) WithObservability(p *observability.Provider) *Chain {
	c.metrics = p
	return c
}

func (c *Chain) recordOutcome(ctx context.Context, eventType string, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordAuditWrite(ctx, eventType, err == nil)
}

// Append runs appendAuditEvent in its own transaction, retrying transient
// infrastructure failures (timeout, connection, deadlock, serialization
// conflict) up to maxRetries times with exponential backoff.
func (c *Chain) Append(ctx context.Context, eventType string, payload interface{}) (*ChainEntry, error) {
	var entry *ChainEntry
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.baseBackoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tx, txErr := c.db.BeginTx(ctx, nil)
		if txErr != nil {
			if isTransient(txErr) {
				err = txErr
				continue
			}
			wrapped := fmt.Errorf("audit: begin tx: %w", txErr)
			c.recordOutcome(ctx, eventType, wrapped)
			return nil, wrapped
		}

		entry, err = c.appendTx(ctx, tx, eventType, payload)
		if err != nil {
			_ = tx.Rollback()
			var signingFailure *AuditSigningFailure
			if errors.As(err, &signingFailure) {
				c.recordOutcome(ctx, eventType, err)
				return nil, err
			}
			if isTransient(err) {
				continue
			}
			c.recordOutcome(ctx, eventType, err)
			return nil, err
		}

		if commitErr := tx.Commit(); commitErr != nil {
			if isTransient(commitErr) {
				err = commitErr
				continue
			}
			wrapped := fmt.Errorf("audit: commit: %w", commitErr)
			c.recordOutcome(ctx, eventType, wrapped)
			return nil, wrapped
		}

		c.recordOutcome(ctx, eventType, nil)
		return entry, nil
	}

	exhausted := fmt.Errorf("audit: append exhausted %d retries: %w", c.maxRetries, err)
	c.recordOutcome(ctx, eventType, exhausted)
	return nil, exhausted
}

// AppendTx runs appendAuditEvent as part of a caller-owned transaction
// (used by C5 and C6 so the domain write and the audit event are atomic).
// No retry happens here; the caller's transaction owns retry semantics.
func (c *Chain) AppendTx(ctx context.Context, tx *sql.Tx, eventType string, payload interface{}) (*ChainEntry, error) {
	entry, err := c.appendTx(ctx, tx, eventType, payload)
	c.recordOutcome(ctx, eventType, err)
	return entry, err
}

func (c *Chain) appendTx(ctx context.Context, tx *sql.Tx, eventType string, payload interface{}) (*ChainEntry, error) {
	var prevHash sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY ts DESC, id DESC LIMIT 1 FOR UPDATE`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit: lock head row: %w", err)
	}
	head := "genesis"
	if prevHash.Valid {
		head = prevHash.String
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal payload: %w", err)
	}
	entry := &ChainEntry{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Payload:   payloadBytes,
		PrevHash:  head,
		Timestamp: c.clock().UTC(),
	}

	hash, err := computeHash(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: compute hash: %w", err)
	}
	entry.Hash = hash

	// Idempotency: appending the same payload twice is a no-op, not a
	// duplicate row.
	var existingID, existingSignature, existingSignerKid, existingPrevHash string
	var existingTs time.Time
	err = tx.QueryRowContext(ctx, `SELECT id, signature, signer_id, prev_hash, ts FROM audit_events WHERE hash = $1`, hash).
		Scan(&existingID, &existingSignature, &existingSignerKid, &existingPrevHash, &existingTs)
	if err == nil {
		return &ChainEntry{
			EventID:   existingID,
			EventType: eventType,
			Payload:   payloadBytes,
			PrevHash:  existingPrevHash,
			Hash:      hash,
			Signature: existingSignature,
			SignerKid: existingSignerKid,
			Timestamp: existingTs,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit: idempotency check: %w", err)
	}

	digest, err := hexDecode(hash)
	if err != nil {
		return nil, fmt.Errorf("audit: decode digest: %w", err)
	}
	signature, signerKid, err := c.signer.Sign(ctx, digest)
	if err != nil {
		return nil, &AuditSigningFailure{Err: err}
	}
	entry.Signature = signature
	entry.SignerKid = signerKid

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, payload, prev_hash, hash, signature, signer_id, ts, retention_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.EventID, entry.EventType, payloadBytes, entry.PrevHash, entry.Hash, entry.Signature, entry.SignerKid, entry.Timestamp, entry.RetentionExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	return entry, nil
}

// Verify walks the stored chain in ts order and confirms every hash,
// prevHash link, and signature. Returns *ChainIntegrityError on the first
// mismatch found; callers must halt the mutation path and record an
// audit.reconciliation event rather than attempt automatic repair.
func (c *Chain) Verify(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_type, payload, prev_hash, hash, signature, signer_id, ts
		FROM audit_events ORDER BY ts ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("audit: verify query: %w", err)
	}
	defer rows.Close()

	expectedPrev := "genesis"
	for rows.Next() {
		var e ChainEntry
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerKid, &e.Timestamp); err != nil {
			return fmt.Errorf("audit: verify scan: %w", err)
		}

		if e.PrevHash != expectedPrev {
			return &ChainIntegrityError{EventID: e.EventID, Reason: fmt.Sprintf("prevHash %q does not match chain head %q", e.PrevHash, expectedPrev)}
		}

		recomputed, err := computeHash(&e)
		if err != nil {
			return fmt.Errorf("audit: recompute hash for %s: %w", e.EventID, err)
		}
		if recomputed != e.Hash {
			return &ChainIntegrityError{EventID: e.EventID, Reason: "stored hash does not match recomputed hash"}
		}

		digest, err := hexDecode(e.Hash)
		if err != nil {
			return fmt.Errorf("audit: decode digest for %s: %w", e.EventID, err)
		}
		ok, err := c.signer.Verify(ctx, digest, e.Signature, e.SignerKid)
		if err != nil {
			return fmt.Errorf("audit: verify signature for %s: %w", e.EventID, err)
		}
		if !ok {
			return &ChainIntegrityError{EventID: e.EventID, Reason: "signature does not verify"}
		}

		expectedPrev = e.Hash
	}
	return rows.Err()
}

// RecentByPayloadField returns the most recent limit events of eventType
// whose JSON payload has field equal to value, newest first. It backs
// explain-style reads (e.g. GET /sentinelnet/policy/:id/explain's "recent
// decisions") that need to scan the chain by a domain id rather than walk
// it in full.
func (c *Chain) RecentByPayloadField(ctx context.Context, eventType, field, value string, limit int) ([]ChainEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_type, payload, prev_hash, hash, signature, signer_id, ts
		FROM audit_events
		WHERE event_type = $1 AND payload->>$2 = $3
		ORDER BY ts DESC, id DESC
		LIMIT $4
	`, eventType, field, value, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent by payload field: %w", err)
	}
	defer rows.Close()

	var out []ChainEntry
	for rows.Next() {
		var e ChainEntry
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerKid, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan recent event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesInRange returns every event with ts in [from, to), oldest first.
// The archival batcher (C3 §6) uses this to pull a day's worth of the chain
// without assuming anything about event_type.
func (c *Chain) EntriesInRange(ctx context.Context, from, to time.Time) ([]ChainEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_type, payload, prev_hash, hash, signature, signer_id, ts
		FROM audit_events
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC, id ASC
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("audit: entries in range: %w", err)
	}
	defer rows.Close()

	var out []ChainEntry
	for rows.Next() {
		var e ChainEntry
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerKid, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan ranged event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// computeHash hashes the canonicalized event with hash/signature excluded,
// matching appendAuditEvent step 3.
func computeHash(e *ChainEntry) (string, error) {
	var payloadValue interface{}
	if err := json.Unmarshal(e.Payload, &payloadValue); err != nil {
		return "", err
	}
	hashable := map[string]interface{}{
		"eventId":   e.EventID,
		"eventType": e.EventType,
		"payload":   payloadValue,
		"prevHash":  e.PrevHash,
		"ts":        e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	canonical, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func hexDecode(hash string) ([]byte, error) {
	return hex.DecodeString(hash)
}

// isTransient classifies an error per the TransientInfra taxonomy: DB
// timeout, connection failure, deadlock, or serialization conflict. These
// are the only kinds Append retries locally.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" { // connection_exception
			return true
		}
		switch pqErr.Code.Name() {
		case "serialization_failure", "deadlock_detected", "lock_not_available":
			return true
		}
	}
	return false
}
