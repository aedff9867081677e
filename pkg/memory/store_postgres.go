package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/store"
)

// PolicyDecision is the subset of a C4 decision createMemoryNode needs to
// act on: whether the write is allowed, plus enough detail to audit it.
type PolicyDecision struct {
	Allowed   bool
	PolicyID  string
	RuleID    string
	Rationale string
}

// PolicyChecker is implemented by the SentinelNet client createMemoryNode
// consults before writing (C5's "policy.check" step, specialized to C6).
type PolicyChecker interface {
	Check(ctx context.Context, action string, actor, resource string, requestContext map[string]interface{}) (PolicyDecision, error)
}

var ErrPolicyDenied = errors.New("memory: write denied by policy")

// PostgresMemoryStore implements the memory-layer gated write path (C6):
// node + optional vector + optional artifacts + audit event + reasoning-
// graph queue row, all within one transaction.
type PostgresMemoryStore struct {
	db      *sql.DB
	policy  PolicyChecker
	vectors *store.PostgresVectorQueueStore
	audit   *audit.Chain
	clock   func() time.Time
}

func NewPostgresMemoryStore(db *sql.DB, policy PolicyChecker, vectors *store.PostgresVectorQueueStore, auditChain *audit.Chain) *PostgresMemoryStore {
	return &PostgresMemoryStore{
		db:      db,
		policy:  policy,
		vectors: vectors,
		audit:   auditChain,
		clock:   time.Now,
	}
}

// CreateMemoryNode runs the full §4.6 algorithm. On any failure — policy
// denial, signing failure, duplicate vector upsert — the whole transaction
// rolls back; nothing partial is ever visible.
func (s *PostgresMemoryStore) CreateMemoryNode(ctx context.Context, input CreateNodeInput, auditCtx AuditContext) (*CreateNodeResult, error) {
	decision, err := s.policy.Check(ctx, "memory.node.create", auditCtx.ActorID, "memory_node", map[string]interface{}{
		"owner":     input.Owner,
		"legalHold": input.LegalHold,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: policy check: %w", err)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Rationale)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nodeID := uuid.New().String()
	now := s.clock().UTC()

	var expiresAt *time.Time
	if input.TTLSeconds != nil {
		t := now.Add(time.Duration(*input.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	piiFlagsJSON, err := json.Marshal(input.PIIFlags)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal pii_flags: %w", err)
	}
	metadataJSON, err := json.Marshal(input.Metadata)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_nodes (id, owner, metadata, pii_flags, legal_hold, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, nodeID, input.Owner, metadataJSON, piiFlagsJSON, input.LegalHold, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("memory: insert node: %w", err)
	}

	embeddingJobID := ""
	if input.Embedding != nil {
		vectorData, err := json.Marshal(input.Embedding.VectorData)
		if err != nil {
			return nil, fmt.Errorf("memory: marshal vector_data: %w", err)
		}
		embeddingJobID = uuid.New().String()
		item := store.VectorQueueItem{
			ID:             embeddingJobID,
			MemoryNodeID:   nodeID,
			Provider:       input.Embedding.Provider,
			Namespace:      input.Embedding.Namespace,
			EmbeddingModel: input.Embedding.EmbeddingModel,
			Dimension:      input.Embedding.Dimension,
			VectorData:     vectorData,
		}
		if err := s.vectors.EnqueueTx(ctx, tx, item); err != nil {
			return nil, fmt.Errorf("memory: enqueue vector: %w", err)
		}
	}

	for _, artifact := range input.Artifacts {
		if artifact.ManifestSignatureID == "" {
			return nil, fmt.Errorf("memory: artifact %s missing manifest_signature_id", artifact.ArtifactURL)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (memory_node_id, artifact_url, sha256, manifest_signature_id, content_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (artifact_url, sha256) DO NOTHING
		`, nodeID, artifact.ArtifactURL, artifact.SHA256, artifact.ManifestSignatureID, artifact.ContentType, now); err != nil {
			return nil, fmt.Errorf("memory: insert artifact %s: %w", artifact.ArtifactURL, err)
		}
	}

	auditPayload := map[string]interface{}{
		"memoryNodeId": nodeID,
		"owner":        input.Owner,
		"actorId":      auditCtx.ActorID,
		"tenantId":     auditCtx.TenantID,
		"requestId":    auditCtx.RequestID,
		"legalHold":    input.LegalHold,
		"policyId":     decision.PolicyID,
		"ruleId":       decision.RuleID,
	}
	entry, err := s.audit.AppendTx(ctx, tx, "memory.node.created", auditPayload)
	if err != nil {
		return nil, fmt.Errorf("memory: audit append: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reasoning_graph_queue (id, memory_node_id, status, created_at)
		VALUES ($1, $2, 'pending', $3)
	`, uuid.New().String(), nodeID, now); err != nil {
		return nil, fmt.Errorf("memory: enqueue reasoning graph row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: commit: %w", err)
	}

	return &CreateNodeResult{
		MemoryNodeID:   nodeID,
		AuditEventID:   entry.EventID,
		EmbeddingJobID: embeddingJobID,
	}, nil
}

// SetLegalHold flips the legal-hold flag, auditing the transition with a
// reason. legalHold=true blocks TTL deletion and explicit Delete.
func (s *PostgresMemoryStore) SetLegalHold(ctx context.Context, nodeID string, hold bool, reason, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE memory_nodes SET legal_hold = $2, updated_at = $3 WHERE id = $1`, nodeID, hold, s.clock().UTC()); err != nil {
		return fmt.Errorf("memory: update legal_hold: %w", err)
	}

	if _, err := s.audit.AppendTx(ctx, tx, "memory.node.legal_hold_changed", map[string]interface{}{
		"memoryNodeId": nodeID,
		"legalHold":    hold,
		"reason":       reason,
		"actorId":      actorID,
	}); err != nil {
		return fmt.Errorf("memory: audit append: %w", err)
	}

	return tx.Commit()
}

// Delete enforces the legalHold invariant: a node under legal hold can
// never be soft-deleted, by TTL sweep or explicit call.
func (s *PostgresMemoryStore) Delete(ctx context.Context, nodeID, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var legalHold bool
	if err := tx.QueryRowContext(ctx, `SELECT legal_hold FROM memory_nodes WHERE id = $1`, nodeID).Scan(&legalHold); err != nil {
		return fmt.Errorf("memory: load node: %w", err)
	}
	if legalHold {
		return fmt.Errorf("memory: node %s is under legal hold and cannot be deleted", nodeID)
	}

	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE memory_nodes SET deleted_at = $2, updated_at = $2 WHERE id = $1`, nodeID, now); err != nil {
		return fmt.Errorf("memory: soft delete: %w", err)
	}

	if _, err := s.audit.AppendTx(ctx, tx, "memory.node.deleted", map[string]interface{}{
		"memoryNodeId": nodeID,
		"actorId":      actorID,
	}); err != nil {
		return fmt.Errorf("memory: audit append: %w", err)
	}

	return tx.Commit()
}

// Search ranks up to the 1000 newest completed embeddings in input.Namespace by cosine
// similarity against input.QueryEmbedding and returns the top K (§4.6
// semantic search). Dimension mismatches are skipped rather than erroring,
// since a namespace may hold embeddings from more than one model.
func (s *PostgresMemoryStore) Search(ctx context.Context, input SearchInput) ([]SearchResult, error) {
	topK := input.TopK
	if topK <= 0 {
		topK = 10
	}

	items, err := s.vectors.SearchCompleted(ctx, input.Namespace, 1000)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		var vec []float64
		if err := json.Unmarshal(item.VectorData, &vec); err != nil {
			continue
		}
		score, ok := cosineSimilarity(input.QueryEmbedding, vec)
		if !ok {
			continue
		}
		results = append(results, SearchResult{MemoryNodeID: item.MemoryNodeID, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosineSimilarity(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

// StreamHashAndVerify hashes content the service itself ingests and
// compares it to the caller-supplied sha256; a caller-supplied hash may
// only be trusted directly in service-to-service paths secured by mTLS
// (§4.6's checksum rule).
func StreamHashAndVerify(content []byte, claimedSHA256 string) error {
	sum := sha256.Sum256(content)
	computed := hex.EncodeToString(sum[:])
	if computed != claimedSHA256 {
		return fmt.Errorf("memory: sha256 mismatch: computed %s, claimed %s", computed, claimedSHA256)
	}
	return nil
}
