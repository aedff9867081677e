package memory

import "time"

// Node is a memory-layer record: the unit C6's gated write path inserts
// atomically alongside its optional vector, artifacts, and audit event.
type Node struct {
	ID          string
	Owner       string
	EmbeddingID string
	Metadata    map[string]interface{}
	PIIFlags    map[string]bool
	LegalHold   bool
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Embedding, when present on a CreateNodeInput, causes a memoryVector row
// to be enqueued in the same transaction as the node insert.
type Embedding struct {
	Provider       string
	Namespace      string
	EmbeddingModel string
	Dimension      int
	VectorData     []float64
}

// Artifact is a content-addressed blob reference bound to a memory node.
type Artifact struct {
	ArtifactURL         string
	SHA256              string
	ManifestSignatureID string
	ContentType         string
}

// CreateNodeInput is the request to createMemoryNode (§4.6).
type CreateNodeInput struct {
	Owner      string
	Metadata   map[string]interface{}
	PIIFlags   map[string]bool
	LegalHold  bool
	TTLSeconds *int64
	Embedding  *Embedding
	Artifacts  []Artifact
}

// AuditContext carries the principal/request identity threaded through to
// the audit event createMemoryNode appends.
type AuditContext struct {
	ActorID   string
	TenantID  string
	RequestID string
}

// CreateNodeResult mirrors the POST /memory/nodes response shape.
type CreateNodeResult struct {
	MemoryNodeID   string
	AuditEventID   string
	EmbeddingJobID string
}

// SearchInput is the request to Search (§4.6's semantic-search path): rank
// completed embeddings in Namespace against QueryEmbedding by cosine
// similarity.
type SearchInput struct {
	Namespace      string
	QueryEmbedding []float64
	TopK           int
}

// SearchResult is one ranked hit from Search.
type SearchResult struct {
	MemoryNodeID string
	Score        float64
}
