package vectorworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// InMemoryAdapter backs vectorDbProvider=inmemory: it upserts into a
// process-local index rather than an external vector database. It exists
// so a single governor process can run C7 end to end with nothing else
// configured; postgres remains the system of record (memory_vectors holds
// the vector_data this adapter indexes), so losing this index on restart
// only costs a rebuild pass, not data.
type InMemoryAdapter struct {
	mu    sync.RWMutex
	index map[string]indexedVector
}

type indexedVector struct {
	MemoryNodeID string
	Vector       []float64
	Metadata     map[string]interface{}
}

func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{index: make(map[string]indexedVector)}
}

// Upsert stores vector under a deterministic external ID derived from
// memoryNodeID, so re-upserting the same node replaces rather than
// duplicates its entry.
func (a *InMemoryAdapter) Upsert(ctx context.Context, memoryNodeID string, vector []float64, metadata map[string]interface{}) (string, error) {
	sum := sha256.Sum256([]byte(memoryNodeID))
	externalID := "inmem-" + hex.EncodeToString(sum[:8])

	a.mu.Lock()
	defer a.mu.Unlock()
	a.index[externalID] = indexedVector{MemoryNodeID: memoryNodeID, Vector: vector, Metadata: metadata}
	return externalID, nil
}

// Get returns the indexed vector for externalID, mainly for tests and
// debugging; the search path of record is memory.PostgresMemoryStore.Search
// against the postgres-backed memory_vectors table.
func (a *InMemoryAdapter) Get(externalID string) (vector []float64, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.index[externalID]
	if !ok {
		return nil, false
	}
	return v.Vector, true
}

// Count reports how many vectors are currently indexed.
func (a *InMemoryAdapter) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.index)
}
