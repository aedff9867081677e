// Package vectorworker drains the deferred vector-write queue (C7): a
// polling loop that turns memory_vectors rows with status=pending into
// upserts against a pluggable vector index.
package vectorworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinelnet/governor/pkg/store"
)

// Adapter upserts a single embedding into whatever backs vectorDbProvider
// (postgres-native or an external index); it returns the adapter's own
// identifier for the stored vector.
type Adapter interface {
	Upsert(ctx context.Context, memoryNodeID string, vector []float64, metadata map[string]interface{}) (externalVectorID string, err error)
}

// Queue is the subset of store.PostgresVectorQueueStore the worker needs,
// narrowed to an interface so tests can substitute an in-memory fake.
type Queue interface {
	DrainBatch(ctx context.Context, limit int) ([]store.VectorQueueItem, error)
	MarkCompleted(ctx context.Context, id, externalVectorID string) error
	MarkError(ctx context.Context, id, reason string) error
	QueueDepth(ctx context.Context, namespace string) (int, error)
}

// Worker runs the polling loop described in SPEC_FULL.md §4.7: every
// interval, drain up to batchSize rows and process each independently so one
// bad row never blocks the rest of the batch.
type Worker struct {
	queue     Queue
	adapter   Adapter
	interval  time.Duration
	batchSize int

	// depthGauge, if set, receives the per-namespace queue depth recomputed
	// once per pass (§4.7's "queue-depth metric").
	depthGauge func(namespace string, depth int)
}

// Option configures a Worker at construction time.
type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

func WithDepthGauge(fn func(namespace string, depth int)) Option {
	return func(w *Worker) { w.depthGauge = fn }
}

// New builds a Worker with spec defaults: 5s interval, batch size 50.
func New(queue Queue, adapter Adapter, opts ...Option) *Worker {
	w := &Worker{
		queue:     queue,
		adapter:   adapter,
		interval:  5 * time.Second,
		batchSize: 50,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, polling every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce drains and processes a single batch; exported so tests and a
// one-shot CLI invocation don't need to wait out a ticker interval.
func (w *Worker) RunOnce(ctx context.Context) error {
	items, err := w.queue.DrainBatch(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("vectorworker: drain batch: %w", err)
	}

	namespaces := make(map[string]struct{})
	for _, item := range items {
		namespaces[item.Namespace] = struct{}{}
		w.processOne(ctx, item)
	}

	if w.depthGauge != nil {
		for ns := range namespaces {
			depth, err := w.queue.QueueDepth(ctx, ns)
			if err == nil {
				w.depthGauge(ns, depth)
			}
		}
	}

	return nil
}

func (w *Worker) processOne(ctx context.Context, item store.VectorQueueItem) {
	vector, metadata, err := decodeVector(item)
	if err != nil {
		_ = w.queue.MarkError(ctx, item.ID, "missing or invalid vector_data")
		return
	}

	externalVectorID, err := w.adapter.Upsert(ctx, item.MemoryNodeID, vector, metadata)
	if err != nil {
		_ = w.queue.MarkError(ctx, item.ID, fmt.Sprintf("adapter_error: %v", err))
		return
	}

	_ = w.queue.MarkCompleted(ctx, item.ID, externalVectorID)
}

// decodeVector validates that vector_data is a non-empty numeric array of
// the declared dimension (§4.7's validation rule).
func decodeVector(item store.VectorQueueItem) ([]float64, map[string]interface{}, error) {
	var vector []float64
	if err := json.Unmarshal(item.VectorData, &vector); err != nil {
		return nil, nil, fmt.Errorf("vector_data is not a numeric array: %w", err)
	}
	if len(vector) == 0 {
		return nil, nil, fmt.Errorf("vector_data is empty")
	}
	if item.Dimension > 0 && len(vector) != item.Dimension {
		return nil, nil, fmt.Errorf("vector_data length %d does not match declared dimension %d", len(vector), item.Dimension)
	}

	metadata := map[string]interface{}{}
	if len(item.Metadata) > 0 {
		if err := json.Unmarshal(item.Metadata, &metadata); err != nil {
			return nil, nil, fmt.Errorf("metadata is not a JSON object: %w", err)
		}
	}

	return vector, metadata, nil
}
