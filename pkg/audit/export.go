package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelnet/governor/pkg/artifacts"
	"github.com/sentinelnet/governor/pkg/canonicalize"
	"github.com/sentinelnet/governor/pkg/crypto"
)

// ErrInvalidTimeRange is returned when from is not strictly before to.
var ErrInvalidTimeRange = errors.New("audit: from must be before to")

// defaultBatchSize caps how many events go into a single batch-NNNN.jsonl.gz
// object, so a busy day's archival doesn't produce one unbounded blob.
const defaultBatchSize = 5000

// Batcher implements the C3 §6 archival path: it pulls a time-bounded slice
// of the signed audit chain, re-serializes each entry as a canonical JSON
// line, gzips the lines into YYYY/MM/DD/batch-NNNN.jsonl.gz objects, signs
// each object's digest, and uploads it through a pluggable artifacts.Store
// (filesystem in development, S3/GCS in production). Archival runs
// best-effort after the chain commit; a failure here never unwinds the
// mutation the audit event accompanied.
type Batcher struct {
	chain     *Chain
	store     artifacts.Store
	signer    *crypto.ChainSigner
	batchSize int
}

// NewBatcher wires the archival batcher to the chain it reads from, the
// store it writes to, and the signer each batch object is signed with.
func NewBatcher(chain *Chain, store artifacts.Store, signer *crypto.ChainSigner) *Batcher {
	return &Batcher{
		chain:     chain,
		store:     store,
		signer:    signer,
		batchSize: defaultBatchSize,
	}
}

func (b *Batcher) WithBatchSize(n int) *Batcher {
	if n > 0 {
		b.batchSize = n
	}
	return b
}

// ArchiveRange archives every event with ts in [from, to) and returns the
// object keys it wrote, oldest first. It is a no-op, returning (nil, nil),
// when the range is empty of events.
func (b *Batcher) ArchiveRange(ctx context.Context, from, to time.Time) ([]string, error) {
	if !from.Before(to) {
		return nil, ErrInvalidTimeRange
	}

	entries, err := b.chain.EntriesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: archive range query: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	datePrefix := from.UTC().Format("2006/01/02")
	var keys []string
	for batchNum, start := 0, 0; start < len(entries); batchNum, start = batchNum+1, start+b.batchSize {
		end := start + b.batchSize
		if end > len(entries) {
			end = len(entries)
		}

		payload, err := gzipJSONLines(entries[start:end])
		if err != nil {
			return keys, fmt.Errorf("audit: gzip batch %d: %w", batchNum, err)
		}

		key := fmt.Sprintf("%s/batch-%04d.jsonl.gz", datePrefix, batchNum)
		env := &artifacts.ArtifactEnvelope{Key: key, Payload: payload}
		if err := artifacts.SignEnvelope(ctx, env, b.signer); err != nil {
			return keys, fmt.Errorf("audit: sign batch %s: %w", key, err)
		}

		if err := b.store.PutNamed(ctx, env.Key, env.Payload); err != nil {
			return keys, fmt.Errorf("audit: upload batch %s: %w", key, err)
		}
		sidecar := fmt.Sprintf("%s.sig", key)
		sigPayload := []byte(env.Signature + " " + env.SignatureKeyID)
		if err := b.store.PutNamed(ctx, sidecar, sigPayload); err != nil {
			return keys, fmt.Errorf("audit: upload signature %s: %w", sidecar, err)
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// gzipJSONLines renders entries as one canonical (canonicalize.JCS) JSON
// object per line and gzips the result.
func gzipJSONLines(entries []ChainEntry) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)

	for i := range entries {
		line, err := canonicalize.JCS(&entries[i])
		if err != nil {
			_ = gw.Close()
			return nil, fmt.Errorf("audit: encode entry %s: %w", entries[i].EventID, err)
		}
		if _, err := gw.Write(append(line, '\n')); err != nil {
			_ = gw.Close()
			return nil, fmt.Errorf("audit: write entry %s: %w", entries[i].EventID, err)
		}
	}

	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
