package artifacts

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sentinelnet/governor/pkg/crypto"
)

var ErrSignerNotConfigured = errors.New("artifacts: signer not configured (fail-closed)")

// ArtifactEnvelope is one signed archival object: a payload stored under a
// caller-chosen key plus the signature over its digest. The audit archival batcher
// (C3 §6) builds one of these per batch-NNNN.jsonl.gz it uploads.
type ArtifactEnvelope struct {
	Key            string
	Payload        []byte
	Signature      string
	SignatureKeyID string
}

// SignEnvelope signs the SHA-256 digest of env.Payload with signer and
// stamps the result onto env. It fails closed: a nil signer or empty
// payload is an error, never a silently-unsigned envelope.
func SignEnvelope(ctx context.Context, env *ArtifactEnvelope, signer *crypto.ChainSigner) error {
	if env == nil {
		return errors.New("artifacts: nil envelope")
	}
	if signer == nil {
		return ErrSignerNotConfigured
	}
	if len(env.Payload) == 0 {
		return errors.New("artifacts: missing payload")
	}

	digest := sha256.Sum256(env.Payload)
	sig, kid, err := signer.Sign(ctx, digest[:])
	if err != nil {
		return fmt.Errorf("artifacts: sign failed: %w", err)
	}
	env.Signature = sig
	env.SignatureKeyID = kid
	return nil
}
