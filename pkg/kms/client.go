// Package kms wraps the AWS KMS asymmetric sign/verify API as the remote
// signing backend for the audit chain signer (C2).
package kms

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// Client signs and verifies digests against a single asymmetric KMS key.
type Client struct {
	svc   *kms.Client
	keyID string
}

// New creates a Client for keyID using the default AWS credential chain.
func New(ctx context.Context, keyID string) (*Client, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}
	return &Client{svc: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

// Sign signs a pre-computed SHA-256 digest, returning a base64 signature.
func (c *Client) Sign(ctx context.Context, digest []byte) (string, error) {
	out, err := c.svc.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(c.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return "", fmt.Errorf("kms: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Signature), nil
}

// Verify verifies a base64 signature produced by Sign.
func (c *Client) Verify(ctx context.Context, digest []byte, signature string) (bool, error) {
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("kms: decode signature: %w", err)
	}
	out, err := c.svc.Verify(ctx, &kms.VerifyInput{
		KeyId:            aws.String(c.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		Signature:        sigBytes,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return false, fmt.Errorf("kms: verify: %w", err)
	}
	return out.SignatureValid, nil
}

// KeyID returns the KMS key id this client signs with, used as signerKid.
func (c *Client) KeyID() string {
	return c.keyID
}
