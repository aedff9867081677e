package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DigestSigner signs and verifies pre-hashed digests, returning the kid of
// the key that produced the signature (C2 Signer interface).
type DigestSigner interface {
	Sign(ctx context.Context, digest []byte) (signature, signerKid string, err error)
	Verify(ctx context.Context, digest []byte, signature, signerKid string) (bool, error)
}

// kmsBackend is satisfied by pkg/kms.Client; declared here to avoid an
// import cycle (pkg/kms never needs pkg/crypto).
type kmsBackend interface {
	Sign(ctx context.Context, digest []byte) (string, error)
	Verify(ctx context.Context, digest []byte, signature string) (bool, error)
	KeyID() string
}

// ChainSigner tries KMS, then a remote signing proxy, then a local
// ephemeral Ed25519 key, in that order. With RequireKms set it never falls
// through to the local leg: if neither KMS nor the proxy signs, it returns
// an AuditSigningFailure-class error instead.
type ChainSigner struct {
	kms        kmsBackend
	proxy      *ProxySigner
	local      *Ed25519Signer
	requireKms bool
	timeout    time.Duration
}

// NewChainSigner builds the priority chain. Any of kmsClient/proxy may be
// nil, in which case that leg is skipped. local must always be provided as
// the last-resort fallback in non-production environments.
func NewChainSigner(kmsClient kmsBackend, proxy *ProxySigner, local *Ed25519Signer, requireKms bool) *ChainSigner {
	return &ChainSigner{
		kms:        kmsClient,
		proxy:      proxy,
		local:      local,
		requireKms: requireKms,
		timeout:    5 * time.Second,
	}
}

// Sign signs digest, trying each configured backend in priority order with
// a 5s timeout and a single retry per backend.
func (c *ChainSigner) Sign(ctx context.Context, digest []byte) (string, string, error) {
	var remoteErr error
	if c.kms != nil {
		sig, kid, err := c.signWithRetry(ctx, func(ctx context.Context) (string, string, error) {
			s, err := c.kms.Sign(ctx, digest)
			return s, c.kms.KeyID(), err
		})
		if err == nil {
			return sig, kid, nil
		}
		remoteErr = err
	}

	if c.proxy != nil {
		sig, kid, err := c.signWithRetry(ctx, func(ctx context.Context) (string, string, error) {
			return c.proxy.Sign(ctx, digest)
		})
		if err == nil {
			return sig, kid, nil
		}
		remoteErr = err
	}

	if c.requireKms {
		if remoteErr != nil {
			return "", "", fmt.Errorf("crypto: remote signing failed and RequireKms is set: %w", remoteErr)
		}
		return "", "", fmt.Errorf("crypto: RequireKms is set but no kms or proxy backend configured")
	}

	if c.local == nil {
		return "", "", fmt.Errorf("crypto: no signing backend available")
	}
	sig, err := c.local.Sign(digest)
	if err != nil {
		return "", "", fmt.Errorf("crypto: local fallback signing failed: %w", err)
	}
	return sig, c.local.KeyID, nil
}

func (c *ChainSigner) signWithRetry(ctx context.Context, fn func(context.Context) (string, string, error)) (string, string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		sig, kid, err := fn(cctx)
		cancel()
		if err == nil {
			return sig, kid, nil
		}
		lastErr = err
	}
	return "", "", lastErr
}

// Verify verifies a signature produced by Sign, dispatching by signerKid:
// the local fallback key's kid is checked against c.local, the KMS key id
// is checked against c.kms, anything else against the proxy's public key.
func (c *ChainSigner) Verify(ctx context.Context, digest []byte, signature, signerKid string) (bool, error) {
	if c.local != nil && signerKid == c.local.KeyID {
		return c.local.Verify(digest, mustHexDecode(signature)), nil
	}
	if c.kms != nil && signerKid == c.kms.KeyID() {
		return c.kms.Verify(ctx, digest, signature)
	}
	if c.proxy != nil {
		return c.proxy.Verify(ctx, digest, signature, signerKid)
	}
	return false, fmt.Errorf("crypto: no backend recognizes signerKid %q", signerKid)
}

func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// ProxySigner delegates signing to an HTTP signing proxy: POST {digest}
// returns {signature, signerKid}. Verification uses a cached public key
// fetched once from the proxy's /publickey endpoint.
type ProxySigner struct {
	baseURL    string
	httpClient *http.Client
	pubKeyHex  string
}

func NewProxySigner(baseURL string) *ProxySigner {
	return &ProxySigner{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type proxySignRequest struct {
	DigestHex string `json:"digestHex"`
}

type proxySignResponse struct {
	SignatureHex string `json:"signatureHex"`
	SignerKid    string `json:"signerKid"`
}

func (p *ProxySigner) Sign(ctx context.Context, digest []byte) (string, string, error) {
	body, err := json.Marshal(proxySignRequest{DigestHex: hex.EncodeToString(digest)})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("crypto: signing proxy request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("crypto: signing proxy returned %d", resp.StatusCode)
	}

	var out proxySignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("crypto: signing proxy response decode failed: %w", err)
	}
	return out.SignatureHex, out.SignerKid, nil
}

func (p *ProxySigner) Verify(ctx context.Context, digest []byte, signature, signerKid string) (bool, error) {
	if p.pubKeyHex == "" {
		if err := p.fetchPublicKey(ctx); err != nil {
			return false, err
		}
	}
	return Verify(p.pubKeyHex, signature, digest)
}

func (p *ProxySigner) fetchPublicKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/publickey", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crypto: signing proxy public key fetch failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		PublicKeyHex string `json:"publicKeyHex"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("crypto: signing proxy public key decode failed: %w", err)
	}
	p.pubKeyHex = out.PublicKeyHex
	return nil
}

// DeriveLocalSigner derives a stable Ed25519 signing key for non-production
// environments from a master secret using HKDF, so restarts of the same
// environment reuse the same local fallback identity instead of minting a
// new one (and invalidating every previously signed event) on every boot.
// If masterSecret is empty, a fresh random key is generated instead (used
// for genuinely ephemeral/test signers).
func DeriveLocalSigner(masterSecret []byte, kid string) (*Ed25519Signer, error) {
	if len(masterSecret) == 0 {
		return NewEd25519Signer(kid)
	}
	kdf := hkdf.New(sha256.New, masterSecret, []byte("governor-audit-signer"), []byte(kid))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return NewEd25519SignerFromKey(priv, kid), nil
}
