// Package bootstrap implements the exceptional "first plan" authentication
// path: an HMAC-SHA256 signed payload that lets an executor create a
// workspace's very first plan before any plan exists to authorize it.
//
// Grounded on Aureuma-si's internal/githubapp/webhook.go VerifyWebhook /
// verifySig / hmacSum (HMAC-SHA256 over a byte payload, compared with
// hmac.Equal to avoid timing side channels), generalized from a GitHub
// webhook signature header to a signed JSON payload.
package bootstrap

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-gate/atlas-gate/internal/refusal"
)

// Payload is the bootstrap proof presented to bootstrap_plan.
type Payload struct {
	RepoIdentifier string `json:"repoIdentifier"`
	Timestamp      int64  `json:"timestamp"` // unix seconds
	Nonce          string `json:"nonce"`
	Action         string `json:"action"`
}

// canonicalBytes is the exact byte sequence the HMAC is computed over.
func (p Payload) canonicalBytes() []byte {
	// Field order is fixed (not map-derived) so the signer and verifier
	// never disagree on serialization.
	raw, _ := json.Marshal(struct {
		RepoIdentifier string `json:"repoIdentifier"`
		Timestamp      int64  `json:"timestamp"`
		Nonce          string `json:"nonce"`
		Action         string `json:"action"`
	}{p.RepoIdentifier, p.Timestamp, p.Nonce, p.Action})
	return raw
}

// Verifier checks bootstrap payload signatures against a process-configured
// secret, rejects timestamp skew beyond maxSkew, and enforces that nonces
// are spent at most once per workspace.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration

	mu     sync.Mutex
	spent  map[string]bool
	nowFn  func() time.Time
}

// NewVerifier returns a Verifier using secret and maxSkew (default 5
// minutes, applied here when maxSkew is zero or negative).
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{
		secret:  []byte(secret),
		maxSkew: maxSkew,
		spent:   make(map[string]bool),
		nowFn:   time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 signature of payload, for use by tests
// constructing valid bootstrap proofs.
func (v *Verifier) Sign(payload Payload) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload.canonicalBytes())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature, timestamp skew, and nonce freshness of
// payload. On success the nonce is marked spent and cannot be reused.
func (v *Verifier) Verify(payload Payload, signatureHex string) *refusal.Refusal {
	want := v.Sign(payload)
	if !hmac.Equal([]byte(want), []byte(signatureHex)) {
		return refusal.New(refusal.CodeBootstrapSignatureInvalid, "", "bootstrap signature does not match")
	}

	skew := v.nowFn().UTC().Sub(time.Unix(payload.Timestamp, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return refusal.New(refusal.CodeBootstrapTimestampSkew, "", fmt.Sprintf("timestamp skew %s exceeds %s", skew, v.maxSkew))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.spent[payload.Nonce] {
		return refusal.New(refusal.CodeBootstrapNonceReused, "", "nonce already used for this workspace")
	}
	v.spent[payload.Nonce] = true

	return nil
}
