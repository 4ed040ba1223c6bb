package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_AcceptsValidSignature(t *testing.T) {
	v := NewVerifier("topsecret", time.Minute)
	payload := Payload{RepoIdentifier: "repo-a", Timestamp: time.Now().UTC().Unix(), Nonce: "nonce-1", Action: "bootstrap_plan"}
	sig := v.Sign(payload)

	refused := v.Verify(payload, sig)
	require.Nil(t, refused)
}

func TestVerify_RejectsWrongSignature(t *testing.T) {
	v := NewVerifier("topsecret", time.Minute)
	payload := Payload{RepoIdentifier: "repo-a", Timestamp: time.Now().UTC().Unix(), Nonce: "nonce-1", Action: "bootstrap_plan"}

	refused := v.Verify(payload, "not-the-real-signature")
	require.NotNil(t, refused)
	assert.Equal(t, "BOOTSTRAP_SIGNATURE_INVALID", refused.Code)
}

func TestVerify_RejectsSignatureSignedWithDifferentSecret(t *testing.T) {
	signer := NewVerifier("secret-a", time.Minute)
	verifier := NewVerifier("secret-b", time.Minute)
	payload := Payload{RepoIdentifier: "repo-a", Timestamp: time.Now().UTC().Unix(), Nonce: "nonce-1", Action: "bootstrap_plan"}
	sig := signer.Sign(payload)

	refused := verifier.Verify(payload, sig)
	require.NotNil(t, refused)
	assert.Equal(t, "BOOTSTRAP_SIGNATURE_INVALID", refused.Code)
}

func TestVerify_RejectsTimestampOutsideSkew(t *testing.T) {
	v := NewVerifier("topsecret", time.Minute)
	payload := Payload{RepoIdentifier: "repo-a", Timestamp: time.Now().UTC().Add(-time.Hour).Unix(), Nonce: "nonce-1", Action: "bootstrap_plan"}
	sig := v.Sign(payload)

	refused := v.Verify(payload, sig)
	require.NotNil(t, refused)
	assert.Equal(t, "BOOTSTRAP_TIMESTAMP_SKEW", refused.Code)
}

func TestVerify_RejectsReusedNonce(t *testing.T) {
	v := NewVerifier("topsecret", time.Minute)
	payload := Payload{RepoIdentifier: "repo-a", Timestamp: time.Now().UTC().Unix(), Nonce: "nonce-1", Action: "bootstrap_plan"}
	sig := v.Sign(payload)

	require.Nil(t, v.Verify(payload, sig))

	refused := v.Verify(payload, sig)
	require.NotNil(t, refused)
	assert.Equal(t, "BOOTSTRAP_NONCE_REUSED", refused.Code)
}

func TestNewVerifier_DefaultsMaxSkewWhenZero(t *testing.T) {
	v := NewVerifier("topsecret", 0)
	assert.Equal(t, 5*time.Minute, v.maxSkew)
}
