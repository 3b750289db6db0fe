package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func signedChallenge(t *testing.T) (publicKey, challenge, signature string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw := []byte("challenge-bytes")
	sig := ed25519.Sign(priv, raw)
	return base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(sig)
}

func TestVerifySignature(t *testing.T) {
	pub, challenge, sig := signedChallenge(t)
	if err := VerifySignature(pub, challenge, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignature_WrongKey(t *testing.T) {
	_, challenge, sig := signedChallenge(t)
	otherPub, _, _ := signedChallenge(t)
	if err := VerifySignature(otherPub, challenge, sig); err == nil {
		t.Fatalf("foreign key must not verify")
	}
}

func TestVerifySignature_Malformed(t *testing.T) {
	pub, challenge, sig := signedChallenge(t)
	if err := VerifySignature("!!!", challenge, sig); err == nil {
		t.Fatalf("bad public key must fail")
	}
	if err := VerifySignature(pub, "", sig); err == nil {
		t.Fatalf("empty challenge must fail")
	}
	if err := VerifySignature(pub, challenge, "short"); err == nil {
		t.Fatalf("bad signature must fail")
	}
}

func TestNamespaceForKey_Deterministic(t *testing.T) {
	pub, _, _ := signedChallenge(t)
	a := NamespaceForKey(pub)
	b := NamespaceForKey(pub)
	if a != b {
		t.Fatalf("namespace must be stable for a key")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}

	other, _, _ := signedChallenge(t)
	if NamespaceForKey(other) == a {
		t.Fatalf("different keys must land in different namespaces")
	}
}
