package identity

import (
	"crypto/sha256"
	"testing"
)

func TestGenerateSignVerifyRoundTrip(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := sha256.Sum256([]byte("hello world"))
	sig, err := k.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(k.PublicKeyB64(), digest, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("signature did not verify")
	}
}

func TestExportRestorePreservesSigning(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	exported, err := k.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored, err := Restore(exported)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PublicKeyB64() != k.PublicKeyB64() {
		t.Fatal("restored public key does not match original")
	}

	digest := sha256.Sum256([]byte("round trip"))
	sig, err := restored.Sign(digest)
	if err != nil {
		t.Fatalf("sign with restored key: %v", err)
	}
	ok, err := Verify(k.PublicKeyB64(), digest, sig)
	if err != nil || !ok {
		t.Fatalf("signature from restored key failed verification: ok=%v err=%v", ok, err)
	}
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	k, _ := GenerateKeys()
	digest := sha256.Sum256([]byte("original"))
	sig, _ := k.Sign(digest)

	tampered := sha256.Sum256([]byte("tampered"))
	ok, err := Verify(k.PublicKeyB64(), tampered, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("signature should not verify against a different digest")
	}
}

func TestIdentityLifecycle(t *testing.T) {
	var id Identity
	if id.HasKeys() {
		t.Fatal("new identity should have no keys")
	}
	if err := id.Generate(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !id.HasKeys() {
		t.Fatal("identity should have keys after Generate")
	}
	if id.Fingerprint != "" {
		t.Fatal("fingerprint must not be set before registration")
	}
	id.ApplyRegistration("fp-123", "alice")
	if id.Fingerprint != "fp-123" || id.Alias != "alice" {
		t.Fatal("ApplyRegistration did not set fingerprint/alias")
	}
}
