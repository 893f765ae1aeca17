// Package identity implements the client's durable ECDSA(P-256) keypair and
// the mutable identity record the coordinator fills in at registration time.
//
// Identity keys are distinct from the ephemeral ECDH keys used by the E2E
// room (internal/e2e): these sign/verify, those derive a shared secret. The
// two must never be reused for each other's purpose (spec.md §9).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrNoKeys is returned by operations that require a generated/restored
// keypair before one has been established.
var ErrNoKeys = errors.New("identity: no keypair; call Generate or Restore first")

// Keys holds the ECDSA(P-256) keypair used to sign/verify on behalf of this
// client. The public half is also exported as a raw base64 blob for the
// register wire message (spec.md §6 "register").
type Keys struct {
	Private *ecdsa.PrivateKey
}

// Exported is the structured private/public form used for persistence
// (spec.md §3: "exportable to a structured private/public form").
type Exported struct {
	PrivateKeyPEM string `json:"private_key_pem" yaml:"private_key_pem"`
	PublicKeyB64  string `json:"public_key_b64" yaml:"public_key_b64"`
}

// GenerateKeys creates a fresh ECDSA(P-256) keypair.
func GenerateKeys() (*Keys, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Keys{Private: priv}, nil
}

// Export serializes the keypair to its durable form.
func (k *Keys) Export() (Exported, error) {
	if k == nil || k.Private == nil {
		return Exported{}, ErrNoKeys
	}
	der, err := x509.MarshalECPrivateKey(k.Private)
	if err != nil {
		return Exported{}, fmt.Errorf("identity: marshal private key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return Exported{
		PrivateKeyPEM: string(block),
		PublicKeyB64:  k.PublicKeyB64(),
	}, nil
}

// Restore reconstructs a keypair from its exported form.
func Restore(e Exported) (*Keys, error) {
	block, _ := pem.Decode([]byte(e.PrivateKeyPEM))
	if block == nil {
		return nil, errors.New("identity: invalid PEM block in exported key")
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	return &Keys{Private: priv}, nil
}

// PublicKeyB64 returns the raw (uncompressed point, X9.62) public key,
// base64-encoded, for the register wire message.
func (k *Keys) PublicKeyB64() string {
	if k == nil || k.Private == nil {
		return ""
	}
	pub := elliptic.Marshal(k.Private.PublicKey.Curve, k.Private.PublicKey.X, k.Private.PublicKey.Y)
	return base64.StdEncoding.EncodeToString(pub)
}

// Sign produces an ASN.1 DER ECDSA signature over data's SHA-256 digest.
func (k *Keys) Sign(digest [32]byte) ([]byte, error) {
	if k == nil || k.Private == nil {
		return nil, ErrNoKeys
	}
	return ecdsa.SignASN1(rand.Reader, k.Private, digest[:])
}

// Verify checks an ASN.1 DER ECDSA signature against a raw base64 public key
// (as produced by PublicKeyB64) and a SHA-256 digest.
func Verify(publicKeyB64 string, digest [32]byte, sig []byte) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return false, fmt.Errorf("identity: decode public key: %w", err)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return false, errors.New("identity: invalid public key point")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}

// Identity is the mutable per-client identity record. It starts empty; a
// caller populates Keys via Generate/Restore before registering, and the
// coordinator fills in Fingerprint/Alias once the server responds to
// "register" with "registered" (spec.md §3 Identity, §4.4).
type Identity struct {
	Keys        *Keys
	Fingerprint string // server-assigned; never derived locally
	Alias       string
	Meta        map[string]any
}

// Generate creates a new keypair for this identity, discarding any previous
// one (explicit regeneration, spec.md §3 "mutated only by ... explicit
// regeneration").
func (id *Identity) Generate() error {
	k, err := GenerateKeys()
	if err != nil {
		return err
	}
	id.Keys = k
	return nil
}

// RestoreFrom populates Keys from a previously exported form.
func (id *Identity) RestoreFrom(e Exported) error {
	k, err := Restore(e)
	if err != nil {
		return err
	}
	id.Keys = k
	return nil
}

// ApplyRegistration records the server's authoritative binding of this
// identity to a fingerprint and alias.
func (id *Identity) ApplyRegistration(fingerprint, alias string) {
	id.Fingerprint = fingerprint
	id.Alias = alias
}

// HasKeys reports whether a keypair has been generated or restored.
func (id *Identity) HasKeys() bool {
	return id.Keys != nil && id.Keys.Private != nil
}
