// Package e2e wraps a DirectRoom with an ephemeral ECDH key exchange and
// AES-GCM frame encryption, so application payloads for one peer relationship
// never cross the signaling server or a relaying peer in the clear
// (spec.md §4.9).
package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// curve is fixed to P-256 per spec.md §3 "E2E material".
func curve() ecdh.Curve { return ecdh.P256() }

// GenerateKeyPair creates a fresh ephemeral ECDH keypair for one room.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("e2e: generate keypair: %w", err)
	}
	return priv, nil
}

// EncodePublicKey returns the base64 wire form of a public key.
func EncodePublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// DecodePublicKey parses a base64-encoded peer public key.
func DecodePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("e2e: decode public key: %w", err)
	}
	pub, err := curve().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("e2e: parse public key: %w", err)
	}
	return pub, nil
}

// DeriveSharedKey runs ECDH against the peer's public key, then HKDF-SHA256
// to stretch the shared secret into an AES-256-GCM AEAD. The HKDF info
// label is the same fixed string on both ends, so the initiator and the
// responder derive the same key from their shared secret;
// remoteFingerprint does not enter the derivation.
func DeriveSharedKey(private *ecdh.PrivateKey, peerPublicKeyB64, remoteFingerprint string) (cipher.AEAD, error) {
	peerPub, err := DecodePublicKey(peerPublicKeyB64)
	if err != nil {
		return nil, err
	}

	shared, err := private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("e2e: ecdh: %w", err)
	}

	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, salt, []byte("peerhub-e2e"))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("e2e: hkdf: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("e2e: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns base64(iv || ciphertext_with_tag)
// (spec.md §3 "Encrypted message framing").
func Encrypt(aead cipher.AEAD, plaintext []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("e2e: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(aead cipher.AEAD, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("e2e: decode: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("e2e: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("e2e: decrypt: %w", err)
	}
	return plaintext, nil
}
