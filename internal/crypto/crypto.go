// Package crypto wraps the hash and signature primitives used for identity
// derivation and assertion signing.
//
// This includes:
// - SHA-512 and HMAC-SHA512 for key derivation
// - SHA3-256 for assertion digests
// - Ed25519 keypair generation, signing and verification
package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/sha3"
)

const (
	// SeedSize is the size of an Ed25519 private key seed.
	SeedSize = ed25519.SeedSize
	// PublicKeySize is the size of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the size of an Ed25519 detached signature.
	SignatureSize = ed25519.SignatureSize
)

// PrivateKey is an Ed25519 private key (seed followed by public key).
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key.
type PublicKey = ed25519.PublicKey

// SHA512 returns the SHA-512 digest of data.
func SHA512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// HMACSHA512 returns HMAC-SHA512 of msg under key.
func HMACSHA512(key, msg []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// SHA3Hex returns the lowercase hex encoding of the SHA3-256 digest of data.
func SHA3Hex(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewKeyFromSeed expands a 32-byte seed into an Ed25519 private key.
func NewKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKeyOf returns the public half of priv.
func PublicKeyOf(priv PrivateKey) PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

// Sign returns the detached Ed25519 signature of msg.
func Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.Sign(priv, msg), nil
}

// Verify checks an Ed25519 signature. Malformed keys or signatures report false.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
