// Package identity derives reproducible Ed25519 identities from a passphrase.
//
// The passphrase is the only secret: it is hashed into BIP-39 entropy, the
// resulting mnemonic is stretched into a seed, and every persona key is an
// HMAC-SHA512 child of that seed. Identical passphrases always yield identical
// keys, so callers must gate weak phrases with CheckStrength first.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tyler-smith/go-bip39"

	"github.com/consequence/explorer/internal/crypto"
)

const (
	// DefaultAccounts is the number of accounts in a default persona pool.
	DefaultAccounts = 1
	// DefaultAddresses is the number of addresses per account in a default pool.
	DefaultAddresses = 7

	maxIndex = 255
)

// childKeyLabel keys the HMAC that derives every child seed.
var childKeyLabel = []byte("necessitated")

// ErrIndexRange is returned when an account or address index does not fit in a byte.
var ErrIndexRange = errors.New("identity: index out of range 0..255")

// Identity is the public half of a derived keypair. It is safe to display and persist.
type Identity struct {
	Path      string `json:"path"`
	PublicKey string `json:"publicKey"`
}

// SecretIdentity carries the private seed of a derived keypair.
// The seed never leaves the value through formatting, JSON or slog.
type SecretIdentity struct {
	Identity
	priv crypto.PrivateKey
}

// DeriveMnemonic maps a passphrase onto a 24-word English mnemonic using the
// first 32 bytes of its SHA-512 digest as entropy.
func DeriveMnemonic(passphrase string) string {
	sum := crypto.SHA512([]byte(passphrase))
	mnemonic, err := bip39.NewMnemonic(sum[:32])
	if err != nil {
		// 256 bits is always a valid entropy size
		panic(fmt.Sprintf("identity: mnemonic from 32-byte entropy: %v", err))
	}
	crypto.Zero(sum[:])
	return mnemonic
}

// DeriveSeed stretches a mnemonic into the 64-byte BIP-39 seed with an empty
// passphrase extension.
func DeriveSeed(mnemonic string) []byte {
	return bip39.NewSeed(mnemonic, "")
}

// DeriveChild returns the 32-byte Ed25519 seed for (account, address).
func DeriveChild(seed []byte, account, address int) ([]byte, error) {
	if err := checkIndex(account, address); err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(seed)+2)
	msg = append(msg, seed...)
	msg = append(msg, byte(account), byte(address))

	digest := crypto.HMACSHA512(childKeyLabel, msg)
	child := make([]byte, crypto.SeedSize)
	copy(child, digest[:crypto.SeedSize])
	crypto.Zero(digest)
	crypto.Zero(msg)
	return child, nil
}

// DeriveIdentity derives the public identity at (account, address) from a mnemonic.
func DeriveIdentity(mnemonic string, account, address int) (Identity, error) {
	seed := DeriveSeed(mnemonic)
	defer crypto.Zero(seed)
	return deriveFromSeed(seed, account, address)
}

// DeriveSecretIdentity re-derives the keypair at (account, address) including
// its private seed. Callers must Wipe the result once they are done signing.
func DeriveSecretIdentity(passphrase string, account, address int) (*SecretIdentity, error) {
	if err := checkIndex(account, address); err != nil {
		return nil, err
	}
	seed := DeriveSeed(DeriveMnemonic(passphrase))
	defer crypto.Zero(seed)

	child, err := DeriveChild(seed, account, address)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(child)

	priv, err := crypto.NewKeyFromSeed(child)
	if err != nil {
		return nil, err
	}
	return &SecretIdentity{
		Identity: Identity{
			Path:      Path(account, address),
			PublicKey: encodeKey(crypto.PublicKeyOf(priv)),
		},
		priv: priv,
	}, nil
}

// Path formats the derivation path of (account, address).
func Path(account, address int) string {
	return fmt.Sprintf("m/%d/%d", account, address)
}

// Public returns the public-only view of s.
func (s *SecretIdentity) Public() Identity {
	return s.Identity
}

// Sign signs msg with the private key. It fails after Wipe.
func (s *SecretIdentity) Sign(msg []byte) ([]byte, error) {
	if s == nil || len(s.priv) == 0 {
		return nil, errors.New("identity: secret identity has been wiped")
	}
	return crypto.Sign(s.priv, msg)
}

// Wipe zeroes the private key.
func (s *SecretIdentity) Wipe() {
	if s == nil {
		return
	}
	crypto.Zero(s.priv)
	s.priv = nil
}

// String hides the secret.
func (s *SecretIdentity) String() string {
	return fmt.Sprintf("SecretIdentity{%s %s}", s.Path, s.PublicKey)
}

// MarshalJSON only emits the public identity.
func (s *SecretIdentity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Identity)
}

// LogValue only exposes the public identity to slog.
func (s *SecretIdentity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", s.Path),
		slog.String("public_key", s.PublicKey),
	)
}

func deriveFromSeed(seed []byte, account, address int) (Identity, error) {
	child, err := DeriveChild(seed, account, address)
	if err != nil {
		return Identity{}, err
	}
	defer crypto.Zero(child)

	priv, err := crypto.NewKeyFromSeed(child)
	if err != nil {
		return Identity{}, err
	}
	defer crypto.Zero(priv)

	return Identity{
		Path:      Path(account, address),
		PublicKey: encodeKey(crypto.PublicKeyOf(priv)),
	}, nil
}

func encodeKey(pub crypto.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func checkIndex(account, address int) error {
	if account < 0 || account > maxIndex || address < 0 || address > maxIndex {
		return fmt.Errorf("%w: account=%d address=%d", ErrIndexRange, account, address)
	}
	return nil
}
