package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/group"
)

// Sizes of the encoded key material.
const (
	PublicKeySize = 32
	SeedSize      = 32
)

const keyDST = "safnode/key/v1"

var suite = group.Ristretto255

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSeed      = errors.New("invalid key seed")
)

// PublicKey is a compressed Ristretto255 point. It is comparable and can
// be used directly as a map key.
type PublicKey [PublicKeySize]byte

// PublicKeyFromBytes decodes and validates a public key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(b))
	}
	copy(pk[:], b)
	if _, err := pk.element(); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return PublicKeyFromBytes(b)
}

func (pk PublicKey) element() (group.Element, error) {
	e := suite.NewElement()
	if err := e.UnmarshalBinary(pk[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if e.IsIdentity() {
		return nil, fmt.Errorf("%w: identity point", ErrInvalidPublicKey)
	}
	return e, nil
}

// Bytes returns a copy of the encoded key.
func (pk PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, pk[:])
	return b
}

// IsZero reports whether pk is the zero value.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (pk PublicKey) Short() string {
	return hex.EncodeToString(pk[:8])
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// SecretKey is a Ristretto255 scalar.
type SecretKey struct {
	s group.Scalar
}

// Public derives the public key for sk.
func (sk *SecretKey) Public() PublicKey {
	var pk PublicKey
	b, err := suite.NewElement().MulGen(sk.s).MarshalBinary()
	if err != nil {
		return pk
	}
	copy(pk[:], b)
	return pk
}

// KeyPair is a secret key with its public key and the seed it was derived
// from. The seed is what gets persisted and turned into a recovery phrase.
type KeyPair struct {
	Secret *SecretKey
	Public PublicKey
	seed   []byte
}

// GenerateKeyPair creates a key pair from a fresh random seed.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	defer ZeroBytes(seed)
	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed derives a key pair deterministically from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSeed, len(seed))
	}
	s := suite.HashToScalar(seed, []byte(keyDST))
	if s.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidSeed)
	}
	sk := &SecretKey{s: s}
	kept := make([]byte, SeedSize)
	copy(kept, seed)
	return &KeyPair{Secret: sk, Public: sk.Public(), seed: kept}, nil
}

// Seed returns a copy of the seed.
func (kp *KeyPair) Seed() []byte {
	b := make([]byte, len(kp.seed))
	copy(b, kp.seed)
	return b
}
