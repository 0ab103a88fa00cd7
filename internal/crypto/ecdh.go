package crypto

import (
	"errors"
	"fmt"
)

// SharedSecretSize is the length of an ECDH shared secret.
const SharedSecretSize = 32

// SharedSecret is the encoded point produced by ECDH.
type SharedSecret [SharedSecretSize]byte

var ErrInvalidSharedSecret = errors.New("invalid shared secret")

// GenerateECDHSecret computes sk*pk. The result is symmetric:
// GenerateECDHSecret(a, B) == GenerateECDHSecret(b, A).
func GenerateECDHSecret(sk *SecretKey, pk PublicKey) (SharedSecret, error) {
	var secret SharedSecret
	if sk == nil || sk.s == nil {
		return secret, fmt.Errorf("ecdh: no secret key")
	}
	P, err := pk.element()
	if err != nil {
		return secret, err
	}
	Q := suite.NewElement().Mul(P, sk.s)
	if Q.IsIdentity() {
		return secret, ErrInvalidSharedSecret
	}
	b, err := Q.MarshalBinary()
	if err != nil {
		return secret, fmt.Errorf("encode shared secret: %w", err)
	}
	copy(secret[:], b)
	ZeroBytes(b)
	return secret, nil
}

// Zero clears the secret in place.
func (s *SharedSecret) Zero() {
	ZeroBytes(s[:])
}
