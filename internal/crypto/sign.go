package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/group"
)

// SignatureSize is the length of an encoded signature: the commitment
// point R followed by the response scalar s.
const SignatureSize = 64

const challengeDST = "safnode/schnorr/v1"

// Sign produces a Schnorr signature over message.
func Sign(sk *SecretKey, message []byte) ([]byte, error) {
	if sk == nil || sk.s == nil {
		return nil, fmt.Errorf("sign: no secret key")
	}
	r := suite.RandomNonZeroScalar(rand.Reader)
	R := suite.NewElement().MulGen(r)
	rBytes, err := R.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode commitment: %w", err)
	}

	pk := sk.Public()
	e := challenge(rBytes, pk, message)

	s := suite.NewScalar().Mul(e, sk.s)
	s.Add(s, r)
	sBytes, err := s.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, rBytes...)
	sig = append(sig, sBytes...)
	return sig, nil
}

// Verify checks a signature produced by Sign. Malformed input returns false,
// as does a response scalar that is not reduced mod the group order, so a
// valid signature has exactly one encoding.
func Verify(pk PublicKey, signature, message []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	P, err := pk.element()
	if err != nil {
		return false
	}
	R := suite.NewElement()
	if err := R.UnmarshalBinary(signature[:32]); err != nil {
		return false
	}
	s := suite.NewScalar()
	if err := s.UnmarshalBinary(signature[32:]); err != nil {
		return false
	}
	canonical, err := s.MarshalBinary()
	if err != nil || !bytes.Equal(canonical, signature[32:]) {
		return false
	}

	e := challenge(signature[:32], pk, message)
	lhs := suite.NewElement().MulGen(s)
	rhs := suite.NewElement().Mul(P, e)
	rhs.Add(rhs, R)
	return lhs.IsEqual(rhs)
}

func challenge(commitment []byte, pk PublicKey, message []byte) group.Scalar {
	buf := make([]byte, 0, len(commitment)+PublicKeySize+len(message))
	buf = append(buf, commitment...)
	buf = append(buf, pk[:]...)
	buf = append(buf, message...)
	return suite.HashToScalar(buf, []byte(challengeDST))
}
