package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/cosmos/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const safetyWords = 6

// SafetyPhrase derives words two node operators can read to each other to
// confirm they hold each other's real public keys. The result does not
// depend on argument order.
func SafetyPhrase(a, b PublicKey) (string, error) {
	first, second := a.Bytes(), b.Bytes()
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	r := hkdf.New(sha256.New, append(append([]byte{}, first...), second...), nil, []byte("safnode-safety-phrase"))
	entropy := make([]byte, 16)
	if _, err := io.ReadFull(r, entropy); err != nil {
		return "", fmt.Errorf("derive safety phrase: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("derive safety phrase: %w", err)
	}
	return strings.Join(strings.Fields(mnemonic)[:safetyWords], " "), nil
}
