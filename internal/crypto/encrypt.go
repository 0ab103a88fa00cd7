package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Ciphertext format:
// [nonce (24 bytes)][XChaCha20-Poly1305 ciphertext][tag (16 bytes)]
const envelopeKeyInfo = "safnode-envelope-v1"

// ErrDecryptionFailed is returned for any ciphertext that does not
// authenticate under the given secret, including truncated input.
var ErrDecryptionFailed = errors.New("decryption failed")

func envelopeKey(secret SharedSecret) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret[:], nil, []byte(envelopeKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a key derived from secret. A random nonce
// is prepended to the output.
func Encrypt(secret SharedSecret, plaintext []byte) ([]byte, error) {
	key, err := envelopeKey(secret)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(secret SharedSecret, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrDecryptionFailed
	}
	key, err := envelopeKey(secret)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
