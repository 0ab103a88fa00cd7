package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
)

// Identity is a node's long-term key pair plus a human-readable name.
type Identity struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	keys *KeyPair
}

// PublicIdentity contains only the public parts of an identity.
type PublicIdentity struct {
	Name      string    `json:"name"`
	PublicKey PublicKey `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Argon2id parameters for the identity file key.
const (
	argon2Time    = 4
	argon2Memory  = 128 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

const identityFileVersion = 1

var ErrBadPassphrase = errors.New("invalid passphrase or corrupted file")

type identityFile struct {
	Version       uint8  `json:"version"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	Argon2Time    uint32 `json:"argon2_time"`
	Argon2Memory  uint32 `json:"argon2_memory"`
	Argon2Threads uint8  `json:"argon2_threads"`
}

type identityPlaintext struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Seed      []byte    `json:"seed"`
}

// GenerateIdentity creates a new identity with a random seed.
func GenerateIdentity(name string) (*Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	return &Identity{Name: name, CreatedAt: time.Now().UTC(), keys: kp}, nil
}

// IdentityFromEntropy rebuilds an identity from its 32-byte seed, as
// recovered from a mnemonic phrase.
func IdentityFromEntropy(entropy []byte, name string, createdAt time.Time) (*Identity, error) {
	kp, err := KeyPairFromSeed(entropy)
	if err != nil {
		return nil, err
	}
	return &Identity{Name: name, CreatedAt: createdAt, keys: kp}, nil
}

// ToEntropy returns the seed the identity was derived from.
func (id *Identity) ToEntropy() []byte {
	return id.keys.Seed()
}

func (id *Identity) KeyPair() *KeyPair {
	return id.keys
}

func (id *Identity) PublicKey() PublicKey {
	return id.keys.Public
}

func (id *Identity) SecretKey() *SecretKey {
	return id.keys.Secret
}

// Sign signs message with the identity's secret key.
func (id *Identity) Sign(message []byte) ([]byte, error) {
	return Sign(id.keys.Secret, message)
}

func (id *Identity) Public() *PublicIdentity {
	return &PublicIdentity{Name: id.Name, PublicKey: id.keys.Public, CreatedAt: id.CreatedAt}
}

// Fingerprint returns a short identifier for the identity's public key.
func (id *Identity) Fingerprint() string {
	return id.keys.Public.Short()
}

// SaveEncrypted writes the identity to path, encrypted under a key derived
// from passphrase with Argon2id.
func (id *Identity) SaveEncrypted(path string, passphrase []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	seed := id.keys.Seed()
	defer ZeroBytes(seed)
	plaintextJSON, err := json.Marshal(identityPlaintext{
		Name:      id.Name,
		CreatedAt: id.CreatedAt,
		Seed:      seed,
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	defer ZeroBytes(plaintextJSON)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	fileJSON, err := json.MarshalIndent(identityFile{
		Version:       identityFileVersion,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    gcm.Seal(nil, nonce, plaintextJSON, nil),
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal file: %w", err)
	}

	if err := os.WriteFile(path, fileJSON, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// LoadEncrypted reads an identity written by SaveEncrypted.
func LoadEncrypted(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse file: %w", err)
	}
	if file.Version != identityFileVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d", file.Version)
	}

	key := argon2.IDKey(passphrase, file.Salt, file.Argon2Time, file.Argon2Memory, file.Argon2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(file.Nonce) != gcm.NonceSize() {
		return nil, ErrBadPassphrase
	}
	plaintextJSON, err := gcm.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	defer ZeroBytes(plaintextJSON)

	var plaintext identityPlaintext
	if err := json.Unmarshal(plaintextJSON, &plaintext); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	defer ZeroBytes(plaintext.Seed)

	return IdentityFromEntropy(plaintext.Seed, plaintext.Name, plaintext.CreatedAt)
}

// SavePublic writes the public identity as JSON.
func (id *Identity) SavePublic(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.MarshalIndent(id.Public(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal public identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// LoadPublic reads a public identity written by SavePublic.
func LoadPublic(path string) (*PublicIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var pub PublicIdentity
	if err := json.Unmarshal(data, &pub); err != nil {
		return nil, fmt.Errorf("parse public identity: %w", err)
	}
	return &pub, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
