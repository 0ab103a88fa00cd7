package crypto

import (
	"fmt"
	"strings"

	"github.com/cosmos/go-bip39"
)

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(mnemonic), " ")
}

// EntropyToMnemonic encodes a 32-byte seed as a 24-word BIP-39 phrase.
func EntropyToMnemonic(entropy []byte) (string, error) {
	if len(entropy) != SeedSize {
		return "", fmt.Errorf("entropy must be %d bytes, got %d", SeedSize, len(entropy))
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generating mnemonic: %w", err)
	}
	return mnemonic, nil
}

// MnemonicToEntropy decodes a 24-word phrase back into the seed.
func MnemonicToEntropy(mnemonic string) ([]byte, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic phrase")
	}

	// 24 words carry 256 bits of entropy and an 8-bit checksum.
	data, err := bip39.MnemonicToByteArray(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("decoding mnemonic: %w", err)
	}
	if len(data) != SeedSize+1 {
		return nil, fmt.Errorf("mnemonic must have 24 words, got %d", len(strings.Fields(mnemonic)))
	}
	return data[:SeedSize], nil
}

// ValidateMnemonic checks a phrase without decoding it.
func ValidateMnemonic(mnemonic string) error {
	if !bip39.IsMnemonicValid(normalizeMnemonic(mnemonic)) {
		return fmt.Errorf("invalid mnemonic phrase")
	}
	return nil
}

// RecoveryPhrase returns the identity's seed as a mnemonic.
func (id *Identity) RecoveryPhrase() (string, error) {
	seed := id.ToEntropy()
	defer ZeroBytes(seed)
	return EntropyToMnemonic(seed)
}
