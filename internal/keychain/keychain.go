// Package keychain keeps the identity passphrase in the system keychain so
// the daemon can start unattended.
package keychain

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service all safnode entries are filed under.
const ServiceName = "safnode"

var ErrNotFound = errors.New("passphrase not found in keychain")

// account is the keychain account for an identity. Several identities on
// one machine get separate entries.
func account(identity string) string {
	if identity == "" {
		return "identity-passphrase"
	}
	return "identity-passphrase:" + identity
}

// Store saves the passphrase for identity.
func Store(identity, passphrase string) error {
	return keyring.Set(ServiceName, account(identity), passphrase)
}

// Get returns the stored passphrase for identity, or ErrNotFound.
func Get(identity string) (string, error) {
	pass, err := keyring.Get(ServiceName, account(identity))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return pass, err
}

// Delete removes the passphrase for identity. Deleting a missing entry is
// not an error.
func Delete(identity string) error {
	err := keyring.Delete(ServiceName, account(identity))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// IsAvailable reports whether a keychain backend answers at all. Headless
// Linux hosts often have no secret service.
func IsAvailable() bool {
	_, err := keyring.Get(ServiceName, "availability-probe")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}
