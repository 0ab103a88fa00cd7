package keychain

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestStoreGetDelete(t *testing.T) {
	keyring.MockInit()

	if _, err := Get("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() before Store: got %v, want ErrNotFound", err)
	}
	if err := Store("alice", "hunter22"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := Store("bob", "other"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := Get("alice")
	if err != nil || got != "hunter22" {
		t.Errorf("Get(alice) = %q, %v; want hunter22", got, err)
	}

	if err := Delete("alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := Delete("alice"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := Get("alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete: got %v, want ErrNotFound", err)
	}
	if got, _ := Get("bob"); got != "other" {
		t.Errorf("Get(bob) = %q, want other", got)
	}
	if !IsAvailable() {
		t.Error("IsAvailable() = false with mock keyring")
	}
}
