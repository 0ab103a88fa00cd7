package crypto

import (
	"strings"
	"testing"
)

func TestSafetyPhrase(t *testing.T) {
	a, b, c := mustKeyPair(t).Public, mustKeyPair(t).Public, mustKeyPair(t).Public

	ab, err := SafetyPhrase(a, b)
	if err != nil {
		t.Fatalf("SafetyPhrase: %v", err)
	}
	if n := len(strings.Fields(ab)); n != safetyWords {
		t.Errorf("got %d words, want %d", n, safetyWords)
	}

	ba, _ := SafetyPhrase(b, a)
	if ab != ba {
		t.Errorf("order changed the phrase: %q vs %q", ab, ba)
	}

	// A key substituted by a man in the middle gives a different phrase.
	ac, _ := SafetyPhrase(a, c)
	if ab == ac {
		t.Errorf("different keys gave the same phrase %q", ab)
	}
}

func TestPassphrase(t *testing.T) {
	src := []byte("correct horse battery")
	p := NewPassphrase(src)

	for i, c := range src {
		if c != 0 {
			t.Fatalf("source byte %d not zeroed", i)
		}
	}
	if got := string(p.Bytes()); got != "correct horse battery" {
		t.Errorf("Bytes() = %q", got)
	}
	if p.Len() != len(src) {
		t.Errorf("Len() = %d, want %d", p.Len(), len(src))
	}

	data := p.Bytes()
	p.Destroy()
	for i, c := range data {
		if c != 0 {
			t.Fatalf("byte %d not zeroed by Destroy", i)
		}
	}
	if p.Bytes() != nil {
		t.Error("Bytes() after Destroy is not nil")
	}
	p.Destroy()
}
