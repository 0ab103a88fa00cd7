package tui

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteQR(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteQR(&buf, "safnode:2f6a0c"); err != nil {
		t.Fatalf("WriteQR() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) < 10 {
		t.Errorf("QR code has %d lines, want a full symbol", len(lines))
	}
}
