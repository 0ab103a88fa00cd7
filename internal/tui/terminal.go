package tui

import (
	"fmt"
	"io"
	"os"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// IsStdoutTerminal reports whether stdout is a terminal rather than a pipe.
func IsStdoutTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// WriteQR renders text as a QR code drawn with block characters, small
// enough for an 80-column terminal for a public key.
func WriteQR(w io.Writer, text string) error {
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR code: %w", err)
	}
	_, err = io.WriteString(w, qr.ToSmallString(false))
	return err
}
