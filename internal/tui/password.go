package tui

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"safnode.dev/go/safnode/internal/crypto"
)

// MinPassphraseLen is the shortest passphrase accepted for a new identity.
const MinPassphraseLen = 8

var ErrPassphraseMismatch = errors.New("passphrases do not match")

// Prompts go to stderr so stdout stays clean for piping. Input that is
// not a terminal is read line by line through one shared reader.
var (
	promptOut io.Writer = os.Stderr
	stdin               = bufio.NewReader(os.Stdin)
	isTTY               = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// ReadPassphrase prompts for a passphrase without echo.
func ReadPassphrase(prompt string) (*crypto.Passphrase, error) {
	fmt.Fprint(promptOut, prompt)

	if !isTTY() {
		line, err := stdin.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		b := []byte(strings.TrimRight(line, "\r\n"))
		return crypto.NewPassphrase(b), nil
	}

	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(promptOut)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return crypto.NewPassphrase(b), nil
}

// ReadNewPassphrase prompts twice and checks the entries match and are
// long enough.
func ReadNewPassphrase(prompt, confirmPrompt string) (*crypto.Passphrase, error) {
	p, err := ReadPassphrase(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := ReadPassphrase(confirmPrompt)
	if err != nil {
		p.Destroy()
		return nil, err
	}
	defer confirm.Destroy()

	if !bytes.Equal(p.Bytes(), confirm.Bytes()) {
		p.Destroy()
		return nil, ErrPassphraseMismatch
	}
	if p.Len() < MinPassphraseLen {
		p.Destroy()
		return nil, fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLen)
	}
	return p, nil
}

// Confirm asks a yes/no question.
func Confirm(prompt string, defaultYes bool) (bool, error) {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, err := ReadLine(prompt + " " + hint + " ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return defaultYes, nil
}

// ReadLine reads one trimmed line of input.
func ReadLine(prompt string) (string, error) {
	fmt.Fprint(promptOut, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadLineDefault reads a line, returning defaultValue for empty input.
func ReadLineDefault(prompt, defaultValue string) (string, error) {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", strings.TrimSuffix(prompt, ": "), defaultValue)
	}
	line, err := ReadLine(prompt)
	if err != nil {
		return "", err
	}
	if line == "" {
		return defaultValue, nil
	}
	return line, nil
}
