package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// HandshakeTimeout is the maximum time allowed for a handshake
const HandshakeTimeout = 30 * time.Second

// MaxClockSkew bounds how far a hello timestamp may be from our clock.
const MaxClockSkew = 2 * time.Minute

// MessageConn is a connection that carries whole frames.
type MessageConn interface {
	ReadMessage() (*Message, error)
	WriteMessage(msg *Message) error
	SetDeadline(t time.Time) error
}

// NewHello creates our hello
func NewHello(s Signer, name string, addresses ...string) *Hello {
	return &Hello{
		Version:    ProtocolVersion,
		MinVersion: MinProtocolVersion,
		PublicKey:  s.PublicKey(),
		Name:       name,
		Addresses:  addresses,
	}
}

// Compatible checks if this hello is compatible with another
func (h *Hello) Compatible(other *Hello) error {
	if other == nil {
		return errors.New("nil hello")
	}

	if !isVersionCompatible(h.Version, other.MinVersion) {
		return fmt.Errorf("our version %s is below their minimum %s", h.Version, other.MinVersion)
	}
	if !isVersionCompatible(other.Version, h.MinVersion) {
		return fmt.Errorf("their version %s is below our minimum %s", other.Version, h.MinVersion)
	}

	if other.PublicKey.IsZero() {
		return errors.New("missing public key")
	}
	return nil
}

// PerformHandshake sends our signed hello, reads theirs and checks that it
// is signed by the key it announces. Both sides run the same exchange.
func PerformHandshake(conn MessageConn, s Signer, ours *Hello) (*Hello, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	msg, err := NewMessage(MsgHello, ours)
	if err != nil {
		return nil, fmt.Errorf("create hello: %w", err)
	}
	if err := msg.Sign(s); err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	if err := conn.WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	theirMsg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	if theirMsg.Type == MsgReject {
		var r Reject
		theirMsg.ParsePayload(&r)
		return nil, fmt.Errorf("rejected by peer: %s (%s)", r.Reason, r.Code)
	}
	if theirMsg.Type != MsgHello {
		return nil, fmt.Errorf("expected hello, got %s", theirMsg.Type)
	}

	var theirs Hello
	if err := theirMsg.ParsePayload(&theirs); err != nil {
		return nil, fmt.Errorf("parse hello: %w", err)
	}

	if err := checkHello(theirMsg, &theirs, ours); err != nil {
		code := RejectCodeInvalidHello
		var ve *versionError
		if errors.As(err, &ve) {
			code = RejectCodeVersionMismatch
		}
		if theirs.PublicKey == ours.PublicKey {
			code = RejectCodeSelfConnection
		}
		reject, _ := NewMessage(MsgReject, Reject{Reason: err.Error(), Code: code})
		conn.WriteMessage(reject)
		return nil, fmt.Errorf("incompatible: %w", err)
	}

	return &theirs, nil
}

type versionError struct{ err error }

func (e *versionError) Error() string { return e.err.Error() }

func checkHello(msg *Message, theirs, ours *Hello) error {
	if err := ours.Compatible(theirs); err != nil {
		if theirs.PublicKey.IsZero() {
			return err
		}
		return &versionError{err}
	}
	if err := msg.VerifyFrom(theirs.PublicKey); err != nil {
		return err
	}
	if skew := time.Since(msg.Timestamp); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("hello timestamp off by %s", skew.Round(time.Second))
	}
	if theirs.PublicKey == ours.PublicKey {
		return errors.New("connected to self")
	}
	return nil
}

// isVersionCompatible checks if version meets minimum requirement
// Uses proper semantic versioning comparison
func isVersionCompatible(version, minVersion string) bool {
	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	min, err := parseVersion(minVersion)
	if err != nil {
		return false
	}
	return v.Compare(min) >= 0
}

// Version represents a semantic version
type Version struct {
	Major int
	Minor int
	Patch int
}

// parseVersion parses a version string like "1.2.3"
func parseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 3 {
		return v, fmt.Errorf("invalid version format: %s", s)
	}

	var err error
	if v.Major, err = parseVersionPart(parts[0]); err != nil {
		return v, err
	}
	if len(parts) >= 2 {
		if v.Minor, err = parseVersionPart(parts[1]); err != nil {
			return v, err
		}
	}
	if len(parts) >= 3 {
		if v.Patch, err = parseVersionPart(parts[2]); err != nil {
			return v, err
		}
	}
	return v, nil
}

// parseVersionPart parses a single version part, stripping any suffix
func parseVersionPart(s string) (int, error) {
	for i, c := range s {
		if c < '0' || c > '9' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return 0, nil
	}

	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Compare compares two versions
// Returns -1 if v < other, 0 if equal, 1 if v > other
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if v.Patch != other.Patch {
		if v.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// String returns the version as a string
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
