package saf

import (
	"context"
	"errors"
	"fmt"

	"safnode.dev/go/safnode/internal/peer"
)

// ErrorKind enumerates every way handling a SAF message can fail.
type ErrorKind uint8

const (
	KindInvalidEnvelopeBody ErrorKind = iota + 1
	KindHeaderNotProvided
	KindDhtMessageError
	KindInvalidDestination
	KindInvalidSignature
	KindStoredMessageNotEncrypted
	KindDuplicateMessage
	KindDecryptionFailed
	KindPeerNotFound
	KindNotStorable
	KindDedupServiceError
	KindPeerManagerError
	KindOutboundError
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidEnvelopeBody:
		return "invalid envelope body"
	case KindHeaderNotProvided:
		return "header not provided"
	case KindDhtMessageError:
		return "malformed header"
	case KindInvalidDestination:
		return "invalid destination"
	case KindInvalidSignature:
		return "invalid signature"
	case KindStoredMessageNotEncrypted:
		return "stored message not encrypted"
	case KindDuplicateMessage:
		return "duplicate message"
	case KindDecryptionFailed:
		return "decryption failed"
	case KindPeerNotFound:
		return "origin peer not found"
	case KindNotStorable:
		return "message not storable"
	case KindDedupServiceError:
		return "deduplication service error"
	case KindPeerManagerError:
		return "peer directory error"
	case KindOutboundError:
		return "outbound error"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is a SAF failure of a given kind, optionally wrapping a cause.
// errors.Is matches on kind against the Err* sentinels.
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidEnvelopeBody       = &Error{Kind: KindInvalidEnvelopeBody}
	ErrHeaderNotProvided         = &Error{Kind: KindHeaderNotProvided}
	ErrDhtMessageError           = &Error{Kind: KindDhtMessageError}
	ErrInvalidDestination        = &Error{Kind: KindInvalidDestination}
	ErrInvalidSignature          = &Error{Kind: KindInvalidSignature}
	ErrStoredMessageNotEncrypted = &Error{Kind: KindStoredMessageNotEncrypted}
	ErrDuplicateMessage          = &Error{Kind: KindDuplicateMessage}
	ErrDecryptionFailed          = &Error{Kind: KindDecryptionFailed}
	ErrPeerNotFound              = &Error{Kind: KindPeerNotFound}
	ErrNotStorable               = &Error{Kind: KindNotStorable}
	ErrDedupServiceError         = &Error{Kind: KindDedupServiceError}
	ErrPeerManagerError          = &Error{Kind: KindPeerManagerError}
	ErrOutboundError             = &Error{Kind: KindOutboundError}
)

// Class groups failures by who is at fault and how loudly to report them.
type Class uint8

const (
	// ClassBenign failures are expected in normal operation.
	ClassBenign Class = iota
	// ClassMalfunction failures are local infrastructure problems.
	ClassMalfunction
	// ClassProtocolViolation failures mean the sending peer misbehaved.
	ClassProtocolViolation
)

func (c Class) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassMalfunction:
		return "malfunction"
	case ClassProtocolViolation:
		return "protocol_violation"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Classify maps an error to its class. Errors that are not SAF errors are
// treated as local malfunctions so that our own faults never count
// against a peer.
func Classify(err error) Class {
	var e *Error
	if !errors.As(err, &e) {
		return ClassMalfunction
	}
	switch e.Kind {
	case KindDecryptionFailed, KindPeerNotFound, KindDuplicateMessage, KindNotStorable:
		return ClassBenign
	case KindDedupServiceError, KindPeerManagerError, KindOutboundError:
		return ClassMalfunction
	case KindInvalidEnvelopeBody, KindHeaderNotProvided, KindDhtMessageError,
		KindInvalidDestination, KindInvalidSignature, KindStoredMessageNotEncrypted:
		return ClassProtocolViolation
	}
	return ClassMalfunction
}

// ViolationReporter receives protocol violations attributed to a peer.
// Reputation and banning policy live behind it.
type ViolationReporter interface {
	ReportViolation(ctx context.Context, p *peer.Peer, err error)
}

type nopReporter struct{}

func (nopReporter) ReportViolation(context.Context, *peer.Peer, error) {}
