package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/envelope"
	"safnode.dev/go/safnode/internal/peer"
)

var ErrInvalidSignature = errors.New("invalid origin signature")

// Decryptor turns received envelopes into DecryptedMessages for the local
// node.
type Decryptor struct {
	node *peer.NodeIdentity
}

func NewDecryptor(node *peer.NodeIdentity) *Decryptor {
	return &Decryptor{node: node}
}

// Decrypt validates env and decrypts it if it is encrypted. A message this
// node cannot decrypt is returned as Failed, not as an error; errors mean
// the envelope is malformed or forged and should be dropped.
func (d *Decryptor) Decrypt(ctx context.Context, env *envelope.Envelope, source *peer.Peer) (*DecryptedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	header, err := envelope.ParseHeader(env.Header)
	if err != nil {
		return nil, err
	}
	if !header.VerifySignature(env.Body) {
		return nil, ErrInvalidSignature
	}

	msg := NewDhtInboundMessage(header, source, env.Body)

	if !header.Flags.Has(envelope.FlagEncrypted) {
		body, err := envelope.DecodeBody(env.Body)
		if err != nil {
			return nil, fmt.Errorf("plaintext body: %w", err)
		}
		return Succeeded(body, msg), nil
	}

	if header.Destination.Kind == envelope.DestinationPublicKey && header.Destination.PublicKey != d.node.PublicKey() {
		return Failed(msg), nil
	}

	body, err := DecryptBody(d.node.SecretKey(), header.OriginPublicKey, env.Body)
	if err != nil {
		slog.Debug("Could not decrypt message",
			"tag", msg.Tag,
			"type", header.MessageType,
			"origin", header.OriginPublicKey.Short(),
			"error", err)
		return Failed(msg), nil
	}
	return Succeeded(body, msg), nil
}

// DecryptBody derives the shared secret with origin and opens ciphertext as
// an encoded body. Any failure, including a body that does not decode, is
// reported as crypto.ErrDecryptionFailed.
func DecryptBody(sk *crypto.SecretKey, origin crypto.PublicKey, ciphertext []byte) (*envelope.Body, error) {
	secret, err := crypto.GenerateECDHSecret(sk, origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
	}
	defer secret.Zero()

	plaintext, err := crypto.Decrypt(secret, ciphertext)
	if err != nil {
		return nil, err
	}
	body, err := envelope.DecodeBody(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
	}
	return body, nil
}
