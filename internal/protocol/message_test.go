package protocol

import (
	"testing"
	"time"

	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/peer"
)

func newSigner(t *testing.T, name string) *peer.NodeIdentity {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return peer.NewNodeIdentity(name, kp, "")
}

func TestMessageSign(t *testing.T) {
	node := newSigner(t, "alice")

	msg, err := NewMessage(MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := msg.Sign(node); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !msg.IsSigned() {
		t.Error("IsSigned should return true")
	}
	if string(msg.From) != string(node.PublicKey().Bytes()) {
		t.Error("From should match the public key")
	}
	if err := msg.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := msg.VerifyFrom(node.PublicKey()); err != nil {
		t.Errorf("VerifyFrom: %v", err)
	}
	if err := msg.VerifyFrom(newSigner(t, "bob").PublicKey()); err == nil {
		t.Error("VerifyFrom should fail with wrong public key")
	}
}

func TestMessageVerifyTampered(t *testing.T) {
	node := newSigner(t, "alice")

	tests := []struct {
		name   string
		tamper func(*Message)
	}{
		{"payload", func(m *Message) { m.Payload = []byte(`{"name":"mallory"}`) }},
		{"timestamp", func(m *Message) { m.Timestamp = m.Timestamp.Add(time.Hour) }},
		{"type", func(m *Message) { m.Type = MsgPong }},
		{"signature", func(m *Message) { m.Signature[0] ^= 0xff }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, _ := NewMessage(MsgPing, Hello{Name: "alice"})
			if err := msg.Sign(node); err != nil {
				t.Fatal(err)
			}
			tt.tamper(msg)
			if err := msg.Verify(); err == nil {
				t.Error("Verify should fail")
			}
		})
	}
}

func TestMessageVerifyNoSignature(t *testing.T) {
	msg, _ := NewMessage(MsgPing, struct{}{})

	if err := msg.Verify(); err == nil {
		t.Error("Verify should fail without signature")
	}
	if msg.IsSigned() {
		t.Error("IsSigned should return false")
	}
}

func TestMessageSigningDataDiffers(t *testing.T) {
	ts := time.Now().UTC()
	base := &Message{Type: MsgPing, Timestamp: ts, Payload: []byte(`{}`)}

	others := []*Message{
		{Type: MsgPong, Timestamp: ts, Payload: []byte(`{}`)},
		{Type: MsgPing, Timestamp: ts, Payload: []byte(`{"a":1}`)},
		{Type: MsgPing, Timestamp: ts.Add(time.Second), Payload: []byte(`{}`)},
	}
	for i, o := range others {
		if string(base.SigningData()) == string(o.SigningData()) {
			t.Errorf("case %d: signing data should differ", i)
		}
	}

	same := &Message{Type: MsgPing, Timestamp: ts, Payload: []byte(`{}`)}
	if string(base.SigningData()) != string(same.SigningData()) {
		t.Error("SigningData should be deterministic")
	}
}
