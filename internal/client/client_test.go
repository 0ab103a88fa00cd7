package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"safnode.dev/go/safnode/internal/config"
	"safnode.dev/go/safnode/internal/crypto"
	"safnode.dev/go/safnode/internal/daemon"
	"safnode.dev/go/safnode/internal/storage"
)

func startDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	identity, err := crypto.GenerateIdentity("api-test")
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	cfg := config.Default()
	cfg.Discovery.MDNS = false

	d, err := daemon.New(&daemon.Options{
		Paths:     config.PathsIn(t.TempDir()),
		Config:    cfg,
		Identity:  identity,
		P2PListen: "127.0.0.1:0",
		APIListen: "127.0.0.1:0",
		LogOutput: io.Discard,
		KV:        storage.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("daemon.New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d
}

func TestClientAgainstDaemon(t *testing.T) {
	d := startDaemon(t)
	c := New(d.APIAddr())
	ctx := context.Background()

	s, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if s.PublicKey != d.Node().PublicKey().String() || s.Name != "api-test" {
		t.Errorf("Status = %+v", s)
	}
	if !c.IsRunning(ctx) {
		t.Error("IsRunning() = false")
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	other := kp.Public.String()
	if _, err := c.AddPeer(ctx, other, "other", ""); err != nil {
		t.Fatalf("AddPeer() error = %v", err)
	}
	peers, err := c.Peers(ctx)
	if err != nil || len(peers) != 1 || peers[0].Name != "other" {
		t.Fatalf("Peers() = %+v, %v", peers, err)
	}

	tag, err := c.Send(ctx, other, "hello")
	if err != nil || tag == "" {
		t.Errorf("Send() = %q, %v", tag, err)
	}

	msgs, err := c.Inbox(ctx, true)
	if err != nil || len(msgs) != 0 {
		t.Errorf("Inbox() = %+v, %v", msgs, err)
	}

	if err := c.RemovePeer(ctx, other); err != nil {
		t.Errorf("RemovePeer() error = %v", err)
	}
	var apiErr *APIError
	if err := c.RemovePeer(ctx, other); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("second RemovePeer() error = %v, want HTTP 404", err)
	}

	if _, err := c.Send(ctx, "not-a-key", "hello"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Send() to bad key error = %v, want HTTP 400", err)
	}

	entries, err := c.Logs(ctx, "info", 10)
	if err != nil || len(entries) == 0 {
		t.Errorf("Logs() = %d entries, %v", len(entries), err)
	}
}

func TestClientDaemonNotRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New("http://" + addr)
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("Status() error = %v, want ErrDaemonNotRunning", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	c, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if c.baseURL != "http://127.0.0.1:7947" {
		t.Errorf("baseURL = %s", c.baseURL)
	}

	cfg.Daemon.APIPort = 0
	if _, err := FromConfig(cfg); err == nil {
		t.Error("FromConfig() with API disabled succeeded")
	}
}
